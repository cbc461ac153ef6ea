package engine

import (
	"context"
	"net/mail"
	"strings"

	"equipment-loan-api/internal/models"

	"go.uber.org/zap"
)

func (e *Engine) CreateCategory(ctx context.Context, c models.Category) (models.Category, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return c, newError(ErrValidation, "create category", "name is required")
	}
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertCategory(ctx, &c)
	})
	return c, err
}

func (e *Engine) CreateDeviceType(ctx context.Context, dt models.DeviceType) (models.DeviceType, error) {
	dt.Name = strings.TrimSpace(dt.Name)
	if dt.Name == "" || dt.CategoryID <= 0 {
		return dt, newError(ErrValidation, "create device type", "name and category_id are required")
	}
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertDeviceType(ctx, &dt)
	})
	return dt, err
}

func (e *Engine) CreateItem(ctx context.Context, it models.Item) (models.Item, error) {
	it.Name = strings.TrimSpace(it.Name)
	if it.Name == "" {
		return it, newError(ErrValidation, "create item", "name is required")
	}
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertItem(ctx, &it)
	})
	return it, err
}

// PutTemplateLine creates or replaces the template line for (device type, item).
func (e *Engine) PutTemplateLine(ctx context.Context, line models.TemplateLine) error {
	if line.DeviceTypeID <= 0 || line.ItemID <= 0 {
		return newError(ErrValidation, "put template line", "device_type_id and item_id are required")
	}
	if line.RequiredQty < 1 {
		return newError(ErrValidation, "put template line", "required_qty must be at least 1")
	}
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetDeviceType(ctx, line.DeviceTypeID); err != nil {
			return err
		}
		items, err := tx.ItemsByID(ctx, []int64{line.ItemID})
		if err != nil {
			return err
		}
		if _, ok := items[line.ItemID]; !ok {
			return NotFoundf("item %d not found", line.ItemID)
		}
		return tx.PutTemplateLine(ctx, line)
	})
	if err == nil && e.cache != nil {
		e.cache.InvalidateAll(ctx)
	}
	return err
}

// CreateUnit registers a unit. New units are always in stock.
func (e *Engine) CreateUnit(ctx context.Context, u models.DeviceUnit) (models.DeviceUnit, error) {
	u.LotNumber = strings.TrimSpace(u.LotNumber)
	if u.LotNumber == "" || u.DeviceTypeID <= 0 {
		return u, newError(ErrValidation, "create unit", "lot_number and device_type_id are required")
	}
	u.Status = models.StatusInStock
	u.CreatedAt = e.now()
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetDeviceType(ctx, u.DeviceTypeID); err != nil {
			return err
		}
		return tx.InsertUnit(ctx, &u)
	})
	return u, err
}

// SetOverride replaces the override of one item on one unit.
func (e *Engine) SetOverride(ctx context.Context, unitID, itemID int64, action models.OverrideAction) (models.UnitOverride, error) {
	o := models.UnitOverride{UnitID: unitID, ItemID: itemID, Action: action, CreatedAt: e.now()}
	if action == nil {
		return o, newError(ErrValidation, "set override", "action is required")
	}
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetUnit(ctx, unitID); err != nil {
			return err
		}
		items, err := tx.ItemsByID(ctx, []int64{itemID})
		if err != nil {
			return err
		}
		if _, ok := items[itemID]; !ok {
			return NotFoundf("item %d not found", itemID)
		}
		return tx.ReplaceOverride(ctx, &o)
	})
	if err == nil && e.cache != nil {
		e.cache.InvalidateUnit(ctx, unitID)
	}
	return o, err
}

func (e *Engine) DeleteOverride(ctx context.Context, unitID, itemID int64) error {
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.DeleteOverride(ctx, unitID, itemID)
	})
	if err == nil && e.cache != nil {
		e.cache.InvalidateUnit(ctx, unitID)
	}
	return err
}

// DeleteItem removes an item that no inspection has ever recorded.
func (e *Engine) DeleteItem(ctx context.Context, itemID int64) error {
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		used, err := tx.ItemReferenced(ctx, itemID)
		if err != nil {
			return err
		}
		if used {
			return ItemInUsef("item %d is referenced by inspection records", itemID)
		}
		return tx.DeleteItem(ctx, itemID)
	})
	if err != nil {
		return err
	}
	if e.cache != nil {
		e.cache.InvalidateAll(ctx)
	}
	e.log.Info("item deleted", zap.Int64("item_id", itemID))
	return nil
}

// AddNotificationMember subscribes a recipient to a category. A member with a
// user_id takes the name and email of that user; otherwise an email is required.
func (e *Engine) AddNotificationMember(ctx context.Context, m models.NotificationMember) (models.NotificationMember, error) {
	const op = "add notification member"
	if m.CategoryID <= 0 {
		return m, newError(ErrValidation, op, "category_id is required")
	}
	m.Name = strings.TrimSpace(m.Name)
	if m.UserID == nil {
		addr, err := mail.ParseAddress(strings.TrimSpace(m.Email))
		if err != nil {
			return m, newError(ErrValidation, op, "user_id or a valid email is required")
		}
		// "Name <addr>" is accepted but only the bare address is stored.
		m.Email = addr.Address
		if m.Name == "" {
			m.Name = addr.Name
		}
	}
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if m.UserID != nil {
			u, err := tx.GetUser(ctx, *m.UserID)
			if err != nil {
				return err
			}
			if !u.IsActive {
				return newError(ErrValidation, op, "user %d is deactivated", u.ID)
			}
			m.Name, m.Email = u.Name, u.Email
		}
		return tx.InsertNotificationMember(ctx, &m)
	})
	return m, err
}

func (e *Engine) RemoveNotificationMember(ctx context.Context, id int64) error {
	return e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.DeleteNotificationMember(ctx, id)
	})
}
