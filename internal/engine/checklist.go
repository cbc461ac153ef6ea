package engine

import (
	"context"
	"sort"

	"equipment-loan-api/internal/models"

	"go.uber.org/zap"
)

// AddedSortOrder places items added by an override after every template line.
const AddedSortOrder = 1 << 30

// Synthesize merges a device-type template with a unit's overrides.
//
// For each item the effective override is the most recent one, except that a
// remove always wins. qty overrides only apply to template items. Lines whose
// final quantity is zero or less are dropped. Output is ordered by sort order,
// then item id. Overrides naming items missing from items are logged and skipped.
func Synthesize(template []models.TemplateLine, overrides []models.UnitOverride, items map[int64]models.Item, log *zap.Logger) []models.ChecklistLine {
	if log == nil {
		log = zap.NewNop()
	}

	byItem := make(map[int64]*models.ChecklistLine, len(template))
	for _, tl := range template {
		it, ok := items[tl.ItemID]
		if !ok {
			log.Warn("template line references unknown item", zap.Int64("item_id", tl.ItemID), zap.Int64("device_type_id", tl.DeviceTypeID))
			continue
		}
		byItem[tl.ItemID] = &models.ChecklistLine{
			ItemID:      tl.ItemID,
			Name:        it.Name,
			Tips:        it.Tips,
			PhotoRef:    it.PhotoRef,
			RequiredQty: tl.RequiredQty,
			SortOrder:   tl.SortOrder,
		}
	}

	for itemID, o := range effectiveOverrides(overrides) {
		it, ok := items[itemID]
		if !ok {
			log.Warn("override references unknown item", zap.Int64("item_id", itemID), zap.Int64("unit_id", o.UnitID))
			continue
		}
		switch a := o.Action.(type) {
		case models.OverrideRemove:
			delete(byItem, itemID)
		case models.OverrideQty:
			if line, ok := byItem[itemID]; ok {
				line.RequiredQty = a.Qty
				line.IsOverridden = true
			}
		case models.OverrideAdd:
			if line, ok := byItem[itemID]; ok {
				line.RequiredQty = a.Qty
				line.IsOverridden = true
				continue
			}
			byItem[itemID] = &models.ChecklistLine{
				ItemID:       itemID,
				Name:         it.Name,
				Tips:         it.Tips,
				PhotoRef:     it.PhotoRef,
				RequiredQty:  a.Qty,
				SortOrder:    AddedSortOrder,
				IsOverridden: true,
			}
		}
	}

	out := make([]models.ChecklistLine, 0, len(byItem))
	for _, line := range byItem {
		if line.RequiredQty <= 0 {
			continue
		}
		out = append(out, *line)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out
}

// effectiveOverrides picks one override per item: any remove, else the latest.
func effectiveOverrides(overrides []models.UnitOverride) map[int64]models.UnitOverride {
	eff := make(map[int64]models.UnitOverride, len(overrides))
	for _, o := range overrides {
		if o.Action == nil {
			continue
		}
		cur, seen := eff[o.ItemID]
		switch {
		case !seen:
			eff[o.ItemID] = o
		case isRemove(cur.Action):
			// keep the remove
		case isRemove(o.Action):
			eff[o.ItemID] = o
		case o.CreatedAt.After(cur.CreatedAt) || (o.CreatedAt.Equal(cur.CreatedAt) && o.ID > cur.ID):
			eff[o.ItemID] = o
		}
	}
	return eff
}

func isRemove(a models.OverrideAction) bool {
	_, ok := a.(models.OverrideRemove)
	return ok
}

// Checklist returns the synthesized checklist of a unit.
func (e *Engine) Checklist(ctx context.Context, unitID int64) ([]models.ChecklistLine, error) {
	if e.cache != nil {
		if lines, ok := e.cache.GetChecklist(ctx, unitID); ok {
			return lines, nil
		}
	}
	lines, err := e.checklist(ctx, e.store, unitID)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.SetChecklist(ctx, unitID, lines)
	}
	return lines, nil
}

func (e *Engine) checklist(ctx context.Context, r Reader, unitID int64) ([]models.ChecklistLine, error) {
	unit, err := r.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	template, err := r.TemplateLines(ctx, unit.DeviceTypeID)
	if err != nil {
		return nil, err
	}
	overrides, err := r.UnitOverrides(ctx, unitID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(template)+len(overrides))
	for _, tl := range template {
		ids = append(ids, tl.ItemID)
	}
	for _, o := range overrides {
		ids = append(ids, o.ItemID)
	}
	items, err := r.ItemsByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	return Synthesize(template, overrides, items, e.log), nil
}
