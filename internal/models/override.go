package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// OverrideAction is one of OverrideAdd, OverrideRemove or OverrideQty.
type OverrideAction interface {
	Kind() string
	isOverrideAction()
}

// OverrideAdd puts an item on a unit's checklist that its template lacks.
type OverrideAdd struct{ Qty int }

// OverrideRemove drops a template item from a unit's checklist.
type OverrideRemove struct{}

// OverrideQty replaces the template quantity of an item for one unit.
type OverrideQty struct{ Qty int }

func (OverrideAdd) Kind() string    { return "add" }
func (OverrideRemove) Kind() string { return "remove" }
func (OverrideQty) Kind() string    { return "qty" }

func (OverrideAdd) isOverrideAction()    {}
func (OverrideRemove) isOverrideAction() {}
func (OverrideQty) isOverrideAction()    {}

// NewOverrideAction builds an action from its stored kind and quantity.
func NewOverrideAction(kind string, qty *int) (OverrideAction, error) {
	switch kind {
	case "remove":
		return OverrideRemove{}, nil
	case "add", "qty":
		if qty == nil {
			return nil, fmt.Errorf("override %q requires qty", kind)
		}
		if *qty < 0 {
			return nil, fmt.Errorf("override qty must not be negative")
		}
		if kind == "add" {
			return OverrideAdd{Qty: *qty}, nil
		}
		return OverrideQty{Qty: *qty}, nil
	default:
		return nil, fmt.Errorf("unknown override action %q", kind)
	}
}

// OverrideQtyOf returns the quantity carried by an action, if any.
func OverrideQtyOf(a OverrideAction) *int {
	switch v := a.(type) {
	case OverrideAdd:
		return &v.Qty
	case OverrideQty:
		return &v.Qty
	}
	return nil
}

// UnitOverride adjusts the checklist of a single unit. There is at most one per (unit, item).
type UnitOverride struct {
	ID        int64
	UnitID    int64
	ItemID    int64
	Action    OverrideAction
	CreatedAt time.Time
}

type unitOverrideJSON struct {
	ID        int64     `json:"id"`
	UnitID    int64     `json:"unit_id"`
	ItemID    int64     `json:"item_id"`
	Action    string    `json:"action"`
	Qty       *int      `json:"qty,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (o UnitOverride) MarshalJSON() ([]byte, error) {
	out := unitOverrideJSON{ID: o.ID, UnitID: o.UnitID, ItemID: o.ItemID, CreatedAt: o.CreatedAt}
	if o.Action != nil {
		out.Action = o.Action.Kind()
		out.Qty = OverrideQtyOf(o.Action)
	}
	return json.Marshal(out)
}

func (o *UnitOverride) UnmarshalJSON(b []byte) error {
	var in unitOverrideJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	action, err := NewOverrideAction(in.Action, in.Qty)
	if err != nil {
		return err
	}
	*o = UnitOverride{ID: in.ID, UnitID: in.UnitID, ItemID: in.ItemID, Action: action, CreatedAt: in.CreatedAt}
	return nil
}

// ChecklistLine is one expected item of a unit, after overrides.
type ChecklistLine struct {
	ItemID       int64   `json:"item_id"`
	Name         string  `json:"name"`
	Tips         string  `json:"tips,omitempty"`
	PhotoRef     *string `json:"photo_ref,omitempty"`
	RequiredQty  int     `json:"required_qty"`
	SortOrder    int     `json:"sort_order"`
	IsOverridden bool    `json:"is_overridden"`
}
