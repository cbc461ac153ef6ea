package models

import "time"

// Category groups device types and owns a notification group.
type Category struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Visible      bool    `json:"visible"`
	SortKey      int     `json:"sort_key"`
	Description  *string `json:"description,omitempty"`
	DepartmentID *int64  `json:"department_id,omitempty"`
}

type DeviceType struct {
	ID          int64   `json:"id"`
	CategoryID  int64   `json:"category_id"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

// Item is an accessory or component that can appear on a checklist.
type Item struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Tips     string  `json:"tips,omitempty"`
	PhotoRef *string `json:"photo_ref,omitempty"`
}

// TemplateLine is the required quantity of an item for every unit of a device type.
type TemplateLine struct {
	DeviceTypeID int64 `json:"device_type_id"`
	ItemID       int64 `json:"item_id"`
	RequiredQty  int   `json:"required_qty"`
	SortOrder    int   `json:"sort_order"`
}

// UnitStatus is the cached projection of a unit's loans and issues.
type UnitStatus string

const (
	StatusInStock        UnitStatus = "in_stock"
	StatusLoaned         UnitStatus = "loaned"
	StatusNeedsAttention UnitStatus = "needs_attention"
)

// DeviceUnit is one physical, serialized instance of a device type.
type DeviceUnit struct {
	ID                int64      `json:"id"`
	DeviceTypeID      int64      `json:"device_type_id"`
	LotNumber         string     `json:"lot_number"`
	Location          string     `json:"location,omitempty"`
	ManufactureDate   *Date      `json:"manufacture_date,omitempty"`
	LastInspectionOn  *Date      `json:"last_inspection_on,omitempty"`
	NextInspectionDue *Date      `json:"next_inspection_due,omitempty"`
	Status            UnitStatus `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
}

// UnitSummary joins a unit with its device type and category names.
type UnitSummary struct {
	DeviceUnit
	DeviceTypeName string `json:"device_type_name"`
	CategoryID     int64  `json:"category_id"`
	CategoryName   string `json:"category_name"`
}

// UnitFilter narrows unit listings. Zero values match everything.
type UnitFilter struct {
	CategoryID   int64
	DeviceTypeID int64
	Status       UnitStatus
}

// NotificationMember is a recipient subscribed to a category's events.
type NotificationMember struct {
	ID         int64  `json:"id"`
	CategoryID int64  `json:"category_id"`
	UserID     *int64 `json:"user_id,omitempty"`
	Name       string `json:"name"`
	Email      string `json:"email"`
}
