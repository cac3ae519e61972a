package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrItemNotFound    = errors.New("item not found")
	ErrVersionConflict = errors.New("item was modified concurrently")
	ErrDuplicateItem   = errors.New("an item with this barcode already exists")
	ErrInvalidStatus   = errors.New("unknown item status")
	ErrInvalidInput    = errors.New("invalid input")
)

// Statuses lists the item statuses the catalog accepts.
var Statuses = []string{
	"Available",
	"Checked out",
	"Awaiting pickup",
	"Awaiting delivery",
	"In transit",
	"Paged",
	"Missing",
	"On order",
	"In process",
	"Declared lost",
}

func validStatus(status string) bool {
	for _, s := range Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Item represents a physical copy that patrons can request.
type Item struct {
	ID               uuid.UUID `json:"id" db:"id"`
	Barcode          string    `json:"barcode" db:"barcode"`
	Title            string    `json:"title" db:"title"`
	Status           string    `json:"status" db:"status"`
	HoldingsRecordID uuid.UUID `json:"holdings_record_id" db:"holdings_record_id"`
	MaterialTypeID   uuid.UUID `json:"material_type_id" db:"material_type_id"`
	Version          int       `json:"version" db:"version"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// NewItem holds the fields a caller supplies when adding an item.
type NewItem struct {
	Barcode          string    `json:"barcode"`
	Title            string    `json:"title"`
	Status           string    `json:"status"`
	HoldingsRecordID uuid.UUID `json:"holdings_record_id"`
	MaterialTypeID   uuid.UUID `json:"material_type_id"`
}

// ItemAddedEvent is recorded when a new item is added.
type ItemAddedEvent struct {
	ID               uuid.UUID `json:"id"`
	Barcode          string    `json:"barcode"`
	Title            string    `json:"title"`
	Status           string    `json:"status"`
	HoldingsRecordID uuid.UUID `json:"holdings_record_id"`
	MaterialTypeID   uuid.UUID `json:"material_type_id"`
}

// ItemStatusChangedEvent is recorded when an item's status changes.
type ItemStatusChangedEvent struct {
	ID        uuid.UUID `json:"id"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
}
