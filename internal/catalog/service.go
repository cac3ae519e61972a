package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddItem(ctx context.Context, item NewItem) (*Item, error)
	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)
	GetItemByBarcode(ctx context.Context, barcode string) (*Item, error)
	// UpdateItemStatus changes the status of the item at expectedVersion and
	// returns the updated item.
	UpdateItemStatus(ctx context.Context, id uuid.UUID, status string, expectedVersion int) (*Item, error)
}
