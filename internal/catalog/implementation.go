package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"libraqueue/pkg/eventstore"
)

const aggregateType = "item"

// Schema creates the items read model.
const Schema = `
CREATE TABLE IF NOT EXISTS items (
	id                 UUID PRIMARY KEY,
	barcode            TEXT        NOT NULL UNIQUE,
	title              TEXT        NOT NULL DEFAULT '',
	status             TEXT        NOT NULL,
	holdings_record_id UUID        NOT NULL,
	material_type_id   UUID        NOT NULL,
	version            INT         NOT NULL DEFAULT 1,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// service implements the Service interface.
type service struct {
	eventStore *eventstore.EventStore
	db         *sqlx.DB
	logger     *zap.Logger
}

// NewService creates a new catalog service instance.
func NewService(es *eventstore.EventStore, db *sqlx.DB, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{
		eventStore: es,
		db:         db,
		logger:     logger.Named("catalog"),
	}
}

// EnsureSchema creates the items table.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create items schema: %w", err)
	}
	return nil
}

// AddItem records an ItemAdded event and inserts the item into the read
// model. A missing status defaults to Available.
func (s *service) AddItem(ctx context.Context, in NewItem) (*Item, error) {
	in.Barcode = strings.TrimSpace(in.Barcode)
	if in.Barcode == "" {
		return nil, fmt.Errorf("%w: barcode is required", ErrInvalidInput)
	}
	if in.Status == "" {
		in.Status = "Available"
	}
	if !validStatus(in.Status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, in.Status)
	}
	if _, err := s.GetItemByBarcode(ctx, in.Barcode); err == nil {
		return nil, ErrDuplicateItem
	} else if !errors.Is(err, ErrItemNotFound) {
		return nil, err
	}

	id := uuid.New()
	event, err := eventstore.NewEvent("ItemAdded", ItemAddedEvent{
		ID:               id,
		Barcode:          in.Barcode,
		Title:            in.Title,
		Status:           in.Status,
		HoldingsRecordID: in.HoldingsRecordID,
		MaterialTypeID:   in.MaterialTypeID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	// Step 1: Append the event to the event store
	if err := s.eventStore.AppendEvents(ctx, id, aggregateType, 0, []eventstore.Event{event}); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	// Step 2: Update the read model
	item := &Item{}
	err = s.db.GetContext(ctx, item, `
		INSERT INTO items (id, barcode, title, status, holdings_record_id, material_type_id, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		RETURNING id, barcode, title, status, holdings_record_id, material_type_id, version, created_at, updated_at
	`, id, in.Barcode, in.Title, in.Status, in.HoldingsRecordID, in.MaterialTypeID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrDuplicateItem
		}
		return nil, fmt.Errorf("failed to update read model: %w", err)
	}

	s.logger.Info("item added", zap.Stringer("item_id", id), zap.String("barcode", item.Barcode))
	return item, nil
}

const itemColumns = `id, barcode, title, status, holdings_record_id, material_type_id, version, created_at, updated_at`

// GetItem retrieves an item from the catalog by its ID.
func (s *service) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	return s.getItem(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
}

func (s *service) GetItemByBarcode(ctx context.Context, barcode string) (*Item, error) {
	return s.getItem(ctx, `SELECT `+itemColumns+` FROM items WHERE barcode = $1`, barcode)
}

func (s *service) getItem(ctx context.Context, query string, arg any) (*Item, error) {
	item := &Item{}
	if err := s.db.GetContext(ctx, item, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get item from read model: %w", err)
	}
	return item, nil
}

// UpdateItemStatus records an ItemStatusChanged event at expectedVersion
// and applies it to the read model.
func (s *service) UpdateItemStatus(ctx context.Context, id uuid.UUID, status string, expectedVersion int) (*Item, error) {
	if !validStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	item, err := s.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	event, err := eventstore.NewEvent("ItemStatusChanged", ItemStatusChangedEvent{
		ID:        id,
		OldStatus: item.Status,
		NewStatus: status,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	if err := s.eventStore.AppendEvents(ctx, id, aggregateType, item.Version, []eventstore.Event{event}); err != nil {
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return nil, ErrVersionConflict
		}
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	updated := &Item{}
	err = s.db.GetContext(ctx, updated, `
		UPDATE items
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
		RETURNING `+itemColumns, status, id, item.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update read model: %w", err)
	}

	s.logger.Info("item status changed",
		zap.Stringer("item_id", id),
		zap.String("from", item.Status),
		zap.String("to", status),
		zap.Int("version", updated.Version),
	)
	return updated, nil
}
