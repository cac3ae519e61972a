package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"libraqueue/internal/circulation"
)

type addressTypeRow struct {
	ID          uuid.UUID      `db:"id"`
	AddressType string         `db:"address_type"`
	Description sql.NullString `db:"description"`
}

func (r addressTypeRow) toAddressType() circulation.AddressType {
	return circulation.AddressType{ID: r.ID, AddressType: r.AddressType, Description: r.Description.String}
}

// AddressTypeStore resolves the delivery address types requests refer to.
type AddressTypeStore struct {
	db *sqlx.DB
}

func NewAddressTypeStore(db *sqlx.DB) *AddressTypeStore {
	return &AddressTypeStore{db: db}
}

func (s *AddressTypeStore) Get(ctx context.Context, addressTypeID uuid.UUID) (*circulation.AddressType, error) {
	var row addressTypeRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, address_type, description FROM address_types WHERE id = $1`, addressTypeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, circulation.ErrAddressTypeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address type: %w", err)
	}
	at := row.toAddressType()
	return &at, nil
}

// GetMany loads the address types with the given ids in one query. Ids
// with no address type are absent from the result.
func (s *AddressTypeStore) GetMany(ctx context.Context, addressTypeIDs []uuid.UUID) (map[uuid.UUID]circulation.AddressType, error) {
	found := make(map[uuid.UUID]circulation.AddressType, len(addressTypeIDs))
	if len(addressTypeIDs) == 0 {
		return found, nil
	}
	ids := make([]string, len(addressTypeIDs))
	for i, id := range addressTypeIDs {
		ids[i] = id.String()
	}
	var rows []addressTypeRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, address_type, description FROM address_types WHERE id = ANY($1::uuid[])`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get address types: %w", err)
	}
	for _, row := range rows {
		found[row.ID] = row.toAddressType()
	}
	return found, nil
}

func (s *AddressTypeStore) Save(ctx context.Context, at circulation.AddressType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO address_types (id, address_type, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			address_type = EXCLUDED.address_type,
			description = EXCLUDED.description
	`, at.ID, at.AddressType, sql.NullString{String: at.Description, Valid: at.Description != ""})
	if err != nil {
		return fmt.Errorf("failed to save address type: %w", err)
	}
	return nil
}
