package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"libraqueue/internal/circulation"
)

type ServicePointStore struct {
	db *sqlx.DB
}

func NewServicePointStore(db *sqlx.DB) *ServicePointStore {
	return &ServicePointStore{db: db}
}

func (s *ServicePointStore) Get(ctx context.Context, servicePointID uuid.UUID) (*circulation.ServicePoint, error) {
	var sp circulation.ServicePoint
	err := s.db.QueryRowxContext(ctx,
		`SELECT id, code, name, pickup_location FROM service_points WHERE id = $1`, servicePointID,
	).Scan(&sp.ID, &sp.Code, &sp.Name, &sp.PickupLocation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, circulation.ErrServicePointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service point: %w", err)
	}
	return &sp, nil
}

func (s *ServicePointStore) Save(ctx context.Context, sp circulation.ServicePoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_points (id, code, name, pickup_location)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code,
			name = EXCLUDED.name,
			pickup_location = EXCLUDED.pickup_location
	`, sp.ID, sp.Code, sp.Name, sp.PickupLocation)
	if err != nil {
		return fmt.Errorf("failed to save service point: %w", err)
	}
	return nil
}
