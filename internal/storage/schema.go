// Package storage holds the PostgreSQL repositories of the circulation
// service.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"libraqueue/internal/circulation"
)

// Schema creates the circulation tables.
//
// requests_open_position_idx keeps two open requests of one item from
// sharing a position. Two moves onto the same item that compute the same
// position race on this index and the loser gets ErrPositionConflict.
const Schema = `
CREATE TABLE IF NOT EXISTS service_points (
	id              UUID PRIMARY KEY,
	code            TEXT NOT NULL UNIQUE,
	name            TEXT NOT NULL,
	pickup_location BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS address_types (
	id           UUID PRIMARY KEY,
	address_type TEXT NOT NULL UNIQUE,
	description  TEXT
);

CREATE TABLE IF NOT EXISTS requests (
	id                         UUID PRIMARY KEY,
	item_id                    UUID        NOT NULL,
	requester_id               UUID        NOT NULL,
	request_type               TEXT        NOT NULL,
	status                     TEXT        NOT NULL,
	position                   INT,
	pickup_service_point_id    UUID,
	delivery_address_type_id   UUID,
	request_date               TIMESTAMPTZ NOT NULL,
	hold_shelf_expiration_date TIMESTAMPTZ,
	version                    INT         NOT NULL DEFAULT 1,
	updated_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS requests_open_position_idx
	ON requests (item_id, position) WHERE status LIKE 'Open%';

CREATE TABLE IF NOT EXISTS loan_policies (
	id                                     UUID PRIMARY KEY,
	name                                   TEXT   NOT NULL,
	minimum_guaranteed_loan_period_seconds BIGINT NOT NULL DEFAULT 0,
	recall_return_interval_seconds         BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS loans (
	id                         UUID PRIMARY KEY,
	item_id                    UUID        NOT NULL,
	user_id                    UUID        NOT NULL,
	status                     TEXT        NOT NULL,
	action                     TEXT        NOT NULL,
	item_status                TEXT        NOT NULL DEFAULT '',
	loan_date                  TIMESTAMPTZ NOT NULL,
	due_date                   TIMESTAMPTZ NOT NULL,
	return_date                TIMESTAMPTZ,
	due_date_changed_by_recall BOOLEAN     NOT NULL DEFAULT FALSE,
	loan_policy_id             UUID REFERENCES loan_policies (id),
	item_snapshot              JSONB       NOT NULL DEFAULT '{}',
	version                    INT         NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS loans_open_item_idx ON loans (item_id) WHERE status = 'Open';

CREATE TABLE IF NOT EXISTS request_policies (
	id               UUID PRIMARY KEY,
	name             TEXT   NOT NULL,
	patron_group_id  UUID   NOT NULL,
	material_type_id UUID,
	request_types    TEXT[] NOT NULL
);
`

// Open connects to PostgreSQL through lib/pq and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the circulation tables when they do not exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const (
	uniqueViolation   = "23505"
	openPositionIndex = "requests_open_position_idx"
)

// mapWriteError turns driver errors on request writes into domain errors.
// Only a collision on the open position index is a position conflict.
func mapWriteError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return err
	}
	if pqErr.Constraint == openPositionIndex {
		return circulation.ErrPositionConflict
	}
	return fmt.Errorf("duplicate request (%s): %w", pqErr.Constraint, err)
}

// expectOneRow reports ErrEditConflict when an optimistic update matched no
// row.
func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n != 1 {
		return circulation.ErrEditConflict
	}
	return nil
}
