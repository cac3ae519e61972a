package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"libraqueue/internal/circulation"
)

type requestRow struct {
	ID                      uuid.UUID     `db:"id"`
	ItemID                  uuid.UUID     `db:"item_id"`
	RequesterID             uuid.UUID     `db:"requester_id"`
	RequestType             string        `db:"request_type"`
	Status                  string        `db:"status"`
	Position                sql.NullInt64 `db:"position"`
	PickupServicePointID    uuid.NullUUID `db:"pickup_service_point_id"`
	DeliveryAddressTypeID   uuid.NullUUID `db:"delivery_address_type_id"`
	RequestDate             time.Time     `db:"request_date"`
	HoldShelfExpirationDate sql.NullTime  `db:"hold_shelf_expiration_date"`
	Version                 int           `db:"version"`
}

const requestColumns = `id, item_id, requester_id, request_type, status, position,
	pickup_service_point_id, delivery_address_type_id, request_date,
	hold_shelf_expiration_date, version`

func (r requestRow) toRequest() circulation.Request {
	return circulation.Request{
		ID:                      r.ID,
		ItemID:                  r.ItemID,
		RequesterID:             r.RequesterID,
		RequestType:             circulation.RequestType(r.RequestType),
		Status:                  circulation.RequestStatus(r.Status),
		Position:                int(r.Position.Int64),
		PickupServicePointID:    r.PickupServicePointID.UUID,
		DeliveryAddressTypeID:   r.DeliveryAddressTypeID.UUID,
		RequestDate:             r.RequestDate,
		HoldShelfExpirationDate: r.HoldShelfExpirationDate.Time,
		Version:                 r.Version,
	}
}

func fromRequest(request circulation.Request) requestRow {
	return requestRow{
		ID:                      request.ID,
		ItemID:                  request.ItemID,
		RequesterID:             request.RequesterID,
		RequestType:             string(request.RequestType),
		Status:                  string(request.Status),
		Position:                sql.NullInt64{Int64: int64(request.Position), Valid: request.Position > 0},
		PickupServicePointID:    nullUUID(request.PickupServicePointID),
		DeliveryAddressTypeID:   nullUUID(request.DeliveryAddressTypeID),
		RequestDate:             request.RequestDate,
		HoldShelfExpirationDate: sql.NullTime{Time: request.HoldShelfExpirationDate, Valid: !request.HoldShelfExpirationDate.IsZero()},
		Version:                 request.Version,
	}
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

// RequestStore persists requests. Updates are optimistic on the version
// column.
type RequestStore struct {
	db *sqlx.DB
}

func NewRequestStore(db *sqlx.DB) *RequestStore {
	return &RequestStore{db: db}
}

func (s *RequestStore) Get(ctx context.Context, requestID uuid.UUID) (*circulation.Request, error) {
	var row requestRow
	err := s.db.GetContext(ctx, &row, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, circulation.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	request := row.toRequest()
	return &request, nil
}

func (s *RequestStore) Create(ctx context.Context, records circulation.RequestAndRelatedRecords) (circulation.RequestAndRelatedRecords, error) {
	request := records.Request
	request.Version = 1
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES (:id, :item_id, :requester_id, :request_type, :status, :position,
			:pickup_service_point_id, :delivery_address_type_id, :request_date,
			:hold_shelf_expiration_date, :version)
	`, fromRequest(request))
	if err != nil {
		return circulation.RequestAndRelatedRecords{}, mapWriteError(err)
	}
	return records.WithRequest(request), nil
}

// Update writes the request. It fails with ErrEditConflict when the stored
// version differs from the one the request was read at.
func (s *RequestStore) Update(ctx context.Context, records circulation.RequestAndRelatedRecords) (circulation.RequestAndRelatedRecords, error) {
	request := records.Request
	if err := updateRequest(ctx, s.db, request); err != nil {
		return circulation.RequestAndRelatedRecords{}, err
	}
	request.Version++
	return records.WithRequest(request), nil
}

func updateRequest(ctx context.Context, db sqlx.ExtContext, request circulation.Request) error {
	result, err := sqlx.NamedExecContext(ctx, db, `
		UPDATE requests SET
			item_id = :item_id,
			request_type = :request_type,
			status = :status,
			position = :position,
			pickup_service_point_id = :pickup_service_point_id,
			delivery_address_type_id = :delivery_address_type_id,
			hold_shelf_expiration_date = :hold_shelf_expiration_date,
			version = version + 1,
			updated_at = NOW()
		WHERE id = :id AND version = :version
	`, fromRequest(request))
	if err != nil {
		return mapWriteError(err)
	}
	return expectOneRow(result)
}

// QueueStore builds request queues from the requests table.
type QueueStore struct {
	db *sqlx.DB
}

func NewQueueStore(db *sqlx.DB) *QueueStore {
	return &QueueStore{db: db}
}

func (s *QueueStore) Get(ctx context.Context, itemID uuid.UUID) (circulation.RequestQueue, error) {
	return loadQueue(ctx, s.db, itemID)
}

func loadQueue(ctx context.Context, db sqlx.QueryerContext, itemID uuid.UUID) (circulation.RequestQueue, error) {
	var rows []requestRow
	err := sqlx.SelectContext(ctx, db, &rows, `
		SELECT `+requestColumns+` FROM requests
		WHERE item_id = $1 AND status LIKE 'Open%'
		ORDER BY position ASC
	`, itemID)
	if err != nil {
		return circulation.RequestQueue{}, fmt.Errorf("failed to load request queue: %w", err)
	}
	requests := make([]circulation.Request, len(rows))
	for i, row := range rows {
		requests[i] = row.toRequest()
	}
	return circulation.NewRequestQueue(requests), nil
}

// OnMoved closes the gap the moved request left in the queue of
// records.Request.ItemID. Positions are rewritten lowest first in one
// transaction so the open position index never sees a duplicate.
func (s *QueueStore) OnMoved(ctx context.Context, records circulation.RequestAndRelatedRecords) (circulation.RequestAndRelatedRecords, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return circulation.RequestAndRelatedRecords{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	queue, err := loadQueue(ctx, tx, records.ItemID())
	if err != nil {
		return circulation.RequestAndRelatedRecords{}, err
	}
	_, changed := queue.Reordered()
	for _, request := range changed {
		if err := updateRequest(ctx, tx, request); err != nil {
			return circulation.RequestAndRelatedRecords{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return circulation.RequestAndRelatedRecords{}, fmt.Errorf("failed to commit reorder: %w", err)
	}
	return records, nil
}
