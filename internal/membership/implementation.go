package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"libraqueue/pkg/eventstore"
)

const (
	userAggregate        = "user"
	patronGroupAggregate = "patron_group"
)

// Schema creates the membership read model.
const Schema = `
CREATE TABLE IF NOT EXISTS patron_groups (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS users (
	id              UUID PRIMARY KEY,
	barcode         TEXT        NOT NULL UNIQUE,
	name            TEXT        NOT NULL DEFAULT '',
	active          BOOLEAN     NOT NULL DEFAULT TRUE,
	patron_group_id UUID REFERENCES patron_groups (id),
	version         INT         NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates the membership tables.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create membership schema: %w", err)
	}
	return nil
}

// service implements the Service interface.
type service struct {
	eventStore  *eventstore.EventStore
	db          *sqlx.DB
	logger      *zap.Logger
	rateLimiter *rate.Limiter
}

// NewService creates a new membership service instance. Registrations are
// limited to registrationsPerMinute with a burst of the same size.
func NewService(es *eventstore.EventStore, db *sqlx.DB, logger *zap.Logger, registrationsPerMinute int) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registrationsPerMinute <= 0 {
		registrationsPerMinute = 60
	}
	return &service{
		eventStore:  es,
		db:          db,
		logger:      logger.Named("membership"),
		rateLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(registrationsPerMinute)), registrationsPerMinute),
	}
}

// RegisterUser creates an active user, optionally in a patron group.
func (s *service) RegisterUser(ctx context.Context, in NewUser) (*User, error) {
	if !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}
	in.Barcode = strings.TrimSpace(in.Barcode)
	if in.Barcode == "" {
		return nil, fmt.Errorf("%w: barcode is required", ErrInvalidInput)
	}
	if in.PatronGroupID != uuid.Nil {
		if _, err := s.GetPatronGroup(ctx, in.PatronGroupID); err != nil {
			return nil, err
		}
	}

	id := uuid.New()
	event, err := eventstore.NewEvent("UserRegistered", UserRegisteredEvent{
		ID:            id,
		Barcode:       in.Barcode,
		Name:          in.Name,
		PatronGroupID: in.PatronGroupID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	if err := s.eventStore.AppendEvents(ctx, id, userAggregate, 0, []eventstore.Event{event}); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	user := &User{}
	err = s.db.GetContext(ctx, user, `
		INSERT INTO users (id, barcode, name, active, patron_group_id, version)
		VALUES ($1, $2, $3, TRUE, $4, 1)
		RETURNING `+userColumns,
		id, in.Barcode, in.Name, uuid.NullUUID{UUID: in.PatronGroupID, Valid: in.PatronGroupID != uuid.Nil})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrDuplicateBarcode
		}
		return nil, fmt.Errorf("failed to update read model: %w", err)
	}

	s.logger.Info("user registered", zap.Stringer("user_id", id))
	return user, nil
}

const userColumns = `id, barcode, name, active, patron_group_id, version, created_at, updated_at`

// GetUser retrieves a user by their ID.
func (s *service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	user := &User{}
	err := s.db.GetContext(ctx, user, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user from read model: %w", err)
	}
	return user, nil
}

// SetUserActive activates or deactivates a user. Inactive users cannot
// place requests.
func (s *service) SetUserActive(ctx context.Context, id uuid.UUID, active bool) (*User, error) {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if user.Active == active {
		return user, nil
	}

	event, err := eventstore.NewEvent("UserActiveChanged", UserActiveChangedEvent{ID: id, Active: active})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	if err := s.eventStore.AppendEvents(ctx, id, userAggregate, user.Version, []eventstore.Event{event}); err != nil {
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return nil, ErrVersionConflict
		}
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	updated := &User{}
	err = s.db.GetContext(ctx, updated, `
		UPDATE users
		SET active = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
		RETURNING `+userColumns, active, id, user.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update read model: %w", err)
	}
	return updated, nil
}

func (s *service) CreatePatronGroup(ctx context.Context, group, description string) (*PatronGroup, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrInvalidInput)
	}

	id := uuid.New()
	event, err := eventstore.NewEvent("PatronGroupCreated", PatronGroupCreatedEvent{ID: id, Group: group})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	if err := s.eventStore.AppendEvents(ctx, id, patronGroupAggregate, 0, []eventstore.Event{event}); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	pg := &PatronGroup{ID: id, Group: group, Description: description}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO patron_groups (id, name, description) VALUES ($1, $2, $3)`,
		pg.ID, pg.Group, pg.Description); err != nil {
		return nil, fmt.Errorf("failed to update read model: %w", err)
	}
	return pg, nil
}

func (s *service) GetPatronGroup(ctx context.Context, id uuid.UUID) (*PatronGroup, error) {
	pg := &PatronGroup{}
	err := s.db.GetContext(ctx, pg, `SELECT id, name, description FROM patron_groups WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPatronGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patron group: %w", err)
	}
	return pg, nil
}
