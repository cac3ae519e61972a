package membership

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrPatronGroupNotFound = errors.New("patron group not found")
	ErrDuplicateBarcode    = errors.New("a user with this barcode already exists")
	ErrVersionConflict     = errors.New("user was modified concurrently")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrInvalidInput        = errors.New("invalid input")
)

// User is a library patron. PatronGroupID is the zero UUID when the user has
// not been assigned a group.
type User struct {
	ID            uuid.UUID `json:"id" db:"id"`
	Barcode       string    `json:"barcode" db:"barcode"`
	Name          string    `json:"name" db:"name"`
	Active        bool      `json:"active" db:"active"`
	PatronGroupID uuid.UUID `json:"patron_group_id" db:"patron_group_id"`
	Version       int       `json:"version" db:"version"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

type NewUser struct {
	Barcode       string    `json:"barcode"`
	Name          string    `json:"name"`
	PatronGroupID uuid.UUID `json:"patron_group_id"`
}

// PatronGroup decides which request policy applies to its users.
type PatronGroup struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Group       string    `json:"group" db:"name"`
	Description string    `json:"description" db:"description"`
}

// UserRegisteredEvent is recorded when a new user registers.
type UserRegisteredEvent struct {
	ID            uuid.UUID `json:"id"`
	Barcode       string    `json:"barcode"`
	Name          string    `json:"name"`
	PatronGroupID uuid.UUID `json:"patron_group_id"`
}

// UserActiveChangedEvent is recorded when a user is activated or
// deactivated.
type UserActiveChangedEvent struct {
	ID     uuid.UUID `json:"id"`
	Active bool      `json:"active"`
}

// PatronGroupCreatedEvent is recorded when a patron group is created.
type PatronGroupCreatedEvent struct {
	ID    uuid.UUID `json:"id"`
	Group string    `json:"group"`
}
