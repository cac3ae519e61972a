package membership

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the membership service.
type Service interface {
	RegisterUser(ctx context.Context, user NewUser) (*User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	SetUserActive(ctx context.Context, id uuid.UUID, active bool) (*User, error)
	CreatePatronGroup(ctx context.Context, group, description string) (*PatronGroup, error)
	GetPatronGroup(ctx context.Context, id uuid.UUID) (*PatronGroup, error)
}
