package clients

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"libraqueue/internal/circulation"
)

// MembershipClient looks up users in the membership service. It implements
// circulation.UserRepository.
type MembershipClient struct {
	*client
}

func NewMembershipClient(baseURL string, opts ...Option) *MembershipClient {
	return &MembershipClient{client: newClient("membership", baseURL, opts...)}
}

func (c *MembershipClient) GetUser(ctx context.Context, id uuid.UUID) (*circulation.User, error) {
	var user circulation.User
	if err := c.get(ctx, fmt.Sprintf("/users/%s", id), &user); err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, circulation.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return &user, nil
}
