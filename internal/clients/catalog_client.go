package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"libraqueue/internal/circulation"
)

// CatalogClient reads and updates items held by the catalog service. It
// implements circulation.ItemRepository.
type CatalogClient struct {
	*client
}

func NewCatalogClient(baseURL string, opts ...Option) *CatalogClient {
	return &CatalogClient{client: newClient("catalog", baseURL, opts...)}
}

func (c *CatalogClient) FetchByID(ctx context.Context, id uuid.UUID) (*circulation.Item, error) {
	var item circulation.Item
	if err := c.get(ctx, fmt.Sprintf("/items/%s", id), &item); err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, circulation.ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to fetch item %s: %w", id, err)
	}
	return &item, nil
}

func (c *CatalogClient) FetchByBarcode(ctx context.Context, barcode string) (*circulation.Item, error) {
	var item circulation.Item
	if err := c.get(ctx, "/items?barcode="+url.QueryEscape(barcode), &item); err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, circulation.ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to fetch item by barcode: %w", err)
	}
	return &item, nil
}

// Update writes the item status. The catalog rejects the write with 409
// when item.Version is stale.
func (c *CatalogClient) Update(ctx context.Context, item circulation.Item) error {
	body := struct {
		Status  circulation.ItemStatus `json:"status"`
		Version int                    `json:"version"`
	}{item.Status, item.Version}

	err := c.send(ctx, http.MethodPut, fmt.Sprintf("/items/%s/status", item.ID), body, nil)
	switch statusCode(err) {
	case 0:
		if err != nil {
			return fmt.Errorf("failed to update item %s: %w", item.ID, err)
		}
		c.logger.Debug("item status updated",
			zap.Stringer("item_id", item.ID),
			zap.String("status", string(item.Status)),
		)
		return nil
	case http.StatusNotFound:
		return circulation.ErrItemNotFound
	case http.StatusConflict:
		return circulation.ErrEditConflict
	default:
		return fmt.Errorf("failed to update item %s: %w", item.ID, err)
	}
}
