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

// DefaultRequestPolicy applies when no policy is stored for a patron group.
var DefaultRequestPolicy = circulation.RequestPolicy{
	Name: "Allow all",
	RequestTypes: []circulation.RequestType{
		circulation.RequestTypePage,
		circulation.RequestTypeHold,
		circulation.RequestTypeRecall,
	},
}

type requestPolicyRow struct {
	ID           uuid.UUID      `db:"id"`
	Name         string         `db:"name"`
	RequestTypes pq.StringArray `db:"request_types"`
}

// PolicyStore resolves request policies by patron group and material type.
// A policy for the exact material type wins over one without a material
// type.
type PolicyStore struct {
	db *sqlx.DB
}

func NewPolicyStore(db *sqlx.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

func (s *PolicyStore) LookupRequestPolicy(ctx context.Context, records circulation.RequestAndRelatedRecords) (circulation.RequestAndRelatedRecords, error) {
	if records.Requester == nil {
		return records.WithRequestPolicy(DefaultRequestPolicy), nil
	}
	var materialTypeID uuid.NullUUID
	if records.Item != nil {
		materialTypeID = nullUUID(records.Item.MaterialTypeID)
	}

	var row requestPolicyRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, request_types FROM request_policies
		WHERE patron_group_id = $1 AND (material_type_id IS NULL OR material_type_id = $2)
		ORDER BY material_type_id NULLS LAST
		LIMIT 1
	`, records.Requester.PatronGroupID, materialTypeID)
	if errors.Is(err, sql.ErrNoRows) {
		return records.WithRequestPolicy(DefaultRequestPolicy), nil
	}
	if err != nil {
		return circulation.RequestAndRelatedRecords{}, fmt.Errorf("failed to look up request policy: %w", err)
	}

	policy := circulation.RequestPolicy{ID: row.ID, Name: row.Name}
	for _, t := range row.RequestTypes {
		policy.RequestTypes = append(policy.RequestTypes, circulation.RequestType(t))
	}
	return records.WithRequestPolicy(policy), nil
}

// SaveRequestPolicy stores a policy for a patron group, optionally narrowed
// to one material type.
func (s *PolicyStore) SaveRequestPolicy(ctx context.Context, patronGroupID, materialTypeID uuid.UUID, policy circulation.RequestPolicy) error {
	types := make([]string, len(policy.RequestTypes))
	for i, t := range policy.RequestTypes {
		types[i] = string(t)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_policies (id, name, patron_group_id, material_type_id, request_types)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			request_types = EXCLUDED.request_types
	`, policy.ID, policy.Name, patronGroupID, nullUUID(materialTypeID), pq.Array(types))
	if err != nil {
		return fmt.Errorf("failed to save request policy: %w", err)
	}
	return nil
}
