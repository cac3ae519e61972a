package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"libraqueue/internal/circulation"
)

type loanRow struct {
	ID                     uuid.UUID      `db:"id"`
	ItemID                 uuid.UUID      `db:"item_id"`
	UserID                 uuid.UUID      `db:"user_id"`
	Status                 string         `db:"status"`
	Action                 string         `db:"action"`
	ItemStatus             string         `db:"item_status"`
	LoanDate               time.Time      `db:"loan_date"`
	DueDate                time.Time      `db:"due_date"`
	ReturnDate             sql.NullTime   `db:"return_date"`
	DueDateChangedByRecall bool           `db:"due_date_changed_by_recall"`
	ItemSnapshot           []byte         `db:"item_snapshot"`
	Version                int            `db:"version"`
	PolicyID               uuid.NullUUID  `db:"policy_id"`
	PolicyName             sql.NullString `db:"policy_name"`
	MinimumGuaranteedSecs  sql.NullInt64  `db:"minimum_guaranteed_loan_period_seconds"`
	RecallReturnSecs       sql.NullInt64  `db:"recall_return_interval_seconds"`
}

func (r loanRow) toLoan() (circulation.Loan, error) {
	loan := circulation.Loan{
		ID:                     r.ID,
		ItemID:                 r.ItemID,
		UserID:                 r.UserID,
		Status:                 circulation.LoanStatus(r.Status),
		Action:                 circulation.LoanAction(r.Action),
		ItemStatus:             circulation.ItemStatus(r.ItemStatus),
		LoanDate:               r.LoanDate,
		DueDate:                r.DueDate,
		ReturnDate:             r.ReturnDate.Time,
		DueDateChangedByRecall: r.DueDateChangedByRecall,
		Version:                r.Version,
	}
	if r.PolicyID.Valid {
		loan.Policy = circulation.LoanPolicy{
			ID:                          r.PolicyID.UUID,
			Name:                        r.PolicyName.String,
			MinimumGuaranteedLoanPeriod: time.Duration(r.MinimumGuaranteedSecs.Int64) * time.Second,
			RecallReturnInterval:        time.Duration(r.RecallReturnSecs.Int64) * time.Second,
		}
	}
	if len(r.ItemSnapshot) > 0 {
		if err := json.Unmarshal(r.ItemSnapshot, &loan.Item); err != nil {
			return circulation.Loan{}, fmt.Errorf("failed to decode item snapshot of loan %s: %w", r.ID, err)
		}
	}
	return loan, nil
}

// LoanStore reads and writes loans together with their loan policy.
type LoanStore struct {
	db *sqlx.DB
}

func NewLoanStore(db *sqlx.DB) *LoanStore {
	return &LoanStore{db: db}
}

const openLoanQuery = `
	SELECT l.id, l.item_id, l.user_id, l.status, l.action, l.item_status,
		l.loan_date, l.due_date, l.return_date, l.due_date_changed_by_recall,
		l.item_snapshot, l.version,
		p.id AS policy_id, p.name AS policy_name,
		p.minimum_guaranteed_loan_period_seconds, p.recall_return_interval_seconds
	FROM loans l
	LEFT JOIN loan_policies p ON p.id = l.loan_policy_id
	WHERE l.item_id = $1 AND l.status = 'Open'
`

// FindOpenLoanForRequest returns the open loan of the item the request
// targets, or nil.
func (s *LoanStore) FindOpenLoanForRequest(ctx context.Context, request circulation.Request) (*circulation.Loan, error) {
	return s.FindOpenLoanForItem(ctx, request.ItemID)
}

func (s *LoanStore) FindOpenLoanForItem(ctx context.Context, itemID uuid.UUID) (*circulation.Loan, error) {
	var row loanRow
	err := s.db.GetContext(ctx, &row, openLoanQuery, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open loan: %w", err)
	}
	loan, err := row.toLoan()
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

func (s *LoanStore) Update(ctx context.Context, loan circulation.Loan) error {
	snapshot, err := json.Marshal(loan.Item)
	if err != nil {
		return fmt.Errorf("failed to encode item snapshot: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE loans SET
			status = $1,
			action = $2,
			item_status = $3,
			due_date = $4,
			return_date = $5,
			due_date_changed_by_recall = $6,
			item_snapshot = $7,
			version = version + 1
		WHERE id = $8 AND version = $9
	`,
		string(loan.Status),
		string(loan.Action),
		string(loan.ItemStatus),
		loan.DueDate,
		sql.NullTime{Time: loan.ReturnDate, Valid: !loan.ReturnDate.IsZero()},
		loan.DueDateChangedByRecall,
		snapshot,
		loan.ID,
		loan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return expectOneRow(result)
}

// CreateLoan inserts an open loan. Check-out is owned by another service;
// this is used to seed data and by tests.
func (s *LoanStore) CreateLoan(ctx context.Context, loan circulation.Loan) (circulation.Loan, error) {
	snapshot, err := json.Marshal(loan.Item)
	if err != nil {
		return circulation.Loan{}, fmt.Errorf("failed to encode item snapshot: %w", err)
	}
	if loan.ID == uuid.Nil {
		loan.ID = uuid.New()
	}
	loan.Version = 1
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO loans (id, item_id, user_id, status, action, item_status, loan_date,
			due_date, due_date_changed_by_recall, loan_policy_id, item_snapshot, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		loan.ID, loan.ItemID, loan.UserID, string(loan.Status), string(loan.Action),
		string(loan.ItemStatus), loan.LoanDate, loan.DueDate, loan.DueDateChangedByRecall,
		nullUUID(loan.Policy.ID), snapshot, loan.Version,
	)
	if err != nil {
		return circulation.Loan{}, fmt.Errorf("failed to create loan: %w", err)
	}
	return loan, nil
}

// SaveLoanPolicy inserts or replaces a loan policy.
func (s *LoanStore) SaveLoanPolicy(ctx context.Context, policy circulation.LoanPolicy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loan_policies (id, name, minimum_guaranteed_loan_period_seconds, recall_return_interval_seconds)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			minimum_guaranteed_loan_period_seconds = EXCLUDED.minimum_guaranteed_loan_period_seconds,
			recall_return_interval_seconds = EXCLUDED.recall_return_interval_seconds
	`, policy.ID, policy.Name,
		int64(policy.MinimumGuaranteedLoanPeriod/time.Second),
		int64(policy.RecallReturnInterval/time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to save loan policy: %w", err)
	}
	return nil
}
