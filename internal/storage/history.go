package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"libraqueue/internal/circulation"
	"libraqueue/pkg/eventstore"
)

const (
	loanAggregateType      = "loan"
	loanActionRecordedType = "LoanActionRecorded"
)

// LoanHistory records every loan action as an event of the loan aggregate.
type LoanHistory struct {
	events *eventstore.EventStore
}

func NewLoanHistory(events *eventstore.EventStore) *LoanHistory {
	return &LoanHistory{events: events}
}

func (h *LoanHistory) Append(ctx context.Context, loan circulation.Loan) error {
	event, err := eventstore.NewEvent(loanActionRecordedType, loan)
	if err != nil {
		return err
	}
	event.Metadata = map[string]string{
		"action":      string(loan.Action),
		"item_status": string(loan.ItemStatus),
	}
	if _, err := h.events.AppendNext(ctx, loan.ID, loanAggregateType, event); err != nil {
		return fmt.Errorf("failed to record loan action: %w", err)
	}
	return nil
}

// Actions returns the recorded snapshots of a loan, oldest first.
func (h *LoanHistory) Actions(ctx context.Context, loanID uuid.UUID) ([]circulation.Loan, error) {
	events, err := h.events.LoadEvents(ctx, loanID, 0, 0)
	if err != nil {
		return nil, err
	}
	loans := make([]circulation.Loan, 0, len(events))
	for _, e := range events {
		var loan circulation.Loan
		if err := e.Decode(&loan); err != nil {
			return nil, fmt.Errorf("failed to decode loan event %d: %w", e.ID, err)
		}
		loans = append(loans, loan)
	}
	return loans, nil
}
