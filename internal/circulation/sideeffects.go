package circulation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// UpdateItem pages an available item when a page request is placed on it.
type UpdateItem struct {
	items ItemRepository
}

func NewUpdateItem(items ItemRepository) *UpdateItem {
	return &UpdateItem{items: items}
}

func (u *UpdateItem) OnRequestCreationOrMove(ctx context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error) {
	item := records.Item
	if item == nil || records.Request.RequestType != RequestTypePage || !item.IsAvailable() {
		return records, nil
	}

	paged := item.WithStatus(ItemStatusPaged)
	if err := u.items.Update(ctx, paged); err != nil {
		return RequestAndRelatedRecords{}, err
	}
	paged.Version++

	records.Item = &paged
	if records.Loan != nil {
		records = records.WithLoan(records.Loan.WithItem(paged))
	}
	return records, nil
}

// UpdateLoanActionHistory records a hold or recall against the open loan of
// the requested item.
type UpdateLoanActionHistory struct {
	history LoanHistoryRepository
}

func NewUpdateLoanActionHistory(history LoanHistoryRepository) *UpdateLoanActionHistory {
	return &UpdateLoanActionHistory{history: history}
}

func (u *UpdateLoanActionHistory) OnRequestCreationOrMove(ctx context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error) {
	if records.Loan == nil || records.Item == nil {
		return records, nil
	}

	var action LoanAction
	switch records.Request.RequestType {
	case RequestTypeHold:
		action = LoanActionHoldRequested
	case RequestTypeRecall:
		action = LoanActionRecallRequested
	default:
		return records, nil
	}

	loan := records.Loan.WithItem(*records.Item).WithAction(action, records.Item.Status)
	if err := u.history.Append(ctx, loan); err != nil {
		return RequestAndRelatedRecords{}, err
	}
	return records.WithLoan(loan), nil
}

// UpdateLoan shortens the due date of a recalled loan and stores the loan.
type UpdateLoan struct {
	loans  LoanRepository
	now    func() time.Time
	logger *zap.Logger
}

func NewUpdateLoan(loans LoanRepository, now func() time.Time, logger *zap.Logger) *UpdateLoan {
	return &UpdateLoan{loans: loans, now: now, logger: logger}
}

func (u *UpdateLoan) OnRequestCreationOrMove(ctx context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error) {
	loan := records.Loan
	if loan == nil || records.Request.RequestType == RequestTypePage {
		return records, nil
	}

	updated := *loan
	if records.Request.RequestType == RequestTypeRecall && !loan.DueDateChangedByRecall {
		dueDate, err := loan.Policy.RecallStrategy(u.logger).Calculate(*loan, u.now())
		if err != nil {
			return RequestAndRelatedRecords{}, err
		}
		updated = updated.WithDueDate(dueDate)
		updated.DueDateChangedByRecall = true
	}

	if err := u.loans.Update(ctx, updated); err != nil {
		return RequestAndRelatedRecords{}, err
	}
	updated.Version++
	return records.WithLoan(updated), nil
}
