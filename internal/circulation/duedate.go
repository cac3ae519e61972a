package circulation

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DueDateStrategy calculates the due date a loan should have after a recall.
type DueDateStrategy interface {
	Calculate(loan Loan, now time.Time) (time.Time, error)
}

// RecallStrategy returns the strategy that applies to loans under p. Policies
// without a recall return interval keep the current due date.
func (p LoanPolicy) RecallStrategy(logger *zap.Logger) DueDateStrategy {
	base := dueDateStrategy{policy: p, logger: logger}
	if p.RecallReturnInterval > 0 {
		return recallDueDateStrategy{base}
	}
	return keepCurrentDueDateStrategy{base}
}

type dueDateStrategy struct {
	policy LoanPolicy
	logger *zap.Logger
}

func (s dueDateStrategy) fail(reason string) error {
	message := fmt.Sprintf("%s Please review %q before retrying", reason, s.policy.Name)
	s.logger.Warn(message, zap.Stringer("loan_policy_id", s.policy.ID))
	return failedValidation(message, "loanPolicyId", s.policy.ID.String())
}

func (s dueDateStrategy) logApplying(message string) {
	s.logger.Debug("applying loan policy",
		zap.String("loan_policy", s.policy.Name),
		zap.Stringer("loan_policy_id", s.policy.ID),
		zap.String("detail", message),
	)
}

// recallDueDateStrategy shortens a loan to the later of the minimum
// guaranteed loan period and the recall return interval. A loan is never
// extended by a recall.
type recallDueDateStrategy struct {
	dueDateStrategy
}

func (s recallDueDateStrategy) Calculate(loan Loan, now time.Time) (time.Time, error) {
	if loan.LoanDate.IsZero() {
		return time.Time{}, s.fail("Loan date is missing.")
	}
	if loan.DueDate.IsZero() {
		return time.Time{}, s.fail("Loan due date is missing.")
	}

	s.logApplying("recall due date calculation")
	minimumDueDate := loan.LoanDate.Add(s.policy.MinimumGuaranteedLoanPeriod)
	recallDueDate := now.Add(s.policy.RecallReturnInterval)
	if minimumDueDate.After(recallDueDate) {
		recallDueDate = minimumDueDate
	}
	if recallDueDate.After(loan.DueDate) {
		return loan.DueDate, nil
	}
	return recallDueDate, nil
}

type keepCurrentDueDateStrategy struct {
	dueDateStrategy
}

func (s keepCurrentDueDateStrategy) Calculate(loan Loan, _ time.Time) (time.Time, error) {
	s.logApplying("keep current due date")
	return loan.DueDate, nil
}
