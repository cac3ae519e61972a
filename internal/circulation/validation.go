package circulation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Check inspects the records of a request workflow. It returns the records
// to continue with, or an error when the request must be refused.
type Check func(ctx context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error)

// Pipeline runs checks in order and stops at the first failure.
type Pipeline []Check

func (p Pipeline) Run(ctx context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error) {
	for _, check := range p {
		next, err := check(ctx, records)
		if err != nil {
			return RequestAndRelatedRecords{}, err
		}
		records = next
	}
	return records, nil
}

// pure lifts a side-effect free rule into a Check.
func pure(rule func(RequestAndRelatedRecords) error) Check {
	return func(_ context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error) {
		if err := rule(records); err != nil {
			return RequestAndRelatedRecords{}, err
		}
		return records, nil
	}
}

func refuseWhenItemDoesNotExist(records RequestAndRelatedRecords) error {
	if records.Item == nil {
		return failedValidation("Item does not exist", "itemId", records.ItemID().String())
	}
	return nil
}

func refuseWhenInvalidUserAndPatronGroup(records RequestAndRelatedRecords) error {
	requester := records.Requester
	userID := records.Request.RequesterID.String()
	switch {
	case requester == nil:
		return failedValidation("A valid user and patron group are required. User is null", "userId", userID)
	case !requester.Active:
		return failedValidation("Inactive users cannot make requests", "requesterId", userID)
	case requester.PatronGroupID == uuid.Nil:
		return failedValidation("A valid patron group is required. PatronGroup ID is null", "userId", userID)
	}
	return nil
}

func refuseWhenItemIsNotValid(records RequestAndRelatedRecords) error {
	requestType := records.Request.RequestType
	if !requestType.Valid() {
		return failedValidation("Request type is not recognised", "requestType", string(requestType))
	}
	if !RequestTypeAllowedForItemStatus(requestType, records.Item.Status) {
		return failedValidation(
			fmt.Sprintf("%s requests are not allowed for %s item status combination", requestType, records.Item.Status),
			"itemId", records.Item.ID.String())
	}
	return nil
}

func refuseWhenUserHasAlreadyRequestedItem(records RequestAndRelatedRecords) error {
	request := records.Request
	for _, queued := range records.RequestQueue.Requests() {
		if queued.ID != request.ID && queued.RequesterID == request.RequesterID && queued.IsOpen() {
			return singleValidationError("This requester already has an open request for this item",
				Parameter{Key: "itemId", Value: request.ItemID.String()},
				Parameter{Key: "userId", Value: request.RequesterID.String()},
				Parameter{Key: "requestId", Value: queued.ID.String()},
			)
		}
	}
	return nil
}

func refuseWhenDestinationItemIsCheckedOutWithNoRecalls(records RequestAndRelatedRecords) error {
	requestType := records.Request.RequestType
	if requestType != RequestTypeRecall || !records.Item.IsCheckedOut() {
		return nil
	}
	if records.RequestQueue.HasRequestOfType(RequestTypeRecall) {
		return nil
	}
	return failedValidation(
		"Recalls can't be moved to checked out items that have not been previously recalled.",
		"requestType", string(requestType))
}

func refuseWhenRequestCannotBeFulfilled(records RequestAndRelatedRecords) error {
	requestType := records.Request.RequestType
	if records.RequestPolicy == nil || !records.RequestPolicy.Allows(requestType) {
		return failedValidation(
			fmt.Sprintf("%s requests are not allowed for this patron and item combination", requestType),
			"requestType", string(requestType))
	}
	return nil
}

// refuseWhenUserHasAlreadyBeenLoanedItem fetches the open loan of the item the
// request points at. The loan is attached to the records so later steps can
// update it.
func (s *service) refuseWhenUserHasAlreadyBeenLoanedItem(ctx context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error) {
	request := records.Request
	loan, err := s.loans.FindOpenLoanForRequest(ctx, request)
	if err != nil {
		return RequestAndRelatedRecords{}, err
	}
	if loan == nil {
		return records, nil
	}
	if loan.UserID == request.RequesterID {
		return RequestAndRelatedRecords{}, singleValidationError("This requester currently has this item on loan.",
			Parameter{Key: "itemId", Value: request.ItemID.String()},
			Parameter{Key: "userId", Value: request.RequesterID.String()},
			Parameter{Key: "loanId", Value: loan.ID.String()},
		)
	}
	return records.WithLoan(*loan), nil
}

// moveValidation gates a move onto its destination item.
func (s *service) moveValidation() Pipeline {
	return Pipeline{
		pure(refuseWhenItemDoesNotExist),
		pure(refuseWhenInvalidUserAndPatronGroup),
		pure(refuseWhenItemIsNotValid),
		pure(refuseWhenUserHasAlreadyRequestedItem),
		pure(refuseWhenDestinationItemIsCheckedOutWithNoRecalls),
		s.refuseWhenUserHasAlreadyBeenLoanedItem,
	}
}

// creationValidation gates a newly placed request.
func (s *service) creationValidation() Pipeline {
	return Pipeline{
		pure(refuseWhenItemDoesNotExist),
		pure(refuseWhenInvalidUserAndPatronGroup),
		pure(refuseWhenItemIsNotValid),
		pure(refuseWhenUserHasAlreadyRequestedItem),
		s.refuseWhenUserHasAlreadyBeenLoanedItem,
	}
}

// policyValidation attaches the request policy and refuses types it forbids.
func (s *service) policyValidation() Pipeline {
	return Pipeline{
		s.policies.LookupRequestPolicy,
		pure(refuseWhenRequestCannotBeFulfilled),
	}
}
