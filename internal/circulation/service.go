// internal/circulation/service.go
package circulation

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the circulation service.
type Service interface {
	// MoveRequest moves the request in records to records.Request.DestinationItemID.
	MoveRequest(ctx context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error)
	MoveRequestByID(ctx context.Context, requestID, destinationItemID uuid.UUID, requestType RequestType) (RequestAndRelatedRecords, error)
	CreateRequest(ctx context.Context, request Request) (RequestAndRelatedRecords, error)
	CheckIn(ctx context.Context, req CheckInRequest) (*CheckInContext, error)
	GetRequest(ctx context.Context, requestID uuid.UUID) (*Request, error)
	GetRequestQueue(ctx context.Context, itemID uuid.UUID) (RequestQueue, error)
}

// ItemRepository resolves and stores items.
type ItemRepository interface {
	FetchByID(ctx context.Context, itemID uuid.UUID) (*Item, error)
	FetchByBarcode(ctx context.Context, barcode string) (*Item, error)
	Update(ctx context.Context, item Item) error
}

// RequestQueueRepository builds request queues and keeps them contiguous.
type RequestQueueRepository interface {
	Get(ctx context.Context, itemID uuid.UUID) (RequestQueue, error)
	// OnMoved renumbers the queue of the item a request left.
	OnMoved(ctx context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error)
}

// RequestPolicyRepository attaches the request policy that applies to the
// requester and item in records.
type RequestPolicyRepository interface {
	LookupRequestPolicy(ctx context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error)
}

// LoanRepository finds and stores loans. Find methods return nil without an
// error when there is no open loan.
type LoanRepository interface {
	FindOpenLoanForRequest(ctx context.Context, request Request) (*Loan, error)
	FindOpenLoanForItem(ctx context.Context, itemID uuid.UUID) (*Loan, error)
	Update(ctx context.Context, loan Loan) error
}

// RequestSideEffect is applied after a request is validated and positioned,
// before the request itself is persisted.
type RequestSideEffect interface {
	OnRequestCreationOrMove(ctx context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error)
}

type RequestRepository interface {
	Get(ctx context.Context, requestID uuid.UUID) (*Request, error)
	Create(ctx context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error)
	Update(ctx context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error)
}

type UserRepository interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*User, error)
}

type ServicePointRepository interface {
	Get(ctx context.Context, servicePointID uuid.UUID) (*ServicePoint, error)
}

// AddressTypeRepository resolves delivery address types. Get returns
// ErrAddressTypeNotFound for an unknown id; GetMany leaves unknown ids out.
type AddressTypeRepository interface {
	Get(ctx context.Context, addressTypeID uuid.UUID) (*AddressType, error)
	GetMany(ctx context.Context, addressTypeIDs []uuid.UUID) (map[uuid.UUID]AddressType, error)
}

// LoanHistoryRepository records every action taken against a loan.
type LoanHistoryRepository interface {
	Append(ctx context.Context, loan Loan) error
}

// Repositories groups the collaborators the service needs.
type Repositories struct {
	Items         ItemRepository
	Requests      RequestRepository
	Queues        RequestQueueRepository
	Policies      RequestPolicyRepository
	Loans         LoanRepository
	Users         UserRepository
	ServicePoints ServicePointRepository
	LoanHistory   LoanHistoryRepository
	AddressTypes  AddressTypeRepository
}
