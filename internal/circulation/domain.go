// internal/circulation/domain.go
package circulation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestType is the kind of claim a patron places on an item.
type RequestType string

const (
	RequestTypePage   RequestType = "Page"
	RequestTypeHold   RequestType = "Hold"
	RequestTypeRecall RequestType = "Recall"
)

// Valid reports whether t is one of the known request types.
func (t RequestType) Valid() bool {
	switch t {
	case RequestTypePage, RequestTypeHold, RequestTypeRecall:
		return true
	}
	return false
}

// RequestStatus is the lifecycle state of a request.
type RequestStatus string

const (
	RequestStatusOpenNotYetFilled   RequestStatus = "Open - Not yet filled"
	RequestStatusOpenAwaitingPickup RequestStatus = "Open - Awaiting pickup"
	RequestStatusOpenInTransit      RequestStatus = "Open - In transit"
	RequestStatusClosedFilled       RequestStatus = "Closed - Filled"
	RequestStatusClosedCancelled    RequestStatus = "Closed - Cancelled"
	RequestStatusClosedUnfilled     RequestStatus = "Closed - Unfilled"
)

// IsOpen reports whether the status belongs to an active queue member.
func (s RequestStatus) IsOpen() bool {
	return strings.HasPrefix(string(s), "Open")
}

// ItemStatus is the lifecycle state of a physical item.
type ItemStatus string

const (
	ItemStatusAvailable        ItemStatus = "Available"
	ItemStatusCheckedOut       ItemStatus = "Checked out"
	ItemStatusAwaitingPickup   ItemStatus = "Awaiting pickup"
	ItemStatusAwaitingDelivery ItemStatus = "Awaiting delivery"
	ItemStatusInTransit        ItemStatus = "In transit"
	ItemStatusPaged            ItemStatus = "Paged"
	ItemStatusMissing          ItemStatus = "Missing"
	ItemStatusOnOrder          ItemStatus = "On order"
	ItemStatusInProcess        ItemStatus = "In process"
	ItemStatusDeclaredLost     ItemStatus = "Declared lost"
)

// LoanStatus is the state of a loan.
type LoanStatus string

const (
	LoanStatusOpen   LoanStatus = "Open"
	LoanStatusClosed LoanStatus = "Closed"
)

// LoanAction names the latest action recorded against a loan.
type LoanAction string

const (
	LoanActionCheckedOut      LoanAction = "checkedout"
	LoanActionHoldRequested   LoanAction = "holdrequested"
	LoanActionRecallRequested LoanAction = "recallrequested"
	LoanActionCheckedIn       LoanAction = "checkedin"
)

// holdShelfExpiryPeriod is how long a request waits on the hold shelf.
const holdShelfExpiryPeriod = 10 * 24 * time.Hour

// Item represents a physical item that requests are placed against.
type Item struct {
	ID               uuid.UUID  `json:"id"`
	Barcode          string     `json:"barcode"`
	Status           ItemStatus `json:"status"`
	HoldingsRecordID uuid.UUID  `json:"holdings_record_id"`
	MaterialTypeID   uuid.UUID  `json:"material_type_id"`
	Version          int        `json:"version"`
}

// WithStatus returns a copy of the item in the given status.
func (i Item) WithStatus(status ItemStatus) Item {
	i.Status = status
	return i
}

func (i Item) IsAvailable() bool  { return i.Status == ItemStatusAvailable }
func (i Item) IsCheckedOut() bool { return i.Status == ItemStatusCheckedOut }

// Request is a patron's claim on an item.
type Request struct {
	ID                      uuid.UUID     `json:"id"`
	ItemID                  uuid.UUID     `json:"item_id"`
	DestinationItemID       uuid.UUID     `json:"destination_item_id,omitempty"`
	RequesterID             uuid.UUID     `json:"requester_id"`
	RequestType             RequestType   `json:"request_type"`
	Status                  RequestStatus `json:"status"`
	Position                int           `json:"position,omitempty"`
	PickupServicePointID    uuid.UUID     `json:"pickup_service_point_id"`
	DeliveryAddressTypeID   uuid.UUID     `json:"delivery_address_type_id,omitempty"`
	RequestDate             time.Time     `json:"request_date"`
	HoldShelfExpirationDate time.Time     `json:"hold_shelf_expiration_date,omitempty"`
	Version                 int           `json:"version"`

	// AddressType is resolved from DeliveryAddressTypeID on read and is not
	// stored with the request.
	AddressType *AddressType `json:"delivery_address_type,omitempty"`
}

func (r Request) IsOpen() bool { return r.Status.IsOpen() }

// IsFulfillable reports whether the request could be satisfied by the item
// as soon as it becomes available.
func (r Request) IsFulfillable() bool {
	return r.Status == RequestStatusOpenNotYetFilled && r.RequestType.Valid()
}

// HasDestination reports whether the request carries a move marker.
func (r Request) HasDestination() bool {
	return r.DestinationItemID != uuid.Nil
}

func (r Request) ChangeType(t RequestType) Request {
	r.RequestType = t
	return r
}

func (r Request) WithItem(item Item) Request {
	r.ItemID = item.ID
	return r
}

func (r Request) WithDestination(itemID uuid.UUID) Request {
	r.DestinationItemID = itemID
	return r
}

func (r Request) WithPosition(position int) Request {
	r.Position = position
	return r
}

func (r Request) WithStatus(status RequestStatus) Request {
	r.Status = status
	return r
}

func (r Request) WithAddressType(addressType *AddressType) Request {
	if addressType == nil {
		r.AddressType = nil
		return r
	}
	at := *addressType
	r.AddressType = &at
	return r
}

// ApplyMoveToRepresentation points the request at its destination item.
// The position is cleared until the destination queue assigns a new one.
func (r Request) ApplyMoveToRepresentation() Request {
	r.ItemID = r.DestinationItemID
	r.DestinationItemID = uuid.Nil
	r.Position = 0
	return r
}

// LoanPolicy carries the loan policy settings used when a loan is recalled.
type LoanPolicy struct {
	ID                          uuid.UUID     `json:"id"`
	Name                        string        `json:"name"`
	MinimumGuaranteedLoanPeriod time.Duration `json:"minimum_guaranteed_loan_period"`
	RecallReturnInterval        time.Duration `json:"recall_return_interval"`
}

// Loan is an open or closed loan of an item to a user. Item is a snapshot of
// the loaned item taken when the loan last changed.
type Loan struct {
	ID                     uuid.UUID  `json:"id"`
	ItemID                 uuid.UUID  `json:"item_id"`
	UserID                 uuid.UUID  `json:"user_id"`
	Status                 LoanStatus `json:"status"`
	Action                 LoanAction `json:"action"`
	ItemStatus             ItemStatus `json:"item_status"`
	LoanDate               time.Time  `json:"loan_date"`
	DueDate                time.Time  `json:"due_date"`
	ReturnDate             time.Time  `json:"return_date,omitempty"`
	DueDateChangedByRecall bool       `json:"due_date_changed_by_recall"`
	Policy                 LoanPolicy `json:"loan_policy"`
	Item                   Item       `json:"item"`
	Version                int        `json:"version"`
}

func (l Loan) IsOpen() bool { return l.Status == LoanStatusOpen }

// WithItem returns a copy of the loan with a refreshed item snapshot.
func (l Loan) WithItem(item Item) Loan {
	l.Item = item
	l.ItemID = item.ID
	return l
}

// WithAction returns a copy of the loan recording action against itemStatus.
func (l Loan) WithAction(action LoanAction, itemStatus ItemStatus) Loan {
	l.Action = action
	l.ItemStatus = itemStatus
	return l
}

func (l Loan) WithDueDate(dueDate time.Time) Loan {
	l.DueDate = dueDate
	return l
}

// CheckIn closes the loan. itemStatus is the status the item had before the
// check-in changed it.
func (l Loan) CheckIn(returnDate time.Time, itemStatus ItemStatus) Loan {
	l.Status = LoanStatusClosed
	l.ReturnDate = returnDate
	return l.WithAction(LoanActionCheckedIn, itemStatus)
}

// User is a patron that can place requests.
type User struct {
	ID            uuid.UUID `json:"id"`
	Barcode       string    `json:"barcode"`
	Active        bool      `json:"active"`
	PatronGroupID uuid.UUID `json:"patron_group_id"`
}

// RequestPolicy lists the request types a patron group may place.
type RequestPolicy struct {
	ID           uuid.UUID     `json:"id"`
	Name         string        `json:"name"`
	RequestTypes []RequestType `json:"request_types"`
}

func (p RequestPolicy) Allows(t RequestType) bool {
	for _, allowed := range p.RequestTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// AddressType is the kind of patron address a request is delivered to.
type AddressType struct {
	ID          uuid.UUID `json:"id"`
	AddressType string    `json:"address_type"`
	Description string    `json:"description,omitempty"`
}

// ServicePoint is a location where check-ins happen and requests are picked up.
type ServicePoint struct {
	ID             uuid.UUID `json:"id"`
	Code           string    `json:"code"`
	Name           string    `json:"name"`
	PickupLocation bool      `json:"pickup_location"`
}

// CheckInRequest is the input of a check-in by barcode.
type CheckInRequest struct {
	ItemBarcode    string    `json:"item_barcode"`
	ServicePointID uuid.UUID `json:"service_point_id"`
	LoggedInUserID uuid.UUID `json:"logged_in_user_id"`
	CheckInDate    time.Time `json:"check_in_date"`
}

var allowedItemStatuses = map[RequestType][]ItemStatus{
	RequestTypePage: {
		ItemStatusAvailable,
	},
	RequestTypeHold: {
		ItemStatusCheckedOut,
		ItemStatusAwaitingPickup,
		ItemStatusAwaitingDelivery,
		ItemStatusInTransit,
		ItemStatusPaged,
		ItemStatusMissing,
		ItemStatusOnOrder,
		ItemStatusInProcess,
	},
	RequestTypeRecall: {
		ItemStatusCheckedOut,
		ItemStatusAwaitingPickup,
		ItemStatusAwaitingDelivery,
		ItemStatusInTransit,
		ItemStatusPaged,
		ItemStatusOnOrder,
		ItemStatusInProcess,
	},
}

// RequestTypeAllowedForItemStatus reports whether a request of type t may be
// placed on an item in the given status.
func RequestTypeAllowedForItemStatus(t RequestType, status ItemStatus) bool {
	for _, allowed := range allowedItemStatuses[t] {
		if allowed == status {
			return true
		}
	}
	return false
}
