package circulation

import "github.com/google/uuid"

// RequestAndRelatedRecords bundles a request with the records a request
// workflow needs to decide on and apply it. It is passed by value; every
// With method returns a modified copy and leaves the receiver untouched.
type RequestAndRelatedRecords struct {
	Request       Request
	Item          *Item
	RequestQueue  RequestQueue
	Requester     *User
	RequestPolicy *RequestPolicy
	Loan          *Loan

	// OriginalItem is the item the request targeted before a move started.
	OriginalItem *Item
}

// ItemID is the id of the item the request currently points at.
func (r RequestAndRelatedRecords) ItemID() uuid.UUID {
	return r.Request.ItemID
}

func (r RequestAndRelatedRecords) WithRequest(request Request) RequestAndRelatedRecords {
	r.Request = request
	return r
}

// WithItem sets the current item and points the request at it.
func (r RequestAndRelatedRecords) WithItem(item Item) RequestAndRelatedRecords {
	r.Item = &item
	r.Request = r.Request.WithItem(item)
	return r
}

func (r RequestAndRelatedRecords) WithoutItem() RequestAndRelatedRecords {
	r.Item = nil
	return r
}

func (r RequestAndRelatedRecords) WithDestination(itemID uuid.UUID) RequestAndRelatedRecords {
	r.Request = r.Request.WithDestination(itemID)
	return r
}

func (r RequestAndRelatedRecords) WithRequestQueue(queue RequestQueue) RequestAndRelatedRecords {
	r.RequestQueue = queue
	return r
}

func (r RequestAndRelatedRecords) WithRequester(user User) RequestAndRelatedRecords {
	r.Requester = &user
	return r
}

func (r RequestAndRelatedRecords) WithRequestPolicy(policy RequestPolicy) RequestAndRelatedRecords {
	r.RequestPolicy = &policy
	return r
}

func (r RequestAndRelatedRecords) WithLoan(loan Loan) RequestAndRelatedRecords {
	r.Loan = &loan
	return r
}

func (r RequestAndRelatedRecords) withOriginalItem(item *Item) RequestAndRelatedRecords {
	if item == nil {
		r.OriginalItem = nil
		return r
	}
	original := *item
	r.OriginalItem = &original
	return r
}
