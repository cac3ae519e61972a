package circulation

import (
	"sort"

	"github.com/google/uuid"
)

// RequestQueue is the ordered view of the open requests placed against one
// item. It is rebuilt from storage each time it is needed and never mutated;
// operations that change the order return a new queue.
type RequestQueue struct {
	requests []Request
}

// NewRequestQueue builds a queue from the given requests. Closed requests are
// dropped and the remainder is ordered by position.
func NewRequestQueue(requests []Request) RequestQueue {
	open := make([]Request, 0, len(requests))
	for _, r := range requests {
		if r.IsOpen() {
			open = append(open, r)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].Position < open[j].Position
	})
	return RequestQueue{requests: open}
}

// Requests returns a copy of the queued requests in position order.
func (q RequestQueue) Requests() []Request {
	out := make([]Request, len(q.requests))
	copy(out, q.requests)
	return out
}

func (q RequestQueue) Size() int { return len(q.requests) }

func (q RequestQueue) Positions() []int {
	positions := make([]int, len(q.requests))
	for i, r := range q.requests {
		positions[i] = r.Position
	}
	return positions
}

func (q RequestQueue) Contains(requestID uuid.UUID) bool {
	_, ok := q.find(requestID)
	return ok
}

func (q RequestQueue) find(requestID uuid.UUID) (int, bool) {
	for i, r := range q.requests {
		if r.ID == requestID {
			return i, true
		}
	}
	return -1, false
}

// HasRequestOfType reports whether any queued request has type t.
func (q RequestQueue) HasRequestOfType(t RequestType) bool {
	for _, r := range q.requests {
		if r.RequestType == t {
			return true
		}
	}
	return false
}

func (q RequestQueue) HasOutstandingFulfillableRequests() bool {
	_, ok := q.HighestPriorityFulfillableRequest()
	return ok
}

// HighestPriorityFulfillableRequest returns the fulfillable request with the
// smallest position.
func (q RequestQueue) HighestPriorityFulfillableRequest() (Request, bool) {
	for _, r := range q.requests {
		if r.IsFulfillable() {
			return r, true
		}
	}
	return Request{}, false
}

// RequestInFulfilment returns the request the item is already travelling to
// or waiting on the hold shelf for.
func (q RequestQueue) RequestInFulfilment() (Request, bool) {
	for _, r := range q.requests {
		if r.Status == RequestStatusOpenInTransit || r.Status == RequestStatusOpenAwaitingPickup {
			return r, true
		}
	}
	return Request{}, false
}

// NextPosition is one past the largest position in the queue, or 1 when the
// queue is empty.
func (q RequestQueue) NextPosition() int {
	highest := 0
	for _, r := range q.requests {
		if r.Position > highest {
			highest = r.Position
		}
	}
	return highest + 1
}

// Add appends the request at the next position and returns the new queue
// together with the positioned request.
func (q RequestQueue) Add(request Request) (RequestQueue, Request) {
	positioned := request.WithPosition(q.NextPosition())
	requests := append(q.Requests(), positioned)
	return RequestQueue{requests: requests}, positioned
}

// Remove drops the request from the queue and closes the gap it leaves.
func (q RequestQueue) Remove(requestID uuid.UUID) RequestQueue {
	i, ok := q.find(requestID)
	if !ok {
		return q
	}
	requests := q.Requests()
	requests = append(requests[:i], requests[i+1:]...)
	reordered, _ := RequestQueue{requests: requests}.Reordered()
	return reordered
}

// Reordered renumbers the queue to 1..n keeping the current order. It also
// returns the requests whose position changed, in ascending position order.
func (q RequestQueue) Reordered() (RequestQueue, []Request) {
	requests := q.Requests()
	var changed []Request
	for i := range requests {
		want := i + 1
		if requests[i].Position != want {
			requests[i] = requests[i].WithPosition(want)
			changed = append(changed, requests[i])
		}
	}
	return RequestQueue{requests: requests}, changed
}
