package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CheckInContext carries the records of one check-in between its stages.
//
// A loan records the item status it was closed against, but check-in changes
// the item status before the loan is closed. The context remembers the status
// the item had before check-in so the loan can record it.
//
// Every With method returns a new context and leaves the receiver unchanged.
type CheckInContext struct {
	checkInRequest                    CheckInRequest
	item                              *Item
	loan                              *Loan
	requestQueue                      *RequestQueue
	checkInServicePoint               *ServicePoint
	highestPriorityFulfillableRequest *Request
	loggedInUserID                    uuid.UUID
	checkInProcessedAt                time.Time
	inHouseUse                        bool
	itemStatusBeforeCheckIn           ItemStatus
	lostItemFeesRefundedOrCancelled   bool
}

// NewCheckInContext starts a check-in received at processedAt.
func NewCheckInContext(req CheckInRequest, processedAt time.Time) *CheckInContext {
	return &CheckInContext{
		checkInRequest:     req,
		loggedInUserID:     req.LoggedInUserID,
		checkInProcessedAt: processedAt,
	}
}

func (c *CheckInContext) clone() *CheckInContext {
	n := *c
	return &n
}

// WithItem replaces the item. An attached loan is replaced by a copy that
// refers to the same item.
func (c *CheckInContext) WithItem(item Item) *CheckInContext {
	n := c.clone()
	n.item = &item
	if c.loan != nil {
		loan := c.loan.WithItem(item)
		n.loan = &loan
	}
	return n
}

func (c *CheckInContext) WithLoan(loan *Loan) *CheckInContext {
	n := c.clone()
	if loan != nil {
		l := *loan
		n.loan = &l
	} else {
		n.loan = nil
	}
	return n
}

// WithRequestQueue attaches the queue of the item and selects the request it
// serves: the one already in transit or awaiting pickup, otherwise the
// highest priority fulfillable request. The first call also remembers the
// status of the attached item as its status before check-in.
func (c *CheckInContext) WithRequestQueue(queue RequestQueue) *CheckInContext {
	n := c.clone()
	n.requestQueue = &queue
	n.highestPriorityFulfillableRequest = nil
	if request, ok := queue.RequestInFulfilment(); ok {
		n.highestPriorityFulfillableRequest = &request
	} else if request, ok := queue.HighestPriorityFulfillableRequest(); ok {
		n.highestPriorityFulfillableRequest = &request
	}
	if n.itemStatusBeforeCheckIn == "" && c.item != nil {
		n.itemStatusBeforeCheckIn = c.item.Status
	}
	return n
}

func (c *CheckInContext) WithCheckInServicePoint(servicePoint ServicePoint) *CheckInContext {
	n := c.clone()
	n.checkInServicePoint = &servicePoint
	return n
}

func (c *CheckInContext) WithHighestPriorityFulfillableRequest(request *Request) *CheckInContext {
	n := c.clone()
	if request != nil {
		r := *request
		n.highestPriorityFulfillableRequest = &r
	} else {
		n.highestPriorityFulfillableRequest = nil
	}
	return n
}

func (c *CheckInContext) WithLoggedInUserID(userID uuid.UUID) *CheckInContext {
	n := c.clone()
	n.loggedInUserID = userID
	return n
}

func (c *CheckInContext) WithInHouseUse(inHouseUse bool) *CheckInContext {
	n := c.clone()
	n.inHouseUse = inHouseUse
	return n
}

// WithItemStatusBeforeCheckIn records status unless a status was already
// recorded.
func (c *CheckInContext) WithItemStatusBeforeCheckIn(status ItemStatus) *CheckInContext {
	n := c.clone()
	if n.itemStatusBeforeCheckIn == "" {
		n.itemStatusBeforeCheckIn = status
	}
	return n
}

func (c *CheckInContext) WithLostItemFeesRefundedOrCancelled(refunded bool) *CheckInContext {
	n := c.clone()
	n.lostItemFeesRefundedOrCancelled = refunded
	return n
}

func (c *CheckInContext) CheckInRequest() CheckInRequest { return c.checkInRequest }
func (c *CheckInContext) CheckInRequestBarcode() string { return c.checkInRequest.ItemBarcode }
func (c *CheckInContext) CheckInServicePointID() uuid.UUID { return c.checkInRequest.ServicePointID }
func (c *CheckInContext) Item() *Item { return c.item }
func (c *CheckInContext) Loan() *Loan { return c.loan }
func (c *CheckInContext) RequestQueue() *RequestQueue { return c.requestQueue }
func (c *CheckInContext) CheckInServicePoint() *ServicePoint { return c.checkInServicePoint }
func (c *CheckInContext) LoggedInUserID() uuid.UUID { return c.loggedInUserID }
func (c *CheckInContext) CheckInProcessedAt() time.Time { return c.checkInProcessedAt }
func (c *CheckInContext) IsInHouseUse() bool { return c.inHouseUse }
func (c *CheckInContext) ItemStatusBeforeCheckIn() ItemStatus {
	return c.itemStatusBeforeCheckIn
}
func (c *CheckInContext) AreLostItemFeesRefundedOrCancelled() bool {
	return c.lostItemFeesRefundedOrCancelled
}
func (c *CheckInContext) HighestPriorityFulfillableRequest() *Request {
	return c.highestPriorityFulfillableRequest
}

// nextItemStatus is the status the item takes once checked in at the
// context's service point.
func (c *CheckInContext) nextItemStatus() ItemStatus {
	request := c.highestPriorityFulfillableRequest
	switch {
	case request == nil:
		return ItemStatusAvailable
	case request.PickupServicePointID == c.CheckInServicePointID():
		return ItemStatusAwaitingPickup
	default:
		return ItemStatusInTransit
	}
}

func nextRequestStatus(itemStatus ItemStatus) RequestStatus {
	if itemStatus == ItemStatusAwaitingPickup {
		return RequestStatusOpenAwaitingPickup
	}
	return RequestStatusOpenInTransit
}

// CheckIn returns an item by barcode, closes its open loan and hands it to
// the next fulfillable request.
func (s *service) CheckIn(ctx context.Context, req CheckInRequest) (*CheckInContext, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.check_in",
		trace.WithAttributes(
			attribute.String("item.barcode", req.ItemBarcode),
			attribute.String("service_point.id", req.ServicePointID.String()),
		),
	)
	defer span.End()

	checkIn, err := s.checkIn(ctx, NewCheckInContext(req, s.now().UTC()))
	if err != nil {
		outcome := "failed"
		if _, ok := AsValidationError(err); ok {
			outcome = "refused"
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error("check-in failed", zap.String("item_barcode", req.ItemBarcode), zap.Error(err))
		}
		s.checkIns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		return nil, err
	}

	s.checkIns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "checked_in")))
	s.logger.Info("item checked in",
		zap.Stringer("item_id", checkIn.Item().ID),
		zap.String("status_before", string(checkIn.ItemStatusBeforeCheckIn())),
		zap.String("status", string(checkIn.Item().Status)),
		zap.Bool("in_house_use", checkIn.IsInHouseUse()),
	)
	return checkIn, nil
}

func (s *service) checkIn(ctx context.Context, c *CheckInContext) (*CheckInContext, error) {
	req := c.CheckInRequest()
	if req.CheckInDate.IsZero() {
		req.CheckInDate = c.CheckInProcessedAt()
	}

	// Step 1: Resolve the item and the service point
	item, err := s.items.FetchByBarcode(ctx, req.ItemBarcode)
	if errors.Is(err, ErrItemNotFound) || (err == nil && item == nil) {
		return nil, failedValidation(
			fmt.Sprintf("No item with barcode %s exists", req.ItemBarcode),
			"itemBarcode", req.ItemBarcode)
	}
	if err != nil {
		return nil, err
	}
	c = c.WithItem(*item)

	servicePoint, err := s.servicePoints.Get(ctx, req.ServicePointID)
	if errors.Is(err, ErrServicePointNotFound) || (err == nil && servicePoint == nil) {
		return nil, failedValidation("Check-in service point does not exist",
			"servicePointId", req.ServicePointID.String())
	}
	if err != nil {
		return nil, err
	}
	c = c.WithCheckInServicePoint(*servicePoint)

	// Step 2: Resolve the open loan and the request queue
	loan, err := s.loans.FindOpenLoanForItem(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	c = c.WithLoan(loan)

	queue, err := s.queues.Get(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	c = c.WithRequestQueue(queue)

	before := c.ItemStatusBeforeCheckIn()
	c = c.WithInHouseUse(before == ItemStatusAvailable && loan == nil && c.HighestPriorityFulfillableRequest() == nil).
		WithLostItemFeesRefundedOrCancelled(before == ItemStatusDeclaredLost)

	// Step 3: Move the item to its next status
	updatedItem := item.WithStatus(c.nextItemStatus())
	if updatedItem.Status != item.Status {
		if err := s.items.Update(ctx, updatedItem); err != nil {
			return nil, err
		}
		updatedItem.Version++
	}
	c = c.WithItem(updatedItem)

	// Step 4: Close the loan against the status before check-in
	if c.Loan() != nil {
		closed := c.Loan().CheckIn(req.CheckInDate, before)
		if err := s.loans.Update(ctx, closed); err != nil {
			return nil, err
		}
		closed.Version++
		if err := s.loanHistory.Append(ctx, closed); err != nil {
			return nil, err
		}
		c = c.WithLoan(&closed)
	}

	// Step 5: Hand the item to the next request. A request already on the
	// hold shelf here, or still travelling elsewhere, stays as it is.
	if request := c.HighestPriorityFulfillableRequest(); request != nil && request.Status != nextRequestStatus(updatedItem.Status) {
		next := request.WithStatus(nextRequestStatus(updatedItem.Status))
		next.HoldShelfExpirationDate = time.Time{}
		if next.Status == RequestStatusOpenAwaitingPickup {
			next.HoldShelfExpirationDate = c.CheckInProcessedAt().Add(holdShelfExpiryPeriod)
		}
		records := RequestAndRelatedRecords{Request: next}.WithItem(updatedItem).WithRequestQueue(queue)
		updated, err := s.requests.Update(ctx, records)
		if err != nil {
			return nil, err
		}
		c = c.WithHighestPriorityFulfillableRequest(&updated.Request)
	}

	return c, nil
}
