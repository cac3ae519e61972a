// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MoveState is a stage of a request move. A move passes through every state
// in declaration order and never returns to an earlier one.
type MoveState int

const (
	MoveInitiated MoveState = iota
	MoveDestinationItemResolved
	MoveDestinationQueueResolved
	MoveRepresentationUpdated
	MoveTypeRecomputed
	MoveValidated
	MovePositionAssigned
	MoveItemUpdated
	MoveLoanHistoryUpdated
	MoveLoanUpdated
	MoveRequestPersisted
	MoveOriginalItemRestored
	MoveQueueReconciled
)

var moveStateNames = [...]string{
	"INITIATED",
	"DESTINATION_ITEM_RESOLVED",
	"DESTINATION_QUEUE_RESOLVED",
	"REPRESENTATION_UPDATED",
	"TYPE_RECOMPUTED",
	"VALIDATED",
	"POSITION_ASSIGNED",
	"ITEM_UPDATED",
	"LOAN_HISTORY_UPDATED",
	"LOAN_UPDATED",
	"REQUEST_PERSISTED",
	"ORIGINAL_ITEM_RESTORED",
	"QUEUE_RECONCILED",
}

func (s MoveState) String() string {
	if s < 0 || int(s) >= len(moveStateNames) {
		return fmt.Sprintf("MoveState(%d)", int(s))
	}
	return moveStateNames[s]
}

// moveStep is the work that takes a move into state.
type moveStep struct {
	state MoveState
	run   Check
}

// service implements the Service interface.
type service struct {
	items         ItemRepository
	requests      RequestRepository
	queues        RequestQueueRepository
	policies      RequestPolicyRepository
	loans         LoanRepository
	users         UserRepository
	servicePoints ServicePointRepository
	loanHistory   LoanHistoryRepository
	addressTypes  AddressTypeRepository

	updateItem              RequestSideEffect
	updateLoanActionHistory RequestSideEffect
	updateLoan              RequestSideEffect

	logger   *zap.Logger
	tracer   trace.Tracer
	moves    metric.Int64Counter
	creates  metric.Int64Counter
	checkIns metric.Int64Counter
	now      func() time.Time
}

// Option configures the service.
type Option func(*service)

// WithClock replaces the clock used for request dates, due dates and
// check-in timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// NewService creates a new circulation service instance.
func NewService(repos Repositories, logger *zap.Logger, opts ...Option) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &service{
		items:         repos.Items,
		requests:      repos.Requests,
		queues:        repos.Queues,
		policies:      repos.Policies,
		loans:         repos.Loans,
		users:         repos.Users,
		servicePoints: repos.ServicePoints,
		loanHistory:   repos.LoanHistory,
		addressTypes:  repos.AddressTypes,
		logger:        logger.Named("circulation"),
		tracer:        otel.Tracer("libraqueue/circulation"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	meter := otel.Meter("libraqueue/circulation")
	s.moves = mustCounter(meter, "circulation.request.moves", "Request moves by outcome")
	s.creates = mustCounter(meter, "circulation.request.creations", "Request creations by outcome")
	s.checkIns = mustCounter(meter, "circulation.checkins", "Check-ins by outcome")

	s.updateItem = NewUpdateItem(repos.Items)
	s.updateLoanActionHistory = NewUpdateLoanActionHistory(repos.LoanHistory)
	s.updateLoan = NewUpdateLoan(repos.Loans, s.now, s.logger)
	return s
}

func mustCounter(meter metric.Meter, name, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		// The global meter only fails on invalid instrument names.
		panic(fmt.Sprintf("create counter %s: %v", name, err))
	}
	return counter
}

// MoveRequest orchestrates a request move. records must carry the request
// with its destination set, the item it currently targets, and the requester.
//
// Steps run strictly in order. Nothing is persisted before validation
// passes; after that the item, loan history, loan and request are written in
// that order and an earlier write is not undone when a later one fails.
func (s *service) MoveRequest(ctx context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.move_request",
		trace.WithAttributes(
			attribute.String("request.id", records.Request.ID.String()),
			attribute.String("item.id", records.ItemID().String()),
			attribute.String("destination.item.id", records.Request.DestinationItemID.String()),
			attribute.String("request.type", string(records.Request.RequestType)),
		),
	)
	defer span.End()

	log := s.logger.With(
		zap.Stringer("request_id", records.Request.ID),
		zap.Stringer("destination_item_id", records.Request.DestinationItemID),
	)

	if err := refuseWhenItemDoesNotExist(records); err != nil {
		return s.moveFailed(ctx, span, log, MoveInitiated, err)
	}
	if !records.Request.HasDestination() {
		return s.moveFailed(ctx, span, log, MoveInitiated,
			failedValidation("Destination item is required to move a request", "destinationItemId", ""))
	}

	records = records.withOriginalItem(records.Item)
	state := MoveInitiated
	for _, step := range s.moveSteps() {
		next, err := step.run(ctx, records)
		if err != nil {
			return s.moveFailed(ctx, span, log, state, err)
		}
		records = next
		state = step.state
		span.AddEvent("move.transition", trace.WithAttributes(
			attribute.String("move.state", state.String()),
		))
		log.Debug("request move transition", zap.Stringer("state", state))
	}

	s.moves.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "moved")))
	span.SetAttributes(attribute.Bool("move.success", true))
	log.Info("request moved",
		zap.Stringer("from_item_id", records.ItemID()),
		zap.String("request_type", string(records.Request.RequestType)),
	)
	return records, nil
}

func (s *service) moveSteps() []moveStep {
	return []moveStep{
		// Step 1: Resolve the destination item
		{MoveDestinationItemResolved, s.lookupDestinationItem},
		// Step 2: Resolve the queue of the destination item
		{MoveDestinationQueueResolved, s.lookupDestinationItemRequestQueue},
		// Step 3: Point the request at the destination
		{MoveRepresentationUpdated, pureMap(applyMoveToRepresentation)},
		// Step 4: An available destination can only be paged
		{MoveTypeRecomputed, pureMap(pagedRequestIfDestinationItemAvailable)},
		// Step 5: Validate against the destination
		{MoveValidated, append(s.moveValidation(), s.policyValidation()...).Run},
		// Step 6: Join the end of the destination queue
		{MovePositionAssigned, pureMap(setRequestQueuePosition)},
		// Step 7: Persist, most authoritative record last
		{MoveItemUpdated, s.updateItem.OnRequestCreationOrMove},
		{MoveLoanHistoryUpdated, s.updateLoanActionHistory.OnRequestCreationOrMove},
		{MoveLoanUpdated, s.updateLoan.OnRequestCreationOrMove},
		{MoveRequestPersisted, s.requests.Update},
		// Step 8: Show the caller where the request came from and went to
		{MoveOriginalItemRestored, pureMap(useOriginalItemAndDestination)},
		// Step 9: Close the gap left in the origin queue
		{MoveQueueReconciled, s.queues.OnMoved},
	}
}

func (s *service) moveFailed(ctx context.Context, span trace.Span, log *zap.Logger, state MoveState, err error) (RequestAndRelatedRecords, error) {
	outcome := "failed"
	if ve, ok := AsValidationError(err); ok {
		outcome = "refused"
		log.Info("request move refused",
			zap.Stringer("state", state),
			zap.String("reason", ve.Message),
		)
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("request move failed", zap.Stringer("state", state), zap.Error(err))
	}
	span.SetAttributes(attribute.String("move.failed_after", state.String()))
	s.moves.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	return RequestAndRelatedRecords{}, err
}

func (s *service) lookupDestinationItem(ctx context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error) {
	destinationID := records.Request.DestinationItemID
	item, err := s.items.FetchByID(ctx, destinationID)
	if errors.Is(err, ErrItemNotFound) || (err == nil && item == nil) {
		return RequestAndRelatedRecords{}, failedValidation("Item does not exist", "itemId", destinationID.String())
	}
	if err != nil {
		return RequestAndRelatedRecords{}, err
	}
	// The request keeps pointing at its original item until the
	// representation is updated.
	records.Item = item
	return records, nil
}

func (s *service) lookupDestinationItemRequestQueue(ctx context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error) {
	queue, err := s.queues.Get(ctx, records.Request.DestinationItemID)
	if err != nil {
		return RequestAndRelatedRecords{}, err
	}
	return records.WithRequestQueue(queue), nil
}

func pureMap(f func(RequestAndRelatedRecords) RequestAndRelatedRecords) Check {
	return func(_ context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error) {
		return f(records), nil
	}
}

func applyMoveToRepresentation(records RequestAndRelatedRecords) RequestAndRelatedRecords {
	return records.WithRequest(records.Request.ApplyMoveToRepresentation())
}

func pagedRequestIfDestinationItemAvailable(records RequestAndRelatedRecords) RequestAndRelatedRecords {
	if records.Item.IsAvailable() {
		return records.WithRequest(records.Request.ChangeType(RequestTypePage))
	}
	return records
}

func setRequestQueuePosition(records RequestAndRelatedRecords) RequestAndRelatedRecords {
	queue, positioned := records.RequestQueue.Add(records.Request)
	return records.WithRequest(positioned).WithRequestQueue(queue)
}

// useOriginalItemAndDestination puts the original item back on the records
// and keeps the item the request now targets as its destination.
func useOriginalItemAndDestination(records RequestAndRelatedRecords) RequestAndRelatedRecords {
	destinationID := records.ItemID()
	return records.WithItem(*records.OriginalItem).WithDestination(destinationID)
}

// MoveRequestByID loads the request and the records around it, then moves it.
func (s *service) MoveRequestByID(ctx context.Context, requestID, destinationItemID uuid.UUID, requestType RequestType) (RequestAndRelatedRecords, error) {
	request, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return RequestAndRelatedRecords{}, err
	}
	if requestType != "" {
		*request = request.ChangeType(requestType)
	}
	*request = request.WithDestination(destinationItemID)

	records, err := s.loadRecords(ctx, *request)
	if err != nil {
		return RequestAndRelatedRecords{}, err
	}
	return s.MoveRequest(ctx, records)
}

// loadRecords resolves the item, queue and requester of request. A missing
// item or requester is left nil for validation to refuse. An unknown
// delivery address type is refused here.
func (s *service) loadRecords(ctx context.Context, request Request) (RequestAndRelatedRecords, error) {
	request, err := s.attachAddressType(ctx, request)
	if err != nil {
		return RequestAndRelatedRecords{}, err
	}
	records := RequestAndRelatedRecords{Request: request}

	item, err := s.items.FetchByID(ctx, request.ItemID)
	switch {
	case errors.Is(err, ErrItemNotFound):
	case err != nil:
		return RequestAndRelatedRecords{}, fmt.Errorf("failed to get item: %w", err)
	case item != nil:
		records.Item = item
	}

	queue, err := s.queues.Get(ctx, request.ItemID)
	if err != nil {
		return RequestAndRelatedRecords{}, fmt.Errorf("failed to get request queue: %w", err)
	}
	records = records.WithRequestQueue(queue)

	user, err := s.users.GetUser(ctx, request.RequesterID)
	switch {
	case errors.Is(err, ErrUserNotFound):
	case err != nil:
		return RequestAndRelatedRecords{}, fmt.Errorf("failed to get requester: %w", err)
	case user != nil:
		records = records.WithRequester(*user)
	}
	return records, nil
}

// CreateRequest places a new request at the end of its item's queue.
func (s *service) CreateRequest(ctx context.Context, request Request) (RequestAndRelatedRecords, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.create_request",
		trace.WithAttributes(
			attribute.String("item.id", request.ItemID.String()),
			attribute.String("request.type", string(request.RequestType)),
		),
	)
	defer span.End()

	if request.ID == uuid.Nil {
		request.ID = uuid.New()
	}
	if request.RequestDate.IsZero() {
		request.RequestDate = s.now().UTC()
	}
	request.Status = RequestStatusOpenNotYetFilled
	request.DestinationItemID = uuid.Nil
	request.Position = 0

	// Step 1: Gather the item, its queue and the requester
	records, err := s.loadRecords(ctx, request)
	if err == nil {
		steps := Pipeline{
			// Step 2: Validate
			s.creationValidation().Run,
			s.policyValidation().Run,
			// Step 3: Join the end of the queue
			pureMap(setRequestQueuePosition),
			// Step 4: Persist, most authoritative record last
			s.updateItem.OnRequestCreationOrMove,
			s.updateLoanActionHistory.OnRequestCreationOrMove,
			s.updateLoan.OnRequestCreationOrMove,
			s.requests.Create,
		}
		records, err = steps.Run(ctx, records)
	}

	if err != nil {
		outcome := "failed"
		if _, ok := AsValidationError(err); ok {
			outcome = "refused"
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error("request creation failed", zap.Stringer("item_id", request.ItemID), zap.Error(err))
		}
		s.creates.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		return RequestAndRelatedRecords{}, err
	}

	s.creates.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "created")))
	span.SetAttributes(attribute.Int("request.position", records.Request.Position))
	s.logger.Info("request created",
		zap.Stringer("request_id", records.Request.ID),
		zap.Stringer("item_id", records.ItemID()),
		zap.Int("position", records.Request.Position),
	)
	return records, nil
}

func (s *service) GetRequest(ctx context.Context, requestID uuid.UUID) (*Request, error) {
	request, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	requests, err := s.attachAddressTypes(ctx, []Request{*request})
	if err != nil {
		return nil, err
	}
	return &requests[0], nil
}

func (s *service) GetRequestQueue(ctx context.Context, itemID uuid.UUID) (RequestQueue, error) {
	queue, err := s.queues.Get(ctx, itemID)
	if err != nil {
		return RequestQueue{}, err
	}
	requests, err := s.attachAddressTypes(ctx, queue.Requests())
	if err != nil {
		return RequestQueue{}, err
	}
	return NewRequestQueue(requests), nil
}

// attachAddressType resolves the delivery address type of a request being
// created or moved.
func (s *service) attachAddressType(ctx context.Context, request Request) (Request, error) {
	if request.DeliveryAddressTypeID == uuid.Nil || s.addressTypes == nil {
		return request.WithAddressType(nil), nil
	}
	addressType, err := s.addressTypes.Get(ctx, request.DeliveryAddressTypeID)
	switch {
	case errors.Is(err, ErrAddressTypeNotFound):
		return request, failedValidation("Delivery address type does not exist",
			"deliveryAddressTypeId", request.DeliveryAddressTypeID.String())
	case err != nil:
		return request, fmt.Errorf("failed to get address type: %w", err)
	}
	return request.WithAddressType(addressType), nil
}

// attachAddressTypes resolves the address types of a list of requests in one
// lookup. Requests whose address type has since been removed keep none.
func (s *service) attachAddressTypes(ctx context.Context, requests []Request) ([]Request, error) {
	if s.addressTypes == nil {
		return requests, nil
	}
	var ids []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, r := range requests {
		if r.DeliveryAddressTypeID != uuid.Nil && !seen[r.DeliveryAddressTypeID] {
			seen[r.DeliveryAddressTypeID] = true
			ids = append(ids, r.DeliveryAddressTypeID)
		}
	}
	if len(ids) == 0 {
		return requests, nil
	}
	addressTypes, err := s.addressTypes.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get address types: %w", err)
	}
	attached := make([]Request, len(requests))
	for i, r := range requests {
		if at, ok := addressTypes[r.DeliveryAddressTypeID]; ok {
			r = r.WithAddressType(&at)
		}
		attached[i] = r
	}
	return attached, nil
}
