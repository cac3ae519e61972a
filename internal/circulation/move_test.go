package circulation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func moveRecords(l *library, request Request, destinationID uuid.UUID) RequestAndRelatedRecords {
	return RequestAndRelatedRecords{Request: request.WithDestination(destinationID)}.
		WithItem(l.items[request.ItemID]).
		WithRequester(l.users[request.RequesterID]).
		WithRequestQueue(l.queue(request.ItemID))
}

var persistenceCalls = map[string]bool{
	"items.update":    true,
	"history.append":  true,
	"loans.update":    true,
	"requests.update": true,
	"queues.on_moved": true,
	"requests.create": true,
}

func persisted(l *library) []string {
	var calls []string
	for _, c := range l.calls {
		if persistenceCalls[c] {
			calls = append(calls, c)
		}
	}
	return calls
}

func requireValidationError(t *testing.T, err error, message string) *ValidationError {
	t.Helper()
	require.Error(t, err)
	ve, ok := AsValidationError(err)
	require.True(t, ok, "expected a validation error, got %v", err)
	assert.Equal(t, message, ve.Message)
	return ve
}

func TestMoveRequest_RecallOntoCheckedOutItemWithoutRecalls(t *testing.T) {
	l := newLibrary()
	origin := l.addItem(ItemStatusCheckedOut)
	destination := l.addItem(ItemStatusCheckedOut)
	requester := l.addUser()
	l.addRequest(destination.ID, l.addUser().ID, RequestTypeHold, 1)
	request := l.addRequest(origin.ID, requester.ID, RequestTypeRecall, 1)
	svc := newTestService(t, l)

	_, err := svc.MoveRequest(context.Background(), moveRecords(l, request, destination.ID))

	ve := requireValidationError(t, err,
		"Recalls can't be moved to checked out items that have not been previously recalled.")
	require.Len(t, ve.Parameters, 1)
	assert.Equal(t, Parameter{Key: "requestType", Value: "Recall"}, ve.Parameters[0])
	assert.Empty(t, persisted(l))
	assert.Equal(t, origin.ID, l.requests[request.ID].ItemID)
}

func TestMoveRequest_RecallOntoPreviouslyRecalledItem(t *testing.T) {
	l := newLibrary()
	origin := l.addItem(ItemStatusCheckedOut)
	destination := l.addItem(ItemStatusCheckedOut)
	borrower := l.addUser()
	loan := l.addLoan(destination.ID, borrower.ID)
	l.addRequest(destination.ID, l.addUser().ID, RequestTypeRecall, 1)
	requester := l.addUser()
	request := l.addRequest(origin.ID, requester.ID, RequestTypeRecall, 1)
	svc := newTestService(t, l)

	result, err := svc.MoveRequest(context.Background(), moveRecords(l, request, destination.ID))
	require.NoError(t, err)

	assert.Equal(t, []string{"history.append", "loans.update", "requests.update", "queues.on_moved"}, persisted(l))

	stored := l.loans[loan.ID]
	assert.True(t, stored.DueDateChangedByRecall)
	assert.Equal(t, fixedNow.Add(7*24*time.Hour), stored.DueDate)

	require.Len(t, l.history, 1)
	assert.Equal(t, LoanActionRecallRequested, l.history[0].Action)
	assert.Equal(t, ItemStatusCheckedOut, l.history[0].ItemStatus)

	require.NotNil(t, result.Loan)
	assert.Equal(t, stored.DueDate, result.Loan.DueDate)
	assert.Equal(t, 2, l.requests[request.ID].Position)
}

func TestMoveRequest_RequesterAlreadyHasItemOnLoan(t *testing.T) {
	l := newLibrary()
	origin := l.addItem(ItemStatusCheckedOut)
	destination := l.addItem(ItemStatusCheckedOut)
	requester := l.addUser()
	loan := l.addLoan(destination.ID, requester.ID)
	request := l.addRequest(origin.ID, requester.ID, RequestTypeHold, 1)
	svc := newTestService(t, l)

	_, err := svc.MoveRequest(context.Background(), moveRecords(l, request, destination.ID))

	ve := requireValidationError(t, err, "This requester currently has this item on loan.")
	assert.Equal(t, []Parameter{
		{Key: "itemId", Value: destination.ID.String()},
		{Key: "userId", Value: requester.ID.String()},
		{Key: "loanId", Value: loan.ID.String()},
	}, ve.Parameters)
	assert.Empty(t, persisted(l))
}

func TestMoveRequest_HoldOntoAvailableItemBecomesPage(t *testing.T) {
	l := newLibrary()
	origin := l.addItem(ItemStatusCheckedOut)
	destination := l.addItem(ItemStatusAvailable)
	requester := l.addUser()
	request := l.addRequest(origin.ID, requester.ID, RequestTypeHold, 1)
	svc := newTestService(t, l)

	result, err := svc.MoveRequest(context.Background(), moveRecords(l, request, destination.ID))
	require.NoError(t, err)

	assert.Equal(t, RequestTypePage, result.Request.RequestType)
	assert.Equal(t, RequestTypePage, l.requests[request.ID].RequestType)
	assert.Equal(t, ItemStatusPaged, l.items[destination.ID].Status)
	assert.Equal(t, []string{"items.update", "requests.update", "queues.on_moved"}, persisted(l))
}

func TestMoveRequest_RoundTrip(t *testing.T) {
	l := newLibrary()
	origin := l.addItem(ItemStatusCheckedOut)
	destination := l.addItem(ItemStatusCheckedOut)
	l.addLoan(destination.ID, l.addUser().ID)
	l.addRequest(destination.ID, l.addUser().ID, RequestTypeHold, 1)

	requester := l.addUser()
	ahead := l.addRequest(origin.ID, l.addUser().ID, RequestTypeHold, 1)
	request := l.addRequest(origin.ID, requester.ID, RequestTypeHold, 2)
	behind := l.addRequest(origin.ID, l.addUser().ID, RequestTypeHold, 3)
	svc := newTestService(t, l)

	result, err := svc.MoveRequest(context.Background(), moveRecords(l, request, destination.ID))
	require.NoError(t, err)

	require.NotNil(t, result.Item)
	assert.Equal(t, origin.ID, result.Item.ID)
	assert.Equal(t, origin.ID, result.Request.ItemID)
	assert.Equal(t, destination.ID, result.Request.DestinationItemID)
	require.NotNil(t, result.OriginalItem)
	assert.Equal(t, origin.ID, result.OriginalItem.ID)

	destinationQueue, err := svc.GetRequestQueue(context.Background(), destination.ID)
	require.NoError(t, err)
	require.True(t, destinationQueue.Contains(request.ID))
	assertContiguous(t, destinationQueue)
	assert.Equal(t, 2, l.requests[request.ID].Position)
	assert.Equal(t, destination.ID, l.requests[request.ID].ItemID)
	assert.Equal(t, uuid.Nil, l.requests[request.ID].DestinationItemID)

	originQueue, err := svc.GetRequestQueue(context.Background(), origin.ID)
	require.NoError(t, err)
	assert.False(t, originQueue.Contains(request.ID))
	assertContiguous(t, originQueue)
	assert.Equal(t, 1, l.requests[ahead.ID].Position)
	assert.Equal(t, 2, l.requests[behind.ID].Position)
}

func TestMoveRequest_DestinationItemDoesNotExist(t *testing.T) {
	l := newLibrary()
	origin := l.addItem(ItemStatusCheckedOut)
	request := l.addRequest(origin.ID, l.addUser().ID, RequestTypeHold, 1)
	missing := uuid.New()
	svc := newTestService(t, l)

	_, err := svc.MoveRequest(context.Background(), moveRecords(l, request, missing))

	ve := requireValidationError(t, err, "Item does not exist")
	value, ok := ve.Parameter("itemId")
	require.True(t, ok)
	assert.Equal(t, missing.String(), value)
	assert.NotContains(t, l.calls, "queues.get")
}

func TestMoveRequest_OriginalItemMissing(t *testing.T) {
	l := newLibrary()
	destination := l.addItem(ItemStatusCheckedOut)
	request := l.addRequest(uuid.New(), l.addUser().ID, RequestTypeHold, 1)
	svc := newTestService(t, l)

	records := RequestAndRelatedRecords{Request: request.WithDestination(destination.ID)}
	_, err := svc.MoveRequest(context.Background(), records)

	requireValidationError(t, err, "Item does not exist")
	assert.Empty(t, l.calls)
}

func TestMoveRequest_DuplicateRequestOnDestination(t *testing.T) {
	l := newLibrary()
	origin := l.addItem(ItemStatusCheckedOut)
	destination := l.addItem(ItemStatusCheckedOut)
	requester := l.addUser()
	existing := l.addRequest(destination.ID, requester.ID, RequestTypeHold, 1)
	request := l.addRequest(origin.ID, requester.ID, RequestTypeHold, 1)
	svc := newTestService(t, l)

	_, err := svc.MoveRequest(context.Background(), moveRecords(l, request, destination.ID))

	ve := requireValidationError(t, err, "This requester already has an open request for this item")
	value, _ := ve.Parameter("requestId")
	assert.Equal(t, existing.ID.String(), value)
}

func TestMoveRequest_PolicyRefusesType(t *testing.T) {
	l := newLibrary()
	l.policy = &RequestPolicy{ID: uuid.New(), Name: "Holds only", RequestTypes: []RequestType{RequestTypeHold}}
	origin := l.addItem(ItemStatusCheckedOut)
	destination := l.addItem(ItemStatusAvailable)
	request := l.addRequest(origin.ID, l.addUser().ID, RequestTypeHold, 1)
	svc := newTestService(t, l)

	_, err := svc.MoveRequest(context.Background(), moveRecords(l, request, destination.ID))

	ve := requireValidationError(t, err, "Page requests are not allowed for this patron and item combination")
	value, _ := ve.Parameter("requestType")
	assert.Equal(t, "Page", value)
	assert.Empty(t, persisted(l))
}

func TestMoveRequest_CollaboratorFailureIsReturnedVerbatim(t *testing.T) {
	l := newLibrary()
	origin := l.addItem(ItemStatusCheckedOut)
	destination := l.addItem(ItemStatusCheckedOut)
	l.addLoan(destination.ID, l.addUser().ID)
	request := l.addRequest(origin.ID, l.addUser().ID, RequestTypeHold, 1)
	l.failOn["loans.update"] = errStorageDown
	svc := newTestService(t, l)

	_, err := svc.MoveRequest(context.Background(), moveRecords(l, request, destination.ID))

	assert.Same(t, errStorageDown, err)
	// Earlier writes stay, later ones are never attempted.
	assert.Equal(t, []string{"history.append", "loans.update"}, persisted(l))
	assert.Equal(t, origin.ID, l.requests[request.ID].ItemID)
}

func TestMoveRequestByID(t *testing.T) {
	l := newLibrary()
	origin := l.addItem(ItemStatusCheckedOut)
	destination := l.addItem(ItemStatusInTransit)
	request := l.addRequest(origin.ID, l.addUser().ID, RequestTypeHold, 1)
	svc := newTestService(t, l)

	result, err := svc.MoveRequestByID(context.Background(), request.ID, destination.ID, "")
	require.NoError(t, err)
	assert.Equal(t, destination.ID, result.Request.DestinationItemID)
	assert.Equal(t, destination.ID, l.requests[request.ID].ItemID)
	assert.Equal(t, 1, l.requests[request.ID].Position)

	_, err = svc.MoveRequestByID(context.Background(), uuid.New(), destination.ID, "")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestMoveRequestByID_ChangesType(t *testing.T) {
	l := newLibrary()
	origin := l.addItem(ItemStatusCheckedOut)
	destination := l.addItem(ItemStatusInTransit)
	request := l.addRequest(origin.ID, l.addUser().ID, RequestTypeHold, 1)
	svc := newTestService(t, l)

	result, err := svc.MoveRequestByID(context.Background(), request.ID, destination.ID, RequestTypeRecall)
	require.NoError(t, err)
	assert.Equal(t, RequestTypeRecall, result.Request.RequestType)
}

func TestMoveStateString(t *testing.T) {
	assert.Equal(t, "INITIATED", MoveInitiated.String())
	assert.Equal(t, "VALIDATED", MoveValidated.String())
	assert.Equal(t, "QUEUE_RECONCILED", MoveQueueReconciled.String())
	assert.Equal(t, "MoveState(99)", MoveState(99).String())
}

func TestCreateRequest(t *testing.T) {
	l := newLibrary()
	item := l.addItem(ItemStatusCheckedOut)
	l.addLoan(item.ID, l.addUser().ID)
	l.addRequest(item.ID, l.addUser().ID, RequestTypeHold, 1)
	requester := l.addUser()
	svc := newTestService(t, l)

	records, err := svc.CreateRequest(context.Background(), Request{
		ItemID:      item.ID,
		RequesterID: requester.ID,
		RequestType: RequestTypeHold,
	})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, records.Request.ID)
	assert.Equal(t, 2, records.Request.Position)
	assert.Equal(t, RequestStatusOpenNotYetFilled, records.Request.Status)
	assert.Equal(t, fixedNow, records.Request.RequestDate)
	assert.Equal(t, []string{"history.append", "loans.update", "requests.create"}, persisted(l))
	assertContiguous(t, l.queue(item.ID))
}

func TestCreateRequest_PageOnAvailableItem(t *testing.T) {
	l := newLibrary()
	item := l.addItem(ItemStatusAvailable)
	svc := newTestService(t, l)

	records, err := svc.CreateRequest(context.Background(), Request{
		ItemID:      item.ID,
		RequesterID: l.addUser().ID,
		RequestType: RequestTypePage,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, records.Request.Position)
	assert.Equal(t, ItemStatusPaged, l.items[item.ID].Status)
}

func TestCreateRequest_RefusesUnknownRequester(t *testing.T) {
	l := newLibrary()
	item := l.addItem(ItemStatusCheckedOut)
	svc := newTestService(t, l)

	_, err := svc.CreateRequest(context.Background(), Request{
		ItemID:      item.ID,
		RequesterID: uuid.New(),
		RequestType: RequestTypeHold,
	})
	requireValidationError(t, err, "A valid user and patron group are required. User is null")
	assert.Empty(t, persisted(l))
}

func TestCreateRequest_AttachesDeliveryAddressType(t *testing.T) {
	l := newLibrary()
	item := l.addItem(ItemStatusAvailable)
	home := l.addAddressType("Home")
	svc := newTestService(t, l)

	records, err := svc.CreateRequest(context.Background(), Request{
		ItemID:                item.ID,
		RequesterID:           l.addUser().ID,
		RequestType:           RequestTypePage,
		DeliveryAddressTypeID: home.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, records.Request.AddressType)
	assert.Equal(t, home, *records.Request.AddressType)
}

func TestCreateRequest_RefusesUnknownDeliveryAddressType(t *testing.T) {
	l := newLibrary()
	item := l.addItem(ItemStatusAvailable)
	unknown := uuid.New()
	svc := newTestService(t, l)

	_, err := svc.CreateRequest(context.Background(), Request{
		ItemID:                item.ID,
		RequesterID:           l.addUser().ID,
		RequestType:           RequestTypePage,
		DeliveryAddressTypeID: unknown,
	})
	ve := requireValidationError(t, err, "Delivery address type does not exist")
	assert.Equal(t, []Parameter{{Key: "deliveryAddressTypeId", Value: unknown.String()}}, ve.Parameters)
	assert.Empty(t, persisted(l))
	assert.Equal(t, ItemStatusAvailable, l.items[item.ID].Status)
}

func TestCreateRequest_AddressTypeLookupFailure(t *testing.T) {
	l := newLibrary()
	item := l.addItem(ItemStatusAvailable)
	l.failOn["addressTypes.get"] = errStorageDown
	svc := newTestService(t, l)

	_, err := svc.CreateRequest(context.Background(), Request{
		ItemID:                item.ID,
		RequesterID:           l.addUser().ID,
		RequestType:           RequestTypePage,
		DeliveryAddressTypeID: l.addAddressType("Work").ID,
	})
	require.ErrorIs(t, err, errStorageDown)
	_, ok := AsValidationError(err)
	assert.False(t, ok)
}

func TestMoveRequestByID_AttachesDeliveryAddressType(t *testing.T) {
	l := newLibrary()
	origin := l.addItem(ItemStatusCheckedOut)
	destination := l.addItem(ItemStatusInTransit)
	work := l.addAddressType("Work")
	request := l.addRequest(origin.ID, l.addUser().ID, RequestTypeHold, 1)
	request.DeliveryAddressTypeID = work.ID
	l.requests[request.ID] = request
	svc := newTestService(t, l)

	result, err := svc.MoveRequestByID(context.Background(), request.ID, destination.ID, "")
	require.NoError(t, err)
	require.NotNil(t, result.Request.AddressType)
	assert.Equal(t, work, *result.Request.AddressType)
}

func TestMoveRequestByID_RefusesRemovedDeliveryAddressType(t *testing.T) {
	l := newLibrary()
	origin := l.addItem(ItemStatusCheckedOut)
	destination := l.addItem(ItemStatusInTransit)
	request := l.addRequest(origin.ID, l.addUser().ID, RequestTypeHold, 1)
	request.DeliveryAddressTypeID = uuid.New()
	l.requests[request.ID] = request
	svc := newTestService(t, l)

	_, err := svc.MoveRequestByID(context.Background(), request.ID, destination.ID, "")
	ve := requireValidationError(t, err, "Delivery address type does not exist")
	assert.Equal(t, "deliveryAddressTypeId", ve.Parameters[0].Key)
	assert.Equal(t, origin.ID, l.requests[request.ID].ItemID)
	assert.Empty(t, persisted(l))
}

func TestGetRequestQueue_AttachesAddressTypesInOneLookup(t *testing.T) {
	l := newLibrary()
	item := l.addItem(ItemStatusCheckedOut)
	home := l.addAddressType("Home")
	first := l.addRequest(item.ID, l.addUser().ID, RequestTypeHold, 1)
	first.DeliveryAddressTypeID = home.ID
	l.requests[first.ID] = first
	second := l.addRequest(item.ID, l.addUser().ID, RequestTypeHold, 2)
	second.DeliveryAddressTypeID = home.ID
	l.requests[second.ID] = second
	removed := l.addRequest(item.ID, l.addUser().ID, RequestTypeHold, 3)
	removed.DeliveryAddressTypeID = uuid.New()
	l.requests[removed.ID] = removed
	l.addRequest(item.ID, l.addUser().ID, RequestTypeHold, 4)
	svc := newTestService(t, l)

	queue, err := svc.GetRequestQueue(context.Background(), item.ID)
	require.NoError(t, err)

	requests := queue.Requests()
	require.Len(t, requests, 4)
	require.NotNil(t, requests[0].AddressType)
	assert.Equal(t, "Home", requests[0].AddressType.AddressType)
	require.NotNil(t, requests[1].AddressType)
	assert.Equal(t, home.ID, requests[1].AddressType.ID)
	assert.Nil(t, requests[2].AddressType)
	assert.Nil(t, requests[3].AddressType)

	var lookups int
	for _, c := range l.calls {
		if c == "addressTypes.getMany" {
			lookups++
		}
	}
	assert.Equal(t, 1, lookups)
}

func TestGetRequest_AttachesDeliveryAddressType(t *testing.T) {
	l := newLibrary()
	item := l.addItem(ItemStatusCheckedOut)
	home := l.addAddressType("Home")
	request := l.addRequest(item.ID, l.addUser().ID, RequestTypeHold, 1)
	request.DeliveryAddressTypeID = home.ID
	l.requests[request.ID] = request
	svc := newTestService(t, l)

	got, err := svc.GetRequest(context.Background(), request.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AddressType)
	assert.Equal(t, home, *got.AddressType)
}
