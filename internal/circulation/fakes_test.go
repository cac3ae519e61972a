package circulation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// library is an in-memory backing store shared by the fake repositories.
type library struct {
	mu            sync.Mutex
	items         map[uuid.UUID]Item
	requests      map[uuid.UUID]Request
	loans         map[uuid.UUID]Loan
	users         map[uuid.UUID]User
	servicePoints map[uuid.UUID]ServicePoint
	addressTypes  map[uuid.UUID]AddressType
	policy        *RequestPolicy
	history       []Loan
	calls         []string

	failOn map[string]error
}

func newLibrary() *library {
	return &library{
		items:         map[uuid.UUID]Item{},
		requests:      map[uuid.UUID]Request{},
		loans:         map[uuid.UUID]Loan{},
		users:         map[uuid.UUID]User{},
		servicePoints: map[uuid.UUID]ServicePoint{},
		addressTypes:  map[uuid.UUID]AddressType{},
		failOn:        map[string]error{},
	}
}

func (l *library) record(call string) error {
	l.calls = append(l.calls, call)
	return l.failOn[call]
}

func (l *library) repositories() Repositories {
	return Repositories{
		Items:         fakeItems{l},
		Requests:      fakeRequests{l},
		Queues:        fakeQueues{l},
		Policies:      fakePolicies{l},
		Loans:         fakeLoans{l},
		Users:         fakeUsers{l},
		ServicePoints: fakeServicePoints{l},
		LoanHistory:   fakeHistory{l},
		AddressTypes:  fakeAddressTypes{l},
	}
}

func (l *library) addItem(status ItemStatus) Item {
	item := Item{ID: uuid.New(), Barcode: uuid.NewString()[:8], Status: status, HoldingsRecordID: uuid.New()}
	l.items[item.ID] = item
	return item
}

func (l *library) addUser() User {
	user := User{ID: uuid.New(), Active: true, PatronGroupID: uuid.New()}
	l.users[user.ID] = user
	return user
}

func (l *library) addRequest(itemID, userID uuid.UUID, t RequestType, position int) Request {
	request := Request{
		ID:                   uuid.New(),
		ItemID:               itemID,
		RequesterID:          userID,
		RequestType:          t,
		Status:               RequestStatusOpenNotYetFilled,
		Position:             position,
		PickupServicePointID: uuid.New(),
		RequestDate:          time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	l.requests[request.ID] = request
	return request
}

func (l *library) addAddressType(name string) AddressType {
	at := AddressType{ID: uuid.New(), AddressType: name}
	l.addressTypes[at.ID] = at
	return at
}

func (l *library) addLoan(itemID, userID uuid.UUID) Loan {
	item := l.items[itemID]
	loan := Loan{
		ID:       uuid.New(),
		ItemID:   itemID,
		UserID:   userID,
		Status:   LoanStatusOpen,
		Action:   LoanActionCheckedOut,
		LoanDate: time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC),
		DueDate:  time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		Policy: LoanPolicy{
			ID:                          uuid.New(),
			Name:                        "Standard",
			MinimumGuaranteedLoanPeriod: 14 * 24 * time.Hour,
			RecallReturnInterval:        7 * 24 * time.Hour,
		},
		Item: item,
	}
	l.loans[loan.ID] = loan
	return loan
}

func (l *library) queue(itemID uuid.UUID) RequestQueue {
	var requests []Request
	for _, r := range l.requests {
		if r.ItemID == itemID {
			requests = append(requests, r)
		}
	}
	return NewRequestQueue(requests)
}

type fakeItems struct{ l *library }

func (f fakeItems) FetchByID(_ context.Context, id uuid.UUID) (*Item, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if err := f.l.record("items.fetch"); err != nil {
		return nil, err
	}
	item, ok := f.l.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return &item, nil
}

func (f fakeItems) FetchByBarcode(_ context.Context, barcode string) (*Item, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	for _, item := range f.l.items {
		if item.Barcode == barcode {
			return &item, nil
		}
	}
	return nil, ErrItemNotFound
}

func (f fakeItems) Update(_ context.Context, item Item) error {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if err := f.l.record("items.update"); err != nil {
		return err
	}
	item.Version++
	f.l.items[item.ID] = item
	return nil
}

type fakeRequests struct{ l *library }

func (f fakeRequests) Get(_ context.Context, id uuid.UUID) (*Request, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	request, ok := f.l.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return &request, nil
}

func (f fakeRequests) Create(_ context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if err := f.l.record("requests.create"); err != nil {
		return RequestAndRelatedRecords{}, err
	}
	f.l.requests[records.Request.ID] = records.Request
	return records, nil
}

func (f fakeRequests) Update(_ context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if err := f.l.record("requests.update"); err != nil {
		return RequestAndRelatedRecords{}, err
	}
	request := records.Request
	request.Version++
	f.l.requests[request.ID] = request
	return records.WithRequest(request), nil
}

type fakeQueues struct{ l *library }

func (f fakeQueues) Get(_ context.Context, itemID uuid.UUID) (RequestQueue, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if err := f.l.record("queues.get"); err != nil {
		return RequestQueue{}, err
	}
	return f.l.queue(itemID), nil
}

func (f fakeQueues) OnMoved(_ context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if err := f.l.record("queues.on_moved"); err != nil {
		return RequestAndRelatedRecords{}, err
	}
	_, changed := f.l.queue(records.Request.ItemID).Reordered()
	for _, r := range changed {
		f.l.requests[r.ID] = r
	}
	return records, nil
}

type fakePolicies struct{ l *library }

func (f fakePolicies) LookupRequestPolicy(_ context.Context, records RequestAndRelatedRecords) (RequestAndRelatedRecords, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if err := f.l.record("policies.lookup"); err != nil {
		return RequestAndRelatedRecords{}, err
	}
	if f.l.policy != nil {
		return records.WithRequestPolicy(*f.l.policy), nil
	}
	return records.WithRequestPolicy(RequestPolicy{
		ID:           uuid.New(),
		Name:         "Allow all",
		RequestTypes: []RequestType{RequestTypePage, RequestTypeHold, RequestTypeRecall},
	}), nil
}

type fakeLoans struct{ l *library }

func (f fakeLoans) FindOpenLoanForRequest(ctx context.Context, request Request) (*Loan, error) {
	return f.FindOpenLoanForItem(ctx, request.ItemID)
}

func (f fakeLoans) FindOpenLoanForItem(_ context.Context, itemID uuid.UUID) (*Loan, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	for _, loan := range f.l.loans {
		if loan.ItemID == itemID && loan.IsOpen() {
			return &loan, nil
		}
	}
	return nil, nil
}

func (f fakeLoans) Update(_ context.Context, loan Loan) error {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if err := f.l.record("loans.update"); err != nil {
		return err
	}
	loan.Version++
	f.l.loans[loan.ID] = loan
	return nil
}

type fakeUsers struct{ l *library }

func (f fakeUsers) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	user, ok := f.l.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

type fakeServicePoints struct{ l *library }

func (f fakeServicePoints) Get(_ context.Context, id uuid.UUID) (*ServicePoint, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	sp, ok := f.l.servicePoints[id]
	if !ok {
		return nil, ErrServicePointNotFound
	}
	return &sp, nil
}

type fakeAddressTypes struct{ l *library }

func (f fakeAddressTypes) Get(_ context.Context, id uuid.UUID) (*AddressType, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if err := f.l.record("addressTypes.get"); err != nil {
		return nil, err
	}
	at, ok := f.l.addressTypes[id]
	if !ok {
		return nil, ErrAddressTypeNotFound
	}
	return &at, nil
}

func (f fakeAddressTypes) GetMany(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]AddressType, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if err := f.l.record("addressTypes.getMany"); err != nil {
		return nil, err
	}
	found := make(map[uuid.UUID]AddressType, len(ids))
	for _, id := range ids {
		if at, ok := f.l.addressTypes[id]; ok {
			found[id] = at
		}
	}
	return found, nil
}

type fakeHistory struct{ l *library }

func (f fakeHistory) Append(_ context.Context, loan Loan) error {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	if err := f.l.record("history.append"); err != nil {
		return err
	}
	f.l.history = append(f.l.history, loan)
	return nil
}

var errStorageDown = errors.New("storage unavailable")

var fixedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, l *library) *service {
	t.Helper()
	svc, ok := NewService(l.repositories(), zap.NewNop(), WithClock(func() time.Time { return fixedNow })).(*service)
	require.True(t, ok)
	return svc
}
