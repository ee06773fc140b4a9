package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// stubStore keeps reservations and grants in memory. WithTx snapshots both maps and
// restores them when the callback fails.
type stubStore struct {
	mu           sync.Mutex
	reservations map[string]Reservation
	grants       map[string]CreditGrant
	lockedTypes  []string
}

func newStubStore() *stubStore {
	return &stubStore{
		reservations: map[string]Reservation{},
		grants:       map[string]CreditGrant{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	reservations := make(map[string]Reservation, len(store.reservations))
	for key, value := range store.reservations {
		reservations[key] = value
	}
	grants := make(map[string]CreditGrant, len(store.grants))
	for key, value := range store.grants {
		grants[key] = value
	}
	store.mu.Unlock()
	if err := fn(ctx, store); err != nil {
		store.mu.Lock()
		store.reservations = reservations
		store.grants = grants
		store.mu.Unlock()
		return err
	}
	return nil
}

func (store *stubStore) LockGPUType(ctx context.Context, gpuType GPUType) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.lockedTypes = append(store.lockedTypes, gpuType.String())
	return nil
}

func (store *stubStore) InsertReservation(ctx context.Context, reservation Reservation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.reservations[reservation.ID]; exists {
		return ErrReservationExists
	}
	store.reservations[reservation.ID] = reservation
	return nil
}

func (store *stubStore) GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	reservation, ok := store.reservations[reservationID.String()]
	if !ok {
		return Reservation{}, ErrUnknownReservation
	}
	return reservation, nil
}

func (store *stubStore) UpdateReservation(ctx context.Context, reservation Reservation, from ReservationStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	current, ok := store.reservations[reservation.ID]
	if !ok {
		return ErrUnknownReservation
	}
	if current.Status != from {
		return ErrReservationStateChanged
	}
	store.reservations[reservation.ID] = reservation
	return nil
}

func (store *stubStore) ListOverlappingReservations(ctx context.Context, gpuType GPUType, window TimeWindow) ([]Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var result []Reservation
	for _, reservation := range store.reservations {
		if reservation.GPUType == gpuType.String() && reservation.Status.BlocksCapacity() &&
			Overlaps(window.Start, window.End, reservation.StartTime, reservation.EndTime) {
			result = append(result, reservation)
		}
	}
	return result, nil
}

func (store *stubStore) ListPendingStartingBy(ctx context.Context, at time.Time) ([]Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var result []Reservation
	for _, reservation := range store.reservations {
		if reservation.Status == ReservationStatusPending && !reservation.StartTime.After(at) {
			result = append(result, reservation)
		}
	}
	sort.Slice(result, func(left, right int) bool { return result[left].StartTime.Before(result[right].StartTime) })
	return result, nil
}

func (store *stubStore) ListActiveEndedBy(ctx context.Context, at time.Time) ([]Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var result []Reservation
	for _, reservation := range store.reservations {
		if reservation.Status == ReservationStatusActive && !reservation.EndTime.After(at) {
			result = append(result, reservation)
		}
	}
	sort.Slice(result, func(left, right int) bool { return result[left].EndTime.Before(result[right].EndTime) })
	return result, nil
}

func (store *stubStore) ListUserReservations(ctx context.Context, userID UserID, limit int) ([]Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var result []Reservation
	for _, reservation := range store.reservations {
		if reservation.UserID == userID.String() {
			result = append(result, reservation)
		}
	}
	sort.Slice(result, func(left, right int) bool { return result[left].StartTime.After(result[right].StartTime) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (store *stubStore) InsertGrant(ctx context.Context, grant CreditGrant) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.grants[grant.ID]; exists {
		return fmt.Errorf("grant %s exists", grant.ID)
	}
	store.grants[grant.ID] = grant
	return nil
}

func (store *stubStore) ListSpendableGrants(ctx context.Context, userID UserID, at time.Time) ([]CreditGrant, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var result []CreditGrant
	for _, grant := range store.grants {
		if grant.UserID == userID.String() && grant.Spendable(at) {
			result = append(result, grant)
		}
	}
	sort.Slice(result, func(left, right int) bool {
		if result[left].ExpiresAt.Equal(result[right].ExpiresAt) {
			return result[left].ID < result[right].ID
		}
		return result[left].ExpiresAt.Before(result[right].ExpiresAt)
	})
	return result, nil
}

func (store *stubStore) ListReservationGrants(ctx context.Context, reservationID ReservationID, status GrantStatus) ([]CreditGrant, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var result []CreditGrant
	for _, grant := range store.grants {
		if grant.ReservationID == reservationID.String() && grant.Status == status {
			result = append(result, grant)
		}
	}
	sort.Slice(result, func(left, right int) bool { return result[left].ID < result[right].ID })
	return result, nil
}

func (store *stubStore) UpdateGrant(ctx context.Context, grant CreditGrant, from GrantStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	current, ok := store.grants[grant.ID]
	if !ok || current.Status != from {
		return ErrGrantStateInvariant
	}
	store.grants[grant.ID] = grant
	return nil
}

func (store *stubStore) ExpireGrants(ctx context.Context, at time.Time) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var expired int64
	for id, grant := range store.grants {
		if grant.Status == GrantStatusAvailable && !grant.ExpiresAt.After(at) {
			expiredAt := at
			grant.Status = GrantStatusExpired
			grant.ExpiredAt = &expiredAt
			store.grants[id] = grant
			expired++
		}
	}
	return expired, nil
}

func (store *stubStore) ListGrants(ctx context.Context, userID UserID, limit int) ([]CreditGrant, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var result []CreditGrant
	for _, grant := range store.grants {
		if grant.UserID == userID.String() {
			result = append(result, grant)
		}
	}
	sort.Slice(result, func(left, right int) bool { return result[left].ID < result[right].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (store *stubStore) grant(test *testing.T, id string) CreditGrant {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	grant, ok := store.grants[id]
	if !ok {
		test.Fatalf("grant %s not found", id)
	}
	return grant
}

func (store *stubStore) grantCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.grants)
}

// seedGrant inserts an AVAILABLE purchase grant directly.
func (store *stubStore) seedGrant(id string, userID string, amount string, expiresAt time.Time) {
	store.mu.Lock()
	defer store.mu.Unlock()
	value := decimal.RequireFromString(amount)
	store.grants[id] = CreditGrant{
		ID:              id,
		UserID:          userID,
		Amount:          value,
		OriginalAmount:  value,
		Status:          GrantStatusAvailable,
		TransactionType: TransactionPurchase,
		ExpiresAt:       expiresAt,
	}
}

// failingStore fails every persistence call with err.
type failingStore struct {
	Store
	err error
}

func (store *failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *failingStore) LockGPUType(ctx context.Context, gpuType GPUType) error {
	return store.err
}

func (store *failingStore) InsertGrant(ctx context.Context, grant CreditGrant) error {
	return store.err
}

func (store *failingStore) ExpireGrants(ctx context.Context, at time.Time) (int64, error) {
	return 0, store.err
}

// flakyStore fails the first failures transactions with ErrTransientStore.
type flakyStore struct {
	*stubStore
	failures int
	calls    int
}

func (store *flakyStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.calls++
	if store.calls <= store.failures {
		return fmt.Errorf("%w: serialization failure", ErrTransientStore)
	}
	return store.stubStore.WithTx(ctx, fn)
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(now time.Time) *fixedClock {
	return &fixedClock{now: now}
}

func (clock *fixedClock) Now() int64 {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now.Unix()
}

func (clock *fixedClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

var testEpoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func sequenceGenerator(prefix string) func() string {
	var mu sync.Mutex
	counter := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return fmt.Sprintf("%s-%03d", prefix, counter)
	}
}

func mustNewLedger(test *testing.T, store Store, clock *fixedClock, options ...LedgerOption) *Ledger {
	test.Helper()
	options = append([]LedgerOption{WithGrantIDGenerator(sequenceGenerator("grant"))}, options...)
	ledger, err := NewLedger(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func mustNewService(test *testing.T, store Store, clock *fixedClock, options ...ServiceOption) *Service {
	test.Helper()
	ledger := mustNewLedger(test, store, clock)
	options = append([]ServiceOption{
		WithReservationIDGenerator(sequenceGenerator("res")),
		WithSpotPrices(NewStaticSpotPrices(map[string]decimal.Decimal{"a100": decimal.NewFromInt(10)})),
	}, options...)
	service, err := NewService(store, ledger, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustReservationID(test *testing.T, raw string) ReservationID {
	test.Helper()
	value, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return value
}

func mustGPUType(test *testing.T, raw string) GPUType {
	test.Helper()
	value, err := NewGPUType(raw)
	if err != nil {
		test.Fatalf("gpu type: %v", err)
	}
	return value
}

func mustWindow(test *testing.T, start time.Time, duration time.Duration) TimeWindow {
	test.Helper()
	window, err := NewTimeWindow(start, start.Add(duration))
	if err != nil {
		test.Fatalf("window: %v", err)
	}
	return window
}

func mustDecimal(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("decimal: %v", err)
	}
	return value
}

func requireDecimal(test *testing.T, label string, expected string, actual decimal.Decimal) {
	test.Helper()
	if !actual.Equal(decimal.RequireFromString(expected)) {
		test.Fatalf("%s: expected %s, got %s", label, expected, actual.String())
	}
}
