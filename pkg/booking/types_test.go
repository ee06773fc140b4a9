package booking

import (
	"errors"
	"testing"
	"time"
)

func TestOverlapsHalfOpen(test *testing.T) {
	test.Parallel()
	base := testEpoch
	testCases := []struct {
		name     string
		start    time.Time
		end      time.Time
		expected bool
	}{
		{name: "identical", start: base, end: base.Add(2 * time.Hour), expected: true},
		{name: "inside", start: base.Add(30 * time.Minute), end: base.Add(time.Hour), expected: true},
		{name: "straddles start", start: base.Add(-time.Hour), end: base.Add(time.Hour), expected: true},
		{name: "straddles end", start: base.Add(time.Hour), end: base.Add(3 * time.Hour), expected: true},
		{name: "touches end", start: base.Add(2 * time.Hour), end: base.Add(3 * time.Hour), expected: false},
		{name: "touches start", start: base.Add(-time.Hour), end: base, expected: false},
		{name: "disjoint", start: base.Add(5 * time.Hour), end: base.Add(6 * time.Hour), expected: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			actual := Overlaps(base, base.Add(2*time.Hour), testCase.start, testCase.end)
			if actual != testCase.expected {
				test.Fatalf("expected %v, got %v", testCase.expected, actual)
			}
			if reversed := Overlaps(testCase.start, testCase.end, base, base.Add(2*time.Hour)); reversed != actual {
				test.Fatalf("overlap is not symmetric")
			}
		})
	}
}

func TestNewTimeWindowValidation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		duration time.Duration
		valid    bool
	}{
		{name: "reversed", duration: -time.Hour, valid: false},
		{name: "empty", duration: 0, valid: false},
		{name: "too short", duration: 59 * time.Minute, valid: false},
		{name: "minimum", duration: time.Hour, valid: true},
		{name: "maximum", duration: MaxReservationDuration, valid: true},
		{name: "too long", duration: MaxReservationDuration + time.Second, valid: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := NewTimeWindow(testEpoch, testEpoch.Add(testCase.duration))
			if testCase.valid && err != nil {
				test.Fatalf("expected valid window, got %v", err)
			}
			if !testCase.valid && !errors.Is(err, ErrInvalidTimeWindow) {
				test.Fatalf("expected invalid time window, got %v", err)
			}
		})
	}
}

func TestNewTimeWindowNormalizesToUTCSeconds(test *testing.T) {
	test.Parallel()
	location := time.FixedZone("UTC+2", 2*60*60)
	start := time.Date(2026, time.March, 1, 14, 0, 0, 750, location)
	window, err := NewTimeWindow(start, start.Add(2*time.Hour))
	if err != nil {
		test.Fatalf("window: %v", err)
	}
	if window.Start.Location() != time.UTC || window.Start.Nanosecond() != 0 {
		test.Fatalf("expected utc whole seconds, got %s", window.Start)
	}
	if !window.Start.Equal(testEpoch) {
		test.Fatalf("expected %s, got %s", testEpoch, window.Start)
	}
}

func TestValueTypeValidation(test *testing.T) {
	test.Parallel()
	if _, err := NewUserID("  "); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected invalid user id, got %v", err)
	}
	if _, err := NewReservationID(""); !errors.Is(err, ErrInvalidReservationID) {
		test.Fatalf("expected invalid reservation id, got %v", err)
	}
	if _, err := NewGPUType(""); !errors.Is(err, ErrInvalidGPUType) {
		test.Fatalf("expected invalid gpu type, got %v", err)
	}
	if gpuType := mustGPUType(test, " h100 "); gpuType.String() != "H100" {
		test.Fatalf("expected H100, got %s", gpuType.String())
	}
	if _, err := NewMetadataJSON("{"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected invalid metadata, got %v", err)
	}
	metadata, err := NewMetadataJSON("")
	if err != nil || metadata.String() != "{}" {
		test.Fatalf("expected default metadata, got %q (%v)", metadata.String(), err)
	}
	if (MetadataJSON{}).String() != "{}" {
		test.Fatalf("expected zero metadata to render as {}")
	}
}

func TestReservationTransitionTable(test *testing.T) {
	test.Parallel()
	allowed := map[ReservationStatus][]ReservationStatus{
		ReservationStatusPending: {ReservationStatusActive, ReservationStatusCancelled, ReservationStatusFailed},
		ReservationStatusActive:  {ReservationStatusCompleted, ReservationStatusCancelled},
	}
	statuses := []ReservationStatus{
		ReservationStatusPending, ReservationStatusActive, ReservationStatusCompleted,
		ReservationStatusCancelled, ReservationStatusFailed,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			expected := false
			for _, candidate := range allowed[from] {
				if candidate == to {
					expected = true
				}
			}
			if from.CanTransitionTo(to) != expected {
				test.Fatalf("%s -> %s: expected %v", from, to, expected)
			}
		}
	}
	for _, terminal := range []ReservationStatus{ReservationStatusCompleted, ReservationStatusCancelled, ReservationStatusFailed} {
		if !terminal.IsTerminal() || terminal.BlocksCapacity() {
			test.Fatalf("%s should be terminal and free capacity", terminal)
		}
	}
	reservation := Reservation{Status: ReservationStatusCompleted}
	if err := reservation.transitionTo(ReservationStatusActive); !errors.Is(err, ErrInvalidTransition) {
		test.Fatalf("expected invalid transition, got %v", err)
	}
	if reservation.Status != ReservationStatusCompleted {
		test.Fatalf("status changed on rejected transition")
	}
}

func TestGrantTransitionTable(test *testing.T) {
	test.Parallel()
	grant := CreditGrant{ID: "g", Status: GrantStatusUsed}
	err := grant.transitionTo(GrantStatusAvailable)
	if !errors.Is(err, ErrGrantStateInvariant) {
		test.Fatalf("expected grant invariant error, got %v", err)
	}
	var operationError OperationError
	if !errors.As(err, &operationError) || operationError.Code() != codeStateInvariant {
		test.Fatalf("expected operation error with state code, got %v", err)
	}
	grant = CreditGrant{ID: "g", Status: GrantStatusAvailable}
	if err := grant.transitionTo(GrantStatusLocked); err != nil {
		test.Fatalf("available -> locked: %v", err)
	}
	if err := grant.transitionTo(GrantStatusExpired); err == nil {
		test.Fatalf("locked grants must never expire")
	}
}

func TestParseStatuses(test *testing.T) {
	test.Parallel()
	if status, err := ParseReservationStatus("active"); err != nil || status != ReservationStatusActive {
		test.Fatalf("expected ACTIVE, got %v (%v)", status, err)
	}
	if _, err := ParseReservationStatus("paused"); !errors.Is(err, ErrInvalidReservationStatus) {
		test.Fatalf("expected invalid reservation status, got %v", err)
	}
	if status, err := ParseGrantStatus("LOCKED"); err != nil || status != GrantStatusLocked {
		test.Fatalf("expected LOCKED, got %v (%v)", status, err)
	}
	if _, err := ParseGrantStatus("gone"); !errors.Is(err, ErrInvalidGrantStatus) {
		test.Fatalf("expected invalid grant status, got %v", err)
	}
	if transactionType, err := ParseTransactionType("refund"); err != nil || transactionType != TransactionRefund {
		test.Fatalf("expected REFUND, got %v (%v)", transactionType, err)
	}
	if _, err := ParseTransactionType("gift"); !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf("expected invalid transaction type, got %v", err)
	}
}

func TestCreditGrantSpendable(test *testing.T) {
	test.Parallel()
	grant := CreditGrant{Status: GrantStatusAvailable, Amount: mustDecimal(test, "5"), ExpiresAt: testEpoch.Add(time.Hour)}
	if !grant.Spendable(testEpoch) {
		test.Fatalf("expected spendable grant")
	}
	if grant.Spendable(testEpoch.Add(time.Hour)) {
		test.Fatalf("grant must not be spendable at its expiry instant")
	}
	grant.Status = GrantStatusLocked
	if grant.Spendable(testEpoch) {
		test.Fatalf("locked grant must not be spendable")
	}
}
