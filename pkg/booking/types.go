package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UserID identifies an account owner.
type UserID struct {
	value string
}

// ReservationID identifies a reservation.
type ReservationID struct {
	value string
}

// GPUType names a bookable GPU model (e.g. "A100").
type GPUType struct {
	value string
}

// MetadataJSON stores arbitrary client metadata attached to a reservation.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// NewGPUType validates a GPU type. Types are compared case-insensitively and stored upper-case.
func NewGPUType(raw string) (GPUType, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return GPUType{}, fmt.Errorf("%w: empty value", ErrInvalidGPUType)
	}
	return GPUType{value: strings.ToUpper(trimmed)}, nil
}

// String returns the normalized GPU type.
func (gpuType GPUType) String() string {
	return gpuType.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// TimeWindow is a half-open [Start, End) interval in UTC, truncated to whole seconds.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// NewTimeWindow validates a booking window against the allowed duration range.
func NewTimeWindow(start time.Time, end time.Time) (TimeWindow, error) {
	window := TimeWindow{
		Start: start.UTC().Truncate(time.Second),
		End:   end.UTC().Truncate(time.Second),
	}
	if !window.End.After(window.Start) {
		return TimeWindow{}, fmt.Errorf("%w: end must be after start", ErrInvalidTimeWindow)
	}
	duration := window.Duration()
	if duration < MinReservationDuration {
		return TimeWindow{}, fmt.Errorf("%w: duration %s is shorter than %s", ErrInvalidTimeWindow, duration, MinReservationDuration)
	}
	if duration > MaxReservationDuration {
		return TimeWindow{}, fmt.Errorf("%w: duration %s exceeds %s", ErrInvalidTimeWindow, duration, MaxReservationDuration)
	}
	return window, nil
}

// Duration returns End - Start.
func (window TimeWindow) Duration() time.Duration {
	return window.End.Sub(window.Start)
}

// Overlaps reports whether two half-open intervals [s1,e1) and [s2,e2) intersect.
// Intervals that merely touch (e1 == s2) do not overlap.
func Overlaps(s1, e1, s2, e2 time.Time) bool {
	return e1.After(s2) && s1.Before(e2)
}

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "PENDING"
	ReservationStatusActive    ReservationStatus = "ACTIVE"
	ReservationStatusCompleted ReservationStatus = "COMPLETED"
	ReservationStatusCancelled ReservationStatus = "CANCELLED"
	ReservationStatusFailed    ReservationStatus = "FAILED"
)

var reservationTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationStatusPending: {ReservationStatusActive, ReservationStatusCancelled, ReservationStatusFailed},
	ReservationStatusActive:  {ReservationStatusCompleted, ReservationStatusCancelled},
}

// ParseReservationStatus converts a stored value into a ReservationStatus.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	status := ReservationStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case ReservationStatusPending, ReservationStatusActive, ReservationStatusCompleted, ReservationStatusCancelled, ReservationStatusFailed:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// String returns the stored representation.
func (status ReservationStatus) String() string {
	return string(status)
}

// CanTransitionTo consults the central transition table.
func (status ReservationStatus) CanTransitionTo(next ReservationStatus) bool {
	for _, allowed := range reservationTransitions[status] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves the status.
func (status ReservationStatus) IsTerminal() bool {
	return len(reservationTransitions[status]) == 0
}

// BlocksCapacity reports whether a reservation in this status occupies its GPU slot.
func (status ReservationStatus) BlocksCapacity() bool {
	return status == ReservationStatusPending || status == ReservationStatusActive
}

// GrantStatus defines the credit grant lifecycle.
type GrantStatus string

const (
	GrantStatusAvailable GrantStatus = "AVAILABLE"
	GrantStatusLocked    GrantStatus = "LOCKED"
	GrantStatusUsed      GrantStatus = "USED"
	GrantStatusExpired   GrantStatus = "EXPIRED"
	GrantStatusRefunded  GrantStatus = "REFUNDED"
)

var grantTransitions = map[GrantStatus][]GrantStatus{
	GrantStatusAvailable: {GrantStatusLocked, GrantStatusExpired},
	GrantStatusLocked:    {GrantStatusUsed, GrantStatusRefunded},
}

// ParseGrantStatus converts a stored value into a GrantStatus.
func ParseGrantStatus(raw string) (GrantStatus, error) {
	status := GrantStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case GrantStatusAvailable, GrantStatusLocked, GrantStatusUsed, GrantStatusExpired, GrantStatusRefunded:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidGrantStatus, raw)
}

// String returns the stored representation.
func (status GrantStatus) String() string {
	return string(status)
}

// CanTransitionTo consults the grant transition table.
func (status GrantStatus) CanTransitionTo(next GrantStatus) bool {
	for _, allowed := range grantTransitions[status] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransactionType records how a grant came to exist. It never changes after creation.
type TransactionType string

const (
	TransactionPurchase   TransactionType = "PURCHASE"
	TransactionDeduction  TransactionType = "DEDUCTION"
	TransactionRefund     TransactionType = "REFUND"
	TransactionExpiration TransactionType = "EXPIRATION"
	TransactionAdjustment TransactionType = "ADJUSTMENT"
)

// ParseTransactionType converts a stored value into a TransactionType.
func ParseTransactionType(raw string) (TransactionType, error) {
	transactionType := TransactionType(strings.ToUpper(strings.TrimSpace(raw)))
	switch transactionType {
	case TransactionPurchase, TransactionDeduction, TransactionRefund, TransactionExpiration, TransactionAdjustment:
		return transactionType, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Reservation is a booking of one GPU slot for a time window.
type Reservation struct {
	ID                   string
	UserID               string
	GPUType              string
	GPUCount             int
	StartTime            time.Time
	EndTime              time.Time
	Status               ReservationStatus
	CreditsUsed          decimal.Decimal
	CreditsRefunded      decimal.Decimal
	DiscountRate         int
	SpotPricePerHour     decimal.Decimal
	ReservedPricePerHour decimal.Decimal
	InstanceID           string
	Provider             string
	Metadata             string
	CreatedAt            time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	CancelledAt          *time.Time
	CancellationReason   string
	FailureReason        string
}

// Window returns the reservation's booking window.
func (reservation Reservation) Window() TimeWindow {
	return TimeWindow{Start: reservation.StartTime, End: reservation.EndTime}
}

// transitionTo validates the move against the transition table and applies it.
func (reservation *Reservation) transitionTo(next ReservationStatus) error {
	if !reservation.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, reservation.Status, next)
	}
	reservation.Status = next
	return nil
}

// CreditGrant is a discrete lot of credits with its own expiry.
type CreditGrant struct {
	ID              string
	UserID          string
	Amount          decimal.Decimal
	OriginalAmount  decimal.Decimal
	Status          GrantStatus
	ReservationID   string
	TransactionType TransactionType
	ParentCreditID  string
	Description     string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	ExpiredAt       *time.Time
}

// Spendable reports whether the grant contributes to the balance at the given instant.
func (grant CreditGrant) Spendable(at time.Time) bool {
	return grant.Status == GrantStatusAvailable && grant.ExpiresAt.After(at) && grant.Amount.IsPositive()
}

func (grant *CreditGrant) transitionTo(next GrantStatus) error {
	if !grant.Status.CanTransitionTo(next) {
		return WrapError(operationLedger, subjectGrant, codeStateInvariant,
			fmt.Errorf("%w: grant %s %s -> %s", ErrGrantStateInvariant, grant.ID, grant.Status, next))
	}
	grant.Status = next
	return nil
}

// GrantMutation describes one step of a deduction.
type GrantMutation struct {
	GrantID        string
	ParentCreditID string
	LockedAmount   decimal.Decimal
	Split          bool
}

// ConflictSummary describes an existing reservation that overlaps a requested window.
type ConflictSummary struct {
	ReservationID string
	GPUType       string
	StartTime     time.Time
	EndTime       time.Time
	Status        ReservationStatus
}

// Store is the persistence contract used by the ledger and the reservation service.
// A Store obtained through WithTx is bound to one transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// LockGPUType serializes availability checks for one GPU type until the transaction ends.
	LockGPUType(ctx context.Context, gpuType GPUType) error
	InsertReservation(ctx context.Context, reservation Reservation) error
	// GetReservation reads a reservation, locking the row inside a transaction.
	GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error)
	// UpdateReservation persists mutable fields when the stored status still equals from.
	UpdateReservation(ctx context.Context, reservation Reservation, from ReservationStatus) error
	ListOverlappingReservations(ctx context.Context, gpuType GPUType, window TimeWindow) ([]Reservation, error)
	// ListPendingStartingBy returns PENDING reservations with start_time <= at, overdue ones included.
	ListPendingStartingBy(ctx context.Context, at time.Time) ([]Reservation, error)
	ListActiveEndedBy(ctx context.Context, at time.Time) ([]Reservation, error)
	ListUserReservations(ctx context.Context, userID UserID, limit int) ([]Reservation, error)

	InsertGrant(ctx context.Context, grant CreditGrant) error
	// ListSpendableGrants returns AVAILABLE, unexpired, positive grants ordered by expires_at
	// ascending, locking the rows inside a transaction.
	ListSpendableGrants(ctx context.Context, userID UserID, at time.Time) ([]CreditGrant, error)
	ListReservationGrants(ctx context.Context, reservationID ReservationID, status GrantStatus) ([]CreditGrant, error)
	// UpdateGrant persists amount/status/reservation fields when the stored status still equals from.
	UpdateGrant(ctx context.Context, grant CreditGrant, from GrantStatus) error
	// ExpireGrants marks AVAILABLE grants with expires_at <= at as EXPIRED in one statement.
	ExpireGrants(ctx context.Context, at time.Time) (int64, error)
	ListGrants(ctx context.Context, userID UserID, limit int) ([]CreditGrant, error)
}
