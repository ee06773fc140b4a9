package booking

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger manages per-user credit grants: balance, FIFO deduction, refunds and expiry.
type Ledger struct {
	store       Store
	nowFn       func() int64
	newID       func() string
	logger      OperationLogger
	refundTTL   time.Duration
	purchaseTTL time.Duration
}

// GrantInput describes a top-up or manual adjustment.
type GrantInput struct {
	UserID          UserID
	Amount          decimal.Decimal
	TransactionType TransactionType
	// ExpiresAt defaults to now + purchase TTL when zero.
	ExpiresAt   time.Time
	Description string
}

// NewLedger wires a Ledger.
func NewLedger(store Store, now func() int64, options ...LedgerOption) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	ledger := &Ledger{
		store:       store,
		nowFn:       now,
		newID:       uuid.NewString,
		refundTTL:   DefaultRefundTTL,
		purchaseTTL: DefaultPurchaseTTL,
	}
	for _, option := range options {
		if option != nil {
			option(ledger)
		}
	}
	return ledger, nil
}

// WithLedgerLogger wires a logger that receives callbacks for every ledger mutation.
func WithLedgerLogger(logger OperationLogger) LedgerOption {
	return func(ledger *Ledger) {
		ledger.logger = logger
	}
}

// WithRefundTTL overrides the lifetime of refund grants.
func WithRefundTTL(ttl time.Duration) LedgerOption {
	return func(ledger *Ledger) {
		if ttl > 0 {
			ledger.refundTTL = ttl
		}
	}
}

// WithPurchaseTTL overrides the default lifetime of purchased credits.
func WithPurchaseTTL(ttl time.Duration) LedgerOption {
	return func(ledger *Ledger) {
		if ttl > 0 {
			ledger.purchaseTTL = ttl
		}
	}
}

// WithGrantIDGenerator replaces the uuid generator used for new grants.
func WithGrantIDGenerator(generator func() string) LedgerOption {
	return func(ledger *Ledger) {
		if generator != nil {
			ledger.newID = generator
		}
	}
}

func (ledger *Ledger) now() time.Time {
	return time.Unix(ledger.nowFn(), 0).UTC()
}

// Balance sums AVAILABLE, unexpired, positive grants.
func (ledger *Ledger) Balance(ctx context.Context, userID UserID) (decimal.Decimal, error) {
	available, _, err := spendableGrants(ctx, ledger.store, userID, ledger.now())
	return available, err
}

// Grant credits a user with a new AVAILABLE lot.
func (ledger *Ledger) Grant(ctx context.Context, input GrantInput) (CreditGrant, error) {
	var created CreditGrant
	operationError := func() error {
		if !input.Amount.IsPositive() {
			return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
		}
		transactionType := input.TransactionType
		if transactionType == "" {
			transactionType = TransactionPurchase
		}
		if transactionType != TransactionPurchase && transactionType != TransactionAdjustment {
			return fmt.Errorf("%w: grants must be %s or %s", ErrInvalidTransactionType, TransactionPurchase, TransactionAdjustment)
		}
		now := ledger.now()
		expiresAt := input.ExpiresAt.UTC().Truncate(time.Second)
		if input.ExpiresAt.IsZero() {
			expiresAt = now.Add(ledger.purchaseTTL)
		}
		if !expiresAt.After(now) {
			return fmt.Errorf("%w: grant expiry must be in the future", ErrInvalidTimeWindow)
		}
		amount := input.Amount.Round(creditDecimalPlaces)
		created = CreditGrant{
			ID:              ledger.newID(),
			UserID:          input.UserID.String(),
			Amount:          amount,
			OriginalAmount:  amount,
			Status:          GrantStatusAvailable,
			TransactionType: transactionType,
			Description:     input.Description,
			CreatedAt:       now,
			ExpiresAt:       expiresAt,
		}
		return ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			return transactionStore.InsertGrant(ctx, created)
		})
	}()
	emitOperation(ctx, ledger.logger, OperationLog{
		Operation: operationGrant,
		UserID:    input.UserID.String(),
		Amount:    input.Amount,
		Error:     operationError,
	})
	if operationError != nil {
		return CreditGrant{}, operationError
	}
	return created, nil
}

// Deduct locks amount credits against reservationID, consuming soonest-expiring grants first.
func (ledger *Ledger) Deduct(ctx context.Context, userID UserID, amount decimal.Decimal, reservationID ReservationID) ([]GrantMutation, error) {
	var mutations []GrantMutation
	operationError := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		mutations, err = ledger.deductWithin(ctx, transactionStore, userID, amount, reservationID, ledger.now())
		return err
	})
	emitOperation(ctx, ledger.logger, OperationLog{
		Operation:     operationDeduct,
		UserID:        userID.String(),
		ReservationID: reservationID.String(),
		Amount:        amount,
		Error:         operationError,
	})
	if operationError != nil {
		return nil, operationError
	}
	return mutations, nil
}

// Refund returns credits for a reservation as a fresh REFUND grant. It returns nil when the
// computed amount is zero. The caller owns updating the reservation's credits_refunded.
func (ledger *Ledger) Refund(ctx context.Context, reservation Reservation, partial bool) (*CreditGrant, error) {
	var refund *CreditGrant
	operationError := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		refund, err = ledger.refundWithin(ctx, transactionStore, reservation, partial, ledger.now())
		return err
	})
	entry := OperationLog{
		Operation:     operationRefund,
		UserID:        reservation.UserID,
		ReservationID: reservation.ID,
		GPUType:       reservation.GPUType,
		Error:         operationError,
	}
	if refund != nil {
		entry.Amount = refund.Amount
	}
	emitOperation(ctx, ledger.logger, entry)
	if operationError != nil {
		return nil, operationError
	}
	return refund, nil
}

// Expire marks every AVAILABLE grant past its expiry as EXPIRED. LOCKED grants are never touched.
func (ledger *Ledger) Expire(ctx context.Context) (int64, error) {
	var expired int64
	operationError := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		expired, err = transactionStore.ExpireGrants(ctx, ledger.now())
		return err
	})
	emitOperation(ctx, ledger.logger, OperationLog{
		Operation: operationExpire,
		Count:     expired,
		Error:     operationError,
	})
	return expired, operationError
}

// ListGrants returns a user's grants, newest first.
func (ledger *Ledger) ListGrants(ctx context.Context, userID UserID, limit int) ([]CreditGrant, error) {
	return ledger.store.ListGrants(ctx, userID, clampLimit(limit))
}

func (ledger *Ledger) deductWithin(ctx context.Context, transactionStore Store, userID UserID, amount decimal.Decimal, reservationID ReservationID, now time.Time) ([]GrantMutation, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: deduction must be greater than zero", ErrInvalidAmount)
	}
	available, grants, err := spendableGrants(ctx, transactionStore, userID, now)
	if err != nil {
		return nil, err
	}
	if available.LessThan(amount) {
		return nil, &InsufficientCreditsError{Required: amount, Available: available}
	}
	remaining := amount
	mutations := make([]GrantMutation, 0, len(grants))
	for _, grant := range grants {
		if !remaining.IsPositive() {
			break
		}
		if grant.Amount.LessThanOrEqual(remaining) {
			locked := grant.Amount
			if err := grant.transitionTo(GrantStatusLocked); err != nil {
				return nil, err
			}
			grant.Amount = decimal.Zero
			grant.ReservationID = reservationID.String()
			if err := transactionStore.UpdateGrant(ctx, grant, GrantStatusAvailable); err != nil {
				return nil, err
			}
			remaining = remaining.Sub(locked)
			mutations = append(mutations, GrantMutation{GrantID: grant.ID, LockedAmount: locked})
			continue
		}
		if grant.Status != GrantStatusAvailable {
			return nil, WrapError(operationLedger, subjectGrant, codeStateInvariant,
				fmt.Errorf("%w: cannot split %s grant %s", ErrGrantStateInvariant, grant.Status, grant.ID))
		}
		grant.Amount = grant.Amount.Sub(remaining)
		if err := transactionStore.UpdateGrant(ctx, grant, GrantStatusAvailable); err != nil {
			return nil, err
		}
		fragment := CreditGrant{
			ID:              ledger.newID(),
			UserID:          grant.UserID,
			Amount:          remaining,
			OriginalAmount:  remaining,
			Status:          GrantStatusLocked,
			ReservationID:   reservationID.String(),
			TransactionType: TransactionDeduction,
			ParentCreditID:  grant.ID,
			Description:     "split for reservation " + reservationID.String(),
			CreatedAt:       now,
			ExpiresAt:       grant.ExpiresAt,
		}
		if err := transactionStore.InsertGrant(ctx, fragment); err != nil {
			return nil, err
		}
		mutations = append(mutations, GrantMutation{
			GrantID:        fragment.ID,
			ParentCreditID: grant.ID,
			LockedAmount:   remaining,
			Split:          true,
		})
		remaining = decimal.Zero
	}
	if remaining.IsPositive() {
		return nil, WrapError(operationLedger, subjectGrant, codeStateInvariant,
			fmt.Errorf("%w: %s left unfunded after walking all grants", ErrGrantStateInvariant, remaining.String()))
	}
	return mutations, nil
}

func (ledger *Ledger) refundWithin(ctx context.Context, transactionStore Store, reservation Reservation, partial bool, now time.Time) (*CreditGrant, error) {
	reservationID, err := NewReservationID(reservation.ID)
	if err != nil {
		return nil, err
	}
	lockedGrants, err := transactionStore.ListReservationGrants(ctx, reservationID, GrantStatusLocked)
	if err != nil {
		return nil, err
	}
	for _, grant := range lockedGrants {
		if err := grant.transitionTo(GrantStatusRefunded); err != nil {
			return nil, err
		}
		if err := transactionStore.UpdateGrant(ctx, grant, GrantStatusLocked); err != nil {
			return nil, err
		}
	}
	amount := RefundAmount(reservation, partial, now)
	if !amount.IsPositive() {
		return nil, nil
	}
	refund := CreditGrant{
		ID:              ledger.newID(),
		UserID:          reservation.UserID,
		Amount:          amount,
		OriginalAmount:  amount,
		Status:          GrantStatusAvailable,
		TransactionType: TransactionRefund,
		Description:     "refund for reservation " + reservation.ID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ledger.refundTTL),
	}
	if err := transactionStore.InsertGrant(ctx, refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// consumeWithin finalizes the locked funding of a reservation.
func (ledger *Ledger) consumeWithin(ctx context.Context, transactionStore Store, reservationID ReservationID) error {
	lockedGrants, err := transactionStore.ListReservationGrants(ctx, reservationID, GrantStatusLocked)
	if err != nil {
		return err
	}
	for _, grant := range lockedGrants {
		if err := grant.transitionTo(GrantStatusUsed); err != nil {
			return err
		}
		if err := transactionStore.UpdateGrant(ctx, grant, GrantStatusLocked); err != nil {
			return err
		}
	}
	return nil
}

// RefundAmount computes the credits owed back for a reservation. A full refund returns
// credits_used; a partial refund prorates by the unused share of the window since the actual start.
func RefundAmount(reservation Reservation, partial bool, now time.Time) decimal.Decimal {
	if !partial {
		return reservation.CreditsUsed
	}
	actualStart := reservation.StartTime
	if reservation.StartedAt != nil {
		actualStart = *reservation.StartedAt
	}
	if !now.Before(reservation.EndTime) {
		return decimal.Zero
	}
	total := reservation.EndTime.Sub(actualStart)
	if total <= 0 {
		return decimal.Zero
	}
	ratio := decimal.NewFromInt(int64(reservation.EndTime.Sub(now).Seconds())).
		Div(decimal.NewFromInt(int64(total.Seconds())))
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}
	if ratio.IsNegative() {
		ratio = decimal.Zero
	}
	return reservation.CreditsUsed.Mul(ratio).Round(creditDecimalPlaces)
}

func spendableGrants(ctx context.Context, store Store, userID UserID, now time.Time) (decimal.Decimal, []CreditGrant, error) {
	grants, err := store.ListSpendableGrants(ctx, userID, now)
	if err != nil {
		return decimal.Zero, nil, err
	}
	spendable := make([]CreditGrant, 0, len(grants))
	total := decimal.Zero
	for _, grant := range grants {
		if !grant.Spendable(now) {
			continue
		}
		spendable = append(spendable, grant)
		total = total.Add(grant.Amount)
	}
	sort.SliceStable(spendable, func(left, right int) bool {
		return spendable[left].ExpiresAt.Before(spendable[right].ExpiresAt)
	})
	return total, spendable, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
