package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service drives reservations through their lifecycle, keeping the credit ledger consistent
// at every transition. Every public operation runs in one store transaction.
type Service struct {
	store        Store
	ledger       *Ledger
	nowFn        func() int64
	newID        func() string
	logger       OperationLogger
	pricing      PricingCalculator
	spotPrices   SpotPriceSource
	availability AvailabilityChecker
	txAttempts   int
	txBackoff    time.Duration
}

// CreateInput is a booking request.
type CreateInput struct {
	UserID   UserID
	GPUType  GPUType
	Start    time.Time
	End      time.Time
	GPUCount int
	Metadata MetadataJSON
}

// CreateResult carries the stored reservation, its price quote and the funding grants.
type CreateResult struct {
	Reservation Reservation
	Quote       Quote
	Mutations   []GrantMutation
}

// CancelResult carries the cancelled reservation and the refund it produced.
type CancelResult struct {
	Reservation    Reservation
	Refund         *CreditGrant
	RefundedAmount decimal.Decimal
	// ReleasedInstanceID is the instance that was running when an ACTIVE booking was cancelled.
	ReleasedInstanceID string
}

// FailResult carries the failed reservation and its refund.
type FailResult struct {
	Reservation    Reservation
	Refund         *CreditGrant
	RefundedAmount decimal.Decimal
}

// QuotePreview prices a window without booking it.
type QuotePreview struct {
	Quote     Quote
	Available bool
	Conflicts []ConflictSummary
}

// NewService wires a Service.
func NewService(store Store, ledger *Ledger, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:      store,
		ledger:     ledger,
		nowFn:      now,
		newID:      uuid.NewString,
		pricing:    NewPricingCalculator(decimal.Zero),
		spotPrices: StaticSpotPrices{},
		txAttempts: 1,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// WithOperationLogger wires a logger that receives callbacks for every lifecycle operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithSpotPrices sets the reference price source.
func WithSpotPrices(source SpotPriceSource) ServiceOption {
	return func(service *Service) {
		if source != nil {
			service.spotPrices = source
		}
	}
}

// WithPricingCalculator replaces the default calculator (fallback rate 1.0/h).
func WithPricingCalculator(calculator PricingCalculator) ServiceOption {
	return func(service *Service) {
		service.pricing = calculator
	}
}

// WithReservationIDGenerator replaces the uuid generator used for new reservations.
func WithReservationIDGenerator(generator func() string) ServiceOption {
	return func(service *Service) {
		if generator != nil {
			service.newID = generator
		}
	}
}

// WithTransactionRetry retries transactions failing with ErrTransientStore, waiting
// attempt*backoff between tries.
func WithTransactionRetry(attempts int, backoff time.Duration) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.txAttempts = attempts
		}
		if backoff > 0 {
			service.txBackoff = backoff
		}
	}
}

func (service *Service) now() time.Time {
	return time.Unix(service.nowFn(), 0).UTC()
}

// Create validates, checks availability, prices, checks the balance, inserts a PENDING
// reservation and locks its credits, all in one transaction.
func (service *Service) Create(ctx context.Context, input CreateInput) (CreateResult, error) {
	var result CreateResult
	reservationID := service.newID()
	operationError := func() error {
		window, err := service.validateCreate(input)
		if err != nil {
			return err
		}
		parsedReservationID, err := NewReservationID(reservationID)
		if err != nil {
			return err
		}
		return service.runTx(ctx, func(ctx context.Context, transactionStore Store) error {
			now := service.now()
			if err := transactionStore.LockGPUType(ctx, input.GPUType); err != nil {
				return err
			}
			available, err := service.availability.IsAvailable(ctx, transactionStore, input.GPUType, window, "")
			if err != nil {
				return err
			}
			if !available {
				return NewConflictError(input.GPUType, window)
			}
			quote := service.price(input.GPUType, window, input.GPUCount)
			balance, _, err := spendableGrants(ctx, transactionStore, input.UserID, now)
			if err != nil {
				return err
			}
			if balance.LessThan(quote.CreditsRequired) {
				return &InsufficientCreditsError{Required: quote.CreditsRequired, Available: balance}
			}
			reservation := Reservation{
				ID:                   parsedReservationID.String(),
				UserID:               input.UserID.String(),
				GPUType:              input.GPUType.String(),
				GPUCount:             input.GPUCount,
				StartTime:            window.Start,
				EndTime:              window.End,
				Status:               ReservationStatusPending,
				CreditsUsed:          quote.CreditsRequired,
				CreditsRefunded:      decimal.Zero,
				DiscountRate:         quote.DiscountRate,
				SpotPricePerHour:     quote.SpotPricePerHour,
				ReservedPricePerHour: quote.ReservedPricePerHour,
				Metadata:             input.Metadata.String(),
				CreatedAt:            now,
			}
			if err := transactionStore.InsertReservation(ctx, reservation); err != nil {
				return err
			}
			mutations, err := service.ledger.deductWithin(ctx, transactionStore, input.UserID, quote.CreditsRequired, parsedReservationID, now)
			if err != nil {
				return err
			}
			result = CreateResult{Reservation: reservation, Quote: quote, Mutations: mutations}
			return nil
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationCreate,
		UserID:        input.UserID.String(),
		ReservationID: reservationID,
		GPUType:       input.GPUType.String(),
		Amount:        result.Quote.CreditsRequired,
		Error:         operationError,
	})
	if operationError != nil {
		return CreateResult{}, operationError
	}
	return result, nil
}

// Activate records a successful allocation and makes the locked credits final.
func (service *Service) Activate(ctx context.Context, reservationID ReservationID, instanceID string, provider string) (Reservation, error) {
	var updated Reservation
	operationError := func() error {
		trimmedInstanceID := strings.TrimSpace(instanceID)
		if trimmedInstanceID == "" {
			return fmt.Errorf("%w: instance id is required", ErrInvalidInstanceID)
		}
		return service.runTx(ctx, func(ctx context.Context, transactionStore Store) error {
			reservation, err := transactionStore.GetReservation(ctx, reservationID)
			if err != nil {
				return err
			}
			from := reservation.Status
			if err := reservation.transitionTo(ReservationStatusActive); err != nil {
				return err
			}
			startedAt := service.now()
			reservation.StartedAt = &startedAt
			reservation.InstanceID = trimmedInstanceID
			reservation.Provider = strings.TrimSpace(provider)
			if err := transactionStore.UpdateReservation(ctx, reservation, from); err != nil {
				return err
			}
			if err := service.ledger.consumeWithin(ctx, transactionStore, reservationID); err != nil {
				return err
			}
			updated = reservation
			return nil
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationActivate,
		UserID:        updated.UserID,
		ReservationID: reservationID.String(),
		GPUType:       updated.GPUType,
		Amount:        updated.CreditsUsed,
		Error:         operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return updated, nil
}

// Complete closes an ACTIVE reservation. Credits were already consumed on activation.
func (service *Service) Complete(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	var updated Reservation
	operationError := service.runTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		from := reservation.Status
		if err := reservation.transitionTo(ReservationStatusCompleted); err != nil {
			return err
		}
		completedAt := service.now()
		reservation.CompletedAt = &completedAt
		if err := transactionStore.UpdateReservation(ctx, reservation, from); err != nil {
			return err
		}
		updated = reservation
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationComplete,
		UserID:        updated.UserID,
		ReservationID: reservationID.String(),
		GPUType:       updated.GPUType,
		Error:         operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return updated, nil
}

// Cancel refunds a PENDING reservation in full and an ACTIVE one pro rata.
func (service *Service) Cancel(ctx context.Context, reservationID ReservationID, reason string) (CancelResult, error) {
	var result CancelResult
	operationError := service.runTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		from := reservation.Status
		if err := reservation.transitionTo(ReservationStatusCancelled); err != nil {
			return err
		}
		now := service.now()
		refund, err := service.ledger.refundWithin(ctx, transactionStore, reservation, from == ReservationStatusActive, now)
		if err != nil {
			return err
		}
		refunded := decimal.Zero
		if refund != nil {
			refunded = refund.Amount
		}
		releasedInstanceID := reservation.InstanceID
		reservation.CreditsRefunded = reservation.CreditsRefunded.Add(refunded)
		reservation.CancelledAt = &now
		reservation.CancellationReason = strings.TrimSpace(reason)
		reservation.InstanceID = ""
		reservation.Provider = ""
		if err := transactionStore.UpdateReservation(ctx, reservation, from); err != nil {
			return err
		}
		result = CancelResult{
			Reservation:        reservation,
			Refund:             refund,
			RefundedAmount:     refunded,
			ReleasedInstanceID: releasedInstanceID,
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCancel,
		UserID:        result.Reservation.UserID,
		ReservationID: reservationID.String(),
		GPUType:       result.Reservation.GPUType,
		Amount:        result.RefundedAmount,
		Error:         operationError,
	})
	if operationError != nil {
		return CancelResult{}, operationError
	}
	return result, nil
}

// Fail records an allocation failure and refunds the reservation in full.
func (service *Service) Fail(ctx context.Context, reservationID ReservationID, reason string) (FailResult, error) {
	var result FailResult
	operationError := service.runTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		from := reservation.Status
		if err := reservation.transitionTo(ReservationStatusFailed); err != nil {
			return err
		}
		refund, err := service.ledger.refundWithin(ctx, transactionStore, reservation, false, service.now())
		if err != nil {
			return err
		}
		refunded := decimal.Zero
		if refund != nil {
			refunded = refund.Amount
		}
		reservation.CreditsRefunded = reservation.CreditsRefunded.Add(refunded)
		reservation.FailureReason = strings.TrimSpace(reason)
		if err := transactionStore.UpdateReservation(ctx, reservation, from); err != nil {
			return err
		}
		result = FailResult{Reservation: reservation, Refund: refund, RefundedAmount: refunded}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationFail,
		UserID:        result.Reservation.UserID,
		ReservationID: reservationID.String(),
		GPUType:       result.Reservation.GPUType,
		Amount:        result.RefundedAmount,
		Error:         operationError,
	})
	if operationError != nil {
		return FailResult{}, operationError
	}
	return result, nil
}

// Ledger exposes the credit ledger backing the service.
func (service *Service) Ledger() *Ledger {
	return service.ledger
}

// GetUpcoming returns PENDING reservations starting no later than withinMinutes from now.
// Reservations whose start already passed stay in the result until they are activated or failed.
func (service *Service) GetUpcoming(ctx context.Context, withinMinutes int) ([]Reservation, error) {
	if withinMinutes < 0 {
		return nil, fmt.Errorf("%w: window must not be negative", ErrInvalidTimeWindow)
	}
	now := service.now()
	return service.store.ListPendingStartingBy(ctx, now.Add(time.Duration(withinMinutes)*time.Minute))
}

// CompleteDue completes every ACTIVE reservation whose end time has passed. Each completion
// commits on its own; failures are collected and the sweep continues.
func (service *Service) CompleteDue(ctx context.Context) (int, error) {
	due, err := service.store.ListActiveEndedBy(ctx, service.now())
	if err != nil {
		return 0, err
	}
	completed := 0
	var failures []error
	for _, reservation := range due {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		reservationID, err := NewReservationID(reservation.ID)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if _, err := service.Complete(ctx, reservationID); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			failures = append(failures, fmt.Errorf("complete %s: %w", reservation.ID, err))
			continue
		}
		completed++
	}
	return completed, errors.Join(failures...)
}

// Get loads one reservation.
func (service *Service) Get(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	return service.store.GetReservation(ctx, reservationID)
}

// ListForUser returns a user's reservations, newest first.
func (service *Service) ListForUser(ctx context.Context, userID UserID, limit int) ([]Reservation, error) {
	return service.store.ListUserReservations(ctx, userID, clampLimit(limit))
}

// Quote prices a window and reports whether it is currently free, without mutating anything.
func (service *Service) Quote(ctx context.Context, input CreateInput) (QuotePreview, error) {
	window, err := service.validateCreate(input)
	if err != nil {
		return QuotePreview{}, err
	}
	conflicts, err := service.availability.Conflicts(ctx, service.store, input.GPUType, window)
	if err != nil {
		return QuotePreview{}, err
	}
	return QuotePreview{
		Quote:     service.price(input.GPUType, window, input.GPUCount),
		Available: len(conflicts) == 0,
		Conflicts: conflicts,
	}, nil
}

// Conflicts lists blocking reservations overlapping a window.
func (service *Service) Conflicts(ctx context.Context, gpuType GPUType, start time.Time, end time.Time) ([]ConflictSummary, error) {
	window, err := NewTimeWindow(start, end)
	if err != nil {
		return nil, err
	}
	return service.availability.Conflicts(ctx, service.store, gpuType, window)
}

func (service *Service) validateCreate(input CreateInput) (TimeWindow, error) {
	if input.UserID.String() == "" {
		return TimeWindow{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if input.GPUType.String() == "" {
		return TimeWindow{}, fmt.Errorf("%w: empty value", ErrInvalidGPUType)
	}
	if input.GPUCount < 1 {
		return TimeWindow{}, fmt.Errorf("%w: must be at least 1, got %d", ErrInvalidGPUCount, input.GPUCount)
	}
	window, err := NewTimeWindow(input.Start, input.End)
	if err != nil {
		return TimeWindow{}, err
	}
	if window.Start.Before(service.now()) {
		return TimeWindow{}, fmt.Errorf("%w: start %s is in the past", ErrInvalidTimeWindow, window.Start.Format(time.RFC3339))
	}
	return window, nil
}

func (service *Service) price(gpuType GPUType, window TimeWindow, count int) Quote {
	spotRate, _ := service.spotPrices.SpotPrice(gpuType)
	return service.pricing.Calculate(gpuType, window, count, spotRate)
}

func (service *Service) runTx(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) error {
	var err error
	for attempt := 1; attempt <= service.txAttempts; attempt++ {
		err = service.store.WithTx(ctx, fn)
		if err == nil || !errors.Is(err, ErrTransientStore) || attempt == service.txAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt) * service.txBackoff):
		}
	}
	return err
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	emitOperation(ctx, service.logger, entry)
}
