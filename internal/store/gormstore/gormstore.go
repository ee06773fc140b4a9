package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/gpureserve/pkg/booking"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintReservationPrimary = "reservations_pkey"
	defaultMetadataJSON          = "{}"
	dialectPostgres              = "postgres"
	advisoryLockPrefix           = "gpu_type:"
	pgUniqueViolationCode        = "23505"
	pgExclusionViolationCode     = "23P01"
	pgSerializationFailureCode   = "40001"
	pgDeadlockDetectedCode       = "40P01"
	pgLockNotAvailableCode       = "55P03"
	sqliteConstraintCode         = 19
	sqliteBusyCode               = 5
	sqliteLockedCode             = 6
	errorOperationStore          = "store"
	errorSubjectGrant            = "grant"
	errorSubjectLock             = "lock"
	errorSubjectReservation      = "reservation"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeExpire              = "expire"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLock                = "lock"
	errorCodeUpdate              = "update"
)

// Store implements booking.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the tables. The postgres exclusion constraint is not
// expressible through GORM and is applied by the pgstore migrations instead.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if isTransient(err) {
		return fmt.Errorf("%w: %w", booking.ErrTransientStore, err)
	}
	return err
}

// LockGPUType takes a transaction-scoped advisory lock on postgres. SQLite serializes writers
// on its own, so the call is a no-op there.
func (store *Store) LockGPUType(ctx context.Context, gpuType booking.GPUType) error {
	if store.db.Dialector.Name() != dialectPostgres {
		return nil
	}
	err := store.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", advisoryLockPrefix+gpuType.String()).Error
	if err != nil {
		return wrapStoreError(errorSubjectLock, errorCodeLock, classify(err))
	}
	return nil
}

func (store *Store) InsertReservation(ctx context.Context, reservation booking.Reservation) error {
	model := Reservation{
		ID:                   reservation.ID,
		UserID:               reservation.UserID,
		GPUType:              reservation.GPUType,
		GPUCount:             reservation.GPUCount,
		StartTime:            reservation.StartTime.UTC(),
		EndTime:              reservation.EndTime.UTC(),
		Status:               reservation.Status.String(),
		CreditsUsed:          reservation.CreditsUsed,
		CreditsRefunded:      reservation.CreditsRefunded,
		DiscountRate:         reservation.DiscountRate,
		SpotPricePerHour:     reservation.SpotPricePerHour,
		ReservedPricePerHour: reservation.ReservedPricePerHour,
		InstanceID:           optionalString(reservation.InstanceID),
		Provider:             optionalString(reservation.Provider),
		Metadata:             datatypesJSON(reservation.Metadata),
		CreatedAt:            reservation.CreatedAt.UTC(),
		StartedAt:            optionalTime(reservation.StartedAt),
		CompletedAt:          optionalTime(reservation.CompletedAt),
		CancelledAt:          optionalTime(reservation.CancelledAt),
		CancellationReason:   reservation.CancellationReason,
		FailureReason:        reservation.FailureReason,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isReservationDuplicate(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, booking.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, classify(err))
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID booking.ReservationID) (booking.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", reservationID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, booking.ErrUnknownReservation)
		}
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, classify(err))
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservation(ctx context.Context, reservation booking.Reservation, from booking.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("id = ? AND status = ?", reservation.ID, from.String()).
		Updates(map[string]interface{}{
			"status":              reservation.Status.String(),
			"credits_refunded":    reservation.CreditsRefunded,
			"instance_id":         optionalString(reservation.InstanceID),
			"provider":            optionalString(reservation.Provider),
			"started_at":          optionalTime(reservation.StartedAt),
			"completed_at":        optionalTime(reservation.CompletedAt),
			"cancelled_at":        optionalTime(reservation.CancelledAt),
			"cancellation_reason": reservation.CancellationReason,
			"failure_reason":      reservation.FailureReason,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, booking.ErrReservationStateChanged)
	}
	return nil
}

func (store *Store) ListOverlappingReservations(ctx context.Context, gpuType booking.GPUType, window booking.TimeWindow) ([]booking.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("gpu_type = ? AND status IN ?", gpuType.String(), blockingStatuses()).
		Where("start_time < ? AND end_time > ?", window.End.UTC(), window.Start.UTC()).
		Order("start_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, classify(err))
	}
	return mapReservations(rows)
}

func (store *Store) ListPendingStartingBy(ctx context.Context, at time.Time) ([]booking.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("status = ? AND start_time <= ?", booking.ReservationStatusPending.String(), at.UTC()).
		Order("start_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, classify(err))
	}
	return mapReservations(rows)
}

func (store *Store) ListActiveEndedBy(ctx context.Context, at time.Time) ([]booking.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("status = ? AND end_time <= ?", booking.ReservationStatusActive.String(), at.UTC()).
		Order("end_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, classify(err))
	}
	return mapReservations(rows)
}

func (store *Store) ListUserReservations(ctx context.Context, userID booking.UserID, limit int) ([]booking.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("start_time DESC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, classify(err))
	}
	return mapReservations(rows)
}

func (store *Store) InsertGrant(ctx context.Context, grant booking.CreditGrant) error {
	model := CreditGrant{
		ID:              grant.ID,
		UserID:          grant.UserID,
		Amount:          grant.Amount,
		OriginalAmount:  grant.OriginalAmount,
		Status:          grant.Status.String(),
		ReservationID:   optionalString(grant.ReservationID),
		TransactionType: grant.TransactionType.String(),
		ParentCreditID:  optionalString(grant.ParentCreditID),
		Description:     grant.Description,
		CreatedAt:       grant.CreatedAt.UTC(),
		ExpiresAt:       grant.ExpiresAt.UTC(),
		ExpiredAt:       optionalTime(grant.ExpiredAt),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeInsert, classify(err))
	}
	return nil
}

func (store *Store) ListSpendableGrants(ctx context.Context, userID booking.UserID, at time.Time) ([]booking.CreditGrant, error) {
	var rows []CreditGrant
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND status = ? AND expires_at > ? AND amount > 0", userID.String(), booking.GrantStatusAvailable.String(), at.UTC()).
		Order("expires_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, classify(err))
	}
	return mapGrants(rows)
}

func (store *Store) ListReservationGrants(ctx context.Context, reservationID booking.ReservationID, status booking.GrantStatus) ([]booking.CreditGrant, error) {
	var rows []CreditGrant
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reservation_id = ? AND status = ?", reservationID.String(), status.String()).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, classify(err))
	}
	return mapGrants(rows)
}

func (store *Store) UpdateGrant(ctx context.Context, grant booking.CreditGrant, from booking.GrantStatus) error {
	result := store.db.WithContext(ctx).
		Model(&CreditGrant{}).
		Where("id = ? AND status = ?", grant.ID, from.String()).
		Updates(map[string]interface{}{
			"amount":         grant.Amount,
			"status":         grant.Status.String(),
			"reservation_id": optionalString(grant.ReservationID),
			"expired_at":     optionalTime(grant.ExpiredAt),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate, classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate,
			fmt.Errorf("%w: grant %s is no longer %s", booking.ErrGrantStateInvariant, grant.ID, from))
	}
	return nil
}

func (store *Store) ExpireGrants(ctx context.Context, at time.Time) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditGrant{}).
		Where("status = ? AND expires_at <= ?", booking.GrantStatusAvailable.String(), at.UTC()).
		Updates(map[string]interface{}{
			"status":     booking.GrantStatusExpired.String(),
			"expired_at": at.UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectGrant, errorCodeExpire, classify(result.Error))
	}
	return result.RowsAffected, nil
}

func (store *Store) ListGrants(ctx context.Context, userID booking.UserID, limit int) ([]booking.CreditGrant, error) {
	var rows []CreditGrant
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, classify(err))
	}
	return mapGrants(rows)
}

func wrapStoreError(subject string, code string, err error) error {
	return booking.WrapError(errorOperationStore, subject, code, err)
}

func blockingStatuses() []string {
	return []string{booking.ReservationStatusPending.String(), booking.ReservationStatusActive.String()}
}

func mapReservations(rows []Reservation) ([]booking.Reservation, error) {
	reservations := make([]booking.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func mapReservation(row Reservation) (booking.Reservation, error) {
	status, err := booking.ParseReservationStatus(row.Status)
	if err != nil {
		return booking.Reservation{}, err
	}
	return booking.Reservation{
		ID:                   row.ID,
		UserID:               row.UserID,
		GPUType:              row.GPUType,
		GPUCount:             row.GPUCount,
		StartTime:            row.StartTime.UTC(),
		EndTime:              row.EndTime.UTC(),
		Status:               status,
		CreditsUsed:          roundCredits(row.CreditsUsed),
		CreditsRefunded:      roundCredits(row.CreditsRefunded),
		DiscountRate:         row.DiscountRate,
		SpotPricePerHour:     row.SpotPricePerHour,
		ReservedPricePerHour: row.ReservedPricePerHour,
		InstanceID:           stringOrEmpty(row.InstanceID),
		Provider:             stringOrEmpty(row.Provider),
		Metadata:             string(row.Metadata),
		CreatedAt:            row.CreatedAt.UTC(),
		StartedAt:            optionalTime(row.StartedAt),
		CompletedAt:          optionalTime(row.CompletedAt),
		CancelledAt:          optionalTime(row.CancelledAt),
		CancellationReason:   row.CancellationReason,
		FailureReason:        row.FailureReason,
	}, nil
}

func mapGrants(rows []CreditGrant) ([]booking.CreditGrant, error) {
	grants := make([]booking.CreditGrant, 0, len(rows))
	for _, row := range rows {
		grant, err := mapGrant(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
		}
		grants = append(grants, grant)
	}
	return grants, nil
}

func mapGrant(row CreditGrant) (booking.CreditGrant, error) {
	status, err := booking.ParseGrantStatus(row.Status)
	if err != nil {
		return booking.CreditGrant{}, err
	}
	transactionType, err := booking.ParseTransactionType(row.TransactionType)
	if err != nil {
		return booking.CreditGrant{}, err
	}
	return booking.CreditGrant{
		ID:              row.ID,
		UserID:          row.UserID,
		Amount:          roundCredits(row.Amount),
		OriginalAmount:  roundCredits(row.OriginalAmount),
		Status:          status,
		ReservationID:   stringOrEmpty(row.ReservationID),
		TransactionType: transactionType,
		ParentCreditID:  stringOrEmpty(row.ParentCreditID),
		Description:     row.Description,
		CreatedAt:       row.CreatedAt.UTC(),
		ExpiresAt:       row.ExpiresAt.UTC(),
		ExpiredAt:       optionalTime(row.ExpiredAt),
	}, nil
}

// roundCredits drops binary float noise sqlite can introduce into numeric columns.
func roundCredits(value decimal.Decimal) decimal.Decimal {
	return value.Round(2)
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func optionalTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	normalized := value.UTC()
	return &normalized
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// classify maps driver failures onto booking sentinels where callers need to branch on them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolationCode {
		return fmt.Errorf("%w: %s", booking.ErrReservationConflict, pgErr.Message)
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %w", booking.ErrTransientStore, err)
	}
	return err
}

func isTransient(err error) bool {
	if err == nil || errors.Is(err, booking.ErrTransientStore) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailureCode, pgDeadlockDetectedCode, pgLockNotAvailableCode:
			return true
		}
		return false
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}

func isReservationDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintReservationPrimary
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
