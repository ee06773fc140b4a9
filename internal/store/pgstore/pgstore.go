package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/gpureserve/pkg/booking"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	constraintReservationPrimary = "reservations_pkey"
	advisoryLockPrefix           = "gpu_type:"
	pgUniqueViolationCode        = "23505"
	pgExclusionViolationCode     = "23P01"
	pgSerializationFailureCode   = "40001"
	pgDeadlockDetectedCode       = "40P01"
	pgLockNotAvailableCode       = "55P03"
	errorOperationStore          = "store"
	errorSubjectGrant            = "grant"
	errorSubjectLock             = "lock"
	errorSubjectReservation      = "reservation"
	errorSubjectTransaction      = "transaction"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeExpire              = "expire"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLock                = "lock"
	errorCodeUpdate              = "update"

	reservationColumns = `
		id, user_id, gpu_type, gpu_count, start_time, end_time, status,
		credits_used::text, credits_refunded::text, discount_rate,
		spot_price_per_hour::text, reserved_price_per_hour::text,
		coalesce(instance_id,''), coalesce(provider,''), metadata::text,
		created_at, started_at, completed_at, cancelled_at,
		cancellation_reason, failure_reason
	`

	grantColumns = `
		id, user_id, amount::text, original_amount::text, status,
		coalesce(reservation_id,''), transaction_type, coalesce(parent_credit_id,''),
		description, created_at, expires_at, expired_at
	`

	sqlLockGPUType = `select pg_advisory_xact_lock(hashtext($1))`

	sqlInsertReservation = `
		insert into reservations(
			id, user_id, gpu_type, gpu_count, start_time, end_time, status,
			credits_used, credits_refunded, discount_rate, spot_price_per_hour, reserved_price_per_hour,
			instance_id, provider, metadata, created_at, started_at, completed_at, cancelled_at,
			cancellation_reason, failure_reason
		)
		values(
			$1, $2, $3, $4, $5, $6, $7,
			$8::text::numeric, $9::text::numeric, $10, $11::text::numeric, $12::text::numeric,
			nullif($13,''), nullif($14,''), coalesce(nullif($15,''),'{}')::jsonb, $16, $17, $18, $19,
			$20, $21
		)
	`

	sqlSelectReservation = `select ` + reservationColumns + ` from reservations where id = $1`

	sqlUpdateReservation = `
		update reservations
		set status = $3,
			credits_refunded = $4::text::numeric,
			instance_id = nullif($5,''),
			provider = nullif($6,''),
			started_at = $7,
			completed_at = $8,
			cancelled_at = $9,
			cancellation_reason = $10,
			failure_reason = $11
		where id = $1 and status = $2
	`

	sqlListOverlapping = `
		select ` + reservationColumns + ` from reservations
		where gpu_type = $1 and status in ('PENDING','ACTIVE')
		and start_time < $3 and end_time > $2
		order by start_time asc
	`

	sqlListPendingStartingBy = `
		select ` + reservationColumns + ` from reservations
		where status = 'PENDING' and start_time <= $1
		order by start_time asc
	`

	sqlListActiveEndedBy = `
		select ` + reservationColumns + ` from reservations
		where status = 'ACTIVE' and end_time <= $1
		order by end_time asc
	`

	sqlListUserReservations = `
		select ` + reservationColumns + ` from reservations
		where user_id = $1
		order by start_time desc, id asc
		limit $2
	`

	sqlInsertGrant = `
		insert into reservation_credits(
			id, user_id, amount, original_amount, status, reservation_id, transaction_type,
			parent_credit_id, description, created_at, expires_at, expired_at
		)
		values($1, $2, $3::text::numeric, $4::text::numeric, $5, nullif($6,''), $7, nullif($8,''), $9, $10, $11, $12)
	`

	sqlListSpendableGrants = `
		select ` + grantColumns + ` from reservation_credits
		where user_id = $1 and status = 'AVAILABLE' and expires_at > $2 and amount > 0
		order by expires_at asc, id asc
	`

	sqlListReservationGrants = `
		select ` + grantColumns + ` from reservation_credits
		where reservation_id = $1 and status = $2
		order by id asc
	`

	sqlUpdateGrant = `
		update reservation_credits
		set amount = $3::text::numeric, status = $4, reservation_id = nullif($5,''), expired_at = $6
		where id = $1 and status = $2
	`

	sqlExpireGrants = `
		update reservation_credits
		set status = 'EXPIRED', expired_at = $1
		where status = 'AVAILABLE' and expires_at <= $1
	`

	sqlListGrants = `
		select ` + grantColumns + ` from reservation_credits
		where user_id = $1
		order by created_at desc, id asc
		limit $2
	`

	sqlForUpdate = ` for update`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements booking.Store using a pgx connection pool (autocommit).
type Store struct {
	pgQueries
	pool *pgxpool.Pool
}

// TxStore implements booking.Store for an active transaction. Reads lock the rows they return.
type TxStore struct {
	pgQueries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pgQueries: pgQueries{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, classify(err))
	}
	transactionStore := &TxStore{pgQueries: pgQueries{db: tx, lockRows: true}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, classify(err))
	}
	return nil
}

// WithTx reuses the running transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	return fn(ctx, store)
}

type pgQueries struct {
	db       querier
	lockRows bool
}

func (queries pgQueries) LockGPUType(ctx context.Context, gpuType booking.GPUType) error {
	if _, err := queries.db.Exec(ctx, sqlLockGPUType, advisoryLockPrefix+gpuType.String()); err != nil {
		return wrapStoreError(errorSubjectLock, errorCodeLock, classify(err))
	}
	return nil
}

func (queries pgQueries) InsertReservation(ctx context.Context, reservation booking.Reservation) error {
	_, err := queries.db.Exec(ctx, sqlInsertReservation,
		reservation.ID,
		reservation.UserID,
		reservation.GPUType,
		reservation.GPUCount,
		reservation.StartTime.UTC(),
		reservation.EndTime.UTC(),
		reservation.Status.String(),
		reservation.CreditsUsed.String(),
		reservation.CreditsRefunded.String(),
		reservation.DiscountRate,
		reservation.SpotPricePerHour.String(),
		reservation.ReservedPricePerHour.String(),
		reservation.InstanceID,
		reservation.Provider,
		reservation.Metadata,
		reservation.CreatedAt.UTC(),
		reservation.StartedAt,
		reservation.CompletedAt,
		reservation.CancelledAt,
		reservation.CancellationReason,
		reservation.FailureReason,
	)
	if isReservationDuplicate(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, booking.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, classify(err))
	}
	return nil
}

func (queries pgQueries) GetReservation(ctx context.Context, reservationID booking.ReservationID) (booking.Reservation, error) {
	query := sqlSelectReservation
	if queries.lockRows {
		query += sqlForUpdate
	}
	reservation, err := scanReservation(queries.db.QueryRow(ctx, query, reservationID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, booking.ErrUnknownReservation)
		}
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, classify(err))
	}
	return reservation, nil
}

func (queries pgQueries) UpdateReservation(ctx context.Context, reservation booking.Reservation, from booking.ReservationStatus) error {
	tag, err := queries.db.Exec(ctx, sqlUpdateReservation,
		reservation.ID,
		from.String(),
		reservation.Status.String(),
		reservation.CreditsRefunded.String(),
		reservation.InstanceID,
		reservation.Provider,
		reservation.StartedAt,
		reservation.CompletedAt,
		reservation.CancelledAt,
		reservation.CancellationReason,
		reservation.FailureReason,
	)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, booking.ErrReservationStateChanged)
	}
	return nil
}

func (queries pgQueries) ListOverlappingReservations(ctx context.Context, gpuType booking.GPUType, window booking.TimeWindow) ([]booking.Reservation, error) {
	return queries.listReservations(ctx, sqlListOverlapping, gpuType.String(), window.Start.UTC(), window.End.UTC())
}

func (queries pgQueries) ListPendingStartingBy(ctx context.Context, at time.Time) ([]booking.Reservation, error) {
	return queries.listReservations(ctx, sqlListPendingStartingBy, at.UTC())
}

func (queries pgQueries) ListActiveEndedBy(ctx context.Context, at time.Time) ([]booking.Reservation, error) {
	return queries.listReservations(ctx, sqlListActiveEndedBy, at.UTC())
}

func (queries pgQueries) ListUserReservations(ctx context.Context, userID booking.UserID, limit int) ([]booking.Reservation, error) {
	return queries.listReservations(ctx, sqlListUserReservations, userID.String(), limit)
}

func (queries pgQueries) InsertGrant(ctx context.Context, grant booking.CreditGrant) error {
	_, err := queries.db.Exec(ctx, sqlInsertGrant,
		grant.ID,
		grant.UserID,
		grant.Amount.String(),
		grant.OriginalAmount.String(),
		grant.Status.String(),
		grant.ReservationID,
		grant.TransactionType.String(),
		grant.ParentCreditID,
		grant.Description,
		grant.CreatedAt.UTC(),
		grant.ExpiresAt.UTC(),
		grant.ExpiredAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeInsert, classify(err))
	}
	return nil
}

func (queries pgQueries) ListSpendableGrants(ctx context.Context, userID booking.UserID, at time.Time) ([]booking.CreditGrant, error) {
	return queries.listGrants(ctx, queries.locking(sqlListSpendableGrants), userID.String(), at.UTC())
}

func (queries pgQueries) ListReservationGrants(ctx context.Context, reservationID booking.ReservationID, status booking.GrantStatus) ([]booking.CreditGrant, error) {
	return queries.listGrants(ctx, queries.locking(sqlListReservationGrants), reservationID.String(), status.String())
}

func (queries pgQueries) UpdateGrant(ctx context.Context, grant booking.CreditGrant, from booking.GrantStatus) error {
	tag, err := queries.db.Exec(ctx, sqlUpdateGrant,
		grant.ID,
		from.String(),
		grant.Amount.String(),
		grant.Status.String(),
		grant.ReservationID,
		grant.ExpiredAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate,
			fmt.Errorf("%w: grant %s is no longer %s", booking.ErrGrantStateInvariant, grant.ID, from))
	}
	return nil
}

func (queries pgQueries) ExpireGrants(ctx context.Context, at time.Time) (int64, error) {
	tag, err := queries.db.Exec(ctx, sqlExpireGrants, at.UTC())
	if err != nil {
		return 0, wrapStoreError(errorSubjectGrant, errorCodeExpire, classify(err))
	}
	return tag.RowsAffected(), nil
}

func (queries pgQueries) ListGrants(ctx context.Context, userID booking.UserID, limit int) ([]booking.CreditGrant, error) {
	return queries.listGrants(ctx, sqlListGrants, userID.String(), limit)
}

func (queries pgQueries) locking(query string) string {
	if queries.lockRows {
		return query + sqlForUpdate
	}
	return query
}

func (queries pgQueries) listReservations(ctx context.Context, query string, args ...any) ([]booking.Reservation, error) {
	rows, err := queries.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, classify(err))
	}
	defer rows.Close()
	var reservations []booking.Reservation
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, classify(err))
	}
	return reservations, nil
}

func (queries pgQueries) listGrants(ctx context.Context, query string, args ...any) ([]booking.CreditGrant, error) {
	rows, err := queries.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, classify(err))
	}
	defer rows.Close()
	var grants []booking.CreditGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, classify(err))
	}
	return grants, nil
}

func scanReservation(row pgx.Row) (booking.Reservation, error) {
	var (
		reservation          booking.Reservation
		status               string
		creditsUsed          string
		creditsRefunded      string
		spotPricePerHour     string
		reservedPricePerHour string
	)
	err := row.Scan(
		&reservation.ID,
		&reservation.UserID,
		&reservation.GPUType,
		&reservation.GPUCount,
		&reservation.StartTime,
		&reservation.EndTime,
		&status,
		&creditsUsed,
		&creditsRefunded,
		&reservation.DiscountRate,
		&spotPricePerHour,
		&reservedPricePerHour,
		&reservation.InstanceID,
		&reservation.Provider,
		&reservation.Metadata,
		&reservation.CreatedAt,
		&reservation.StartedAt,
		&reservation.CompletedAt,
		&reservation.CancelledAt,
		&reservation.CancellationReason,
		&reservation.FailureReason,
	)
	if err != nil {
		return booking.Reservation{}, err
	}
	if reservation.Status, err = booking.ParseReservationStatus(status); err != nil {
		return booking.Reservation{}, err
	}
	decimals := []struct {
		raw    string
		target *decimal.Decimal
	}{
		{raw: creditsUsed, target: &reservation.CreditsUsed},
		{raw: creditsRefunded, target: &reservation.CreditsRefunded},
		{raw: spotPricePerHour, target: &reservation.SpotPricePerHour},
		{raw: reservedPricePerHour, target: &reservation.ReservedPricePerHour},
	}
	for _, field := range decimals {
		value, err := decimal.NewFromString(field.raw)
		if err != nil {
			return booking.Reservation{}, err
		}
		*field.target = value
	}
	reservation.StartTime = reservation.StartTime.UTC()
	reservation.EndTime = reservation.EndTime.UTC()
	reservation.CreatedAt = reservation.CreatedAt.UTC()
	reservation.StartedAt = utcPointer(reservation.StartedAt)
	reservation.CompletedAt = utcPointer(reservation.CompletedAt)
	reservation.CancelledAt = utcPointer(reservation.CancelledAt)
	return reservation, nil
}

func scanGrant(row pgx.Row) (booking.CreditGrant, error) {
	var (
		grant           booking.CreditGrant
		amount          string
		originalAmount  string
		status          string
		transactionType string
	)
	err := row.Scan(
		&grant.ID,
		&grant.UserID,
		&amount,
		&originalAmount,
		&status,
		&grant.ReservationID,
		&transactionType,
		&grant.ParentCreditID,
		&grant.Description,
		&grant.CreatedAt,
		&grant.ExpiresAt,
		&grant.ExpiredAt,
	)
	if err != nil {
		return booking.CreditGrant{}, err
	}
	if grant.Amount, err = decimal.NewFromString(amount); err != nil {
		return booking.CreditGrant{}, err
	}
	if grant.OriginalAmount, err = decimal.NewFromString(originalAmount); err != nil {
		return booking.CreditGrant{}, err
	}
	if grant.Status, err = booking.ParseGrantStatus(status); err != nil {
		return booking.CreditGrant{}, err
	}
	if grant.TransactionType, err = booking.ParseTransactionType(transactionType); err != nil {
		return booking.CreditGrant{}, err
	}
	grant.CreatedAt = grant.CreatedAt.UTC()
	grant.ExpiresAt = grant.ExpiresAt.UTC()
	grant.ExpiredAt = utcPointer(grant.ExpiredAt)
	return grant, nil
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	normalized := value.UTC()
	return &normalized
}

func wrapStoreError(subject string, code string, err error) error {
	return booking.WrapError(errorOperationStore, subject, code, err)
}

// classify maps postgres failures onto booking sentinels callers branch on.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgExclusionViolationCode:
		return fmt.Errorf("%w: %s", booking.ErrReservationConflict, pgErr.Message)
	case pgSerializationFailureCode, pgDeadlockDetectedCode, pgLockNotAvailableCode:
		return fmt.Errorf("%w: %w", booking.ErrTransientStore, err)
	}
	return err
}

func isReservationDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintReservationPrimary
	}
	return false
}
