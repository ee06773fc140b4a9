package booking

import "time"

const (
	operationCreate   = "create"
	operationActivate = "activate"
	operationComplete = "complete"
	operationCancel   = "cancel"
	operationFail     = "fail"
	operationGrant    = "grant"
	operationDeduct   = "deduct"
	operationRefund   = "refund"
	operationExpire   = "expire"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	operationLedger = "ledger"
	subjectGrant    = "grant"

	codeStateInvariant = "state_invariant"

	// DiscountMinPercent applies to bookings of one hour or less.
	DiscountMinPercent = 10
	// DiscountMaxPercent applies to bookings of one week or more.
	DiscountMaxPercent = 20
	discountFloorHours = 1
	discountCeilHours  = 168

	// DefaultFallbackSpotRate is charged per GPU hour when no reference price is known.
	DefaultFallbackSpotRate = "1.0"

	creditDecimalPlaces = 2

	MinReservationDuration = time.Hour
	MaxReservationDuration = 30 * 24 * time.Hour

	DefaultRefundTTL   = 30 * 24 * time.Hour
	DefaultPurchaseTTL = 365 * 24 * time.Hour

	defaultListLimit = 50
	maxListLimit     = 500
)
