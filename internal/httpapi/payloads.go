package httpapi

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/gpureserve/pkg/booking"
	"github.com/shopspring/decimal"
)

const creditPlaces = 2

type createRequest struct {
	UserID    string          `json:"user_id"`
	GPUType   string          `json:"gpu_type"`
	GPUCount  *int            `json:"gpu_count"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Metadata  json.RawMessage `json:"metadata"`
}

type activateRequest struct {
	InstanceID string `json:"instance_id"`
	Provider   string `json:"provider"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type grantRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
	ExpiresAt   *time.Time      `json:"expires_at"`
	Description string          `json:"description"`
}

type reservationPayload struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"user_id"`
	GPUType              string          `json:"gpu_type"`
	GPUCount             int             `json:"gpu_count"`
	StartTime            time.Time       `json:"start_time"`
	EndTime              time.Time       `json:"end_time"`
	Status               string          `json:"status"`
	CreditsUsed          string          `json:"credits_used"`
	CreditsRefunded      string          `json:"credits_refunded"`
	DiscountRate         int             `json:"discount_rate"`
	SpotPricePerHour     string          `json:"spot_price_per_hour"`
	ReservedPricePerHour string          `json:"reserved_price_per_hour"`
	InstanceID           string          `json:"instance_id,omitempty"`
	Provider             string          `json:"provider,omitempty"`
	Metadata             json.RawMessage `json:"metadata"`
	CreatedAt            time.Time       `json:"created_at"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	CancelledAt          *time.Time      `json:"cancelled_at,omitempty"`
	CancellationReason   string          `json:"cancellation_reason,omitempty"`
	FailureReason        string          `json:"failure_reason,omitempty"`
}

type quotePayload struct {
	GPUType              string `json:"gpu_type"`
	GPUCount             int    `json:"gpu_count"`
	DurationHours        string `json:"duration_hours"`
	DiscountRate         int    `json:"discount_rate"`
	SpotPricePerHour     string `json:"spot_price_per_hour"`
	ReservedPricePerHour string `json:"reserved_price_per_hour"`
	SpotTotal            string `json:"spot_total"`
	ReservedTotal        string `json:"reserved_total"`
	CreditsRequired      string `json:"credits_required"`
	Warning              string `json:"warning,omitempty"`
}

type conflictPayload struct {
	ReservationID string    `json:"reservation_id"`
	GPUType       string    `json:"gpu_type"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Status        string    `json:"status"`
}

type grantPayload struct {
	ID              string     `json:"id"`
	Amount          string     `json:"amount"`
	OriginalAmount  string     `json:"original_amount"`
	Status          string     `json:"status"`
	TransactionType string     `json:"transaction_type"`
	ReservationID   string     `json:"reservation_id,omitempty"`
	ParentCreditID  string     `json:"parent_credit_id,omitempty"`
	Description     string     `json:"description,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ExpiredAt       *time.Time `json:"expired_at,omitempty"`
}

func credits(amount decimal.Decimal) string {
	return amount.StringFixed(creditPlaces)
}

func toReservationPayload(reservation booking.Reservation) reservationPayload {
	metadata := json.RawMessage(reservation.Metadata)
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	return reservationPayload{
		ID:                   reservation.ID,
		UserID:               reservation.UserID,
		GPUType:              reservation.GPUType,
		GPUCount:             reservation.GPUCount,
		StartTime:            reservation.StartTime,
		EndTime:              reservation.EndTime,
		Status:               reservation.Status.String(),
		CreditsUsed:          credits(reservation.CreditsUsed),
		CreditsRefunded:      credits(reservation.CreditsRefunded),
		DiscountRate:         reservation.DiscountRate,
		SpotPricePerHour:     reservation.SpotPricePerHour.String(),
		ReservedPricePerHour: reservation.ReservedPricePerHour.String(),
		InstanceID:           reservation.InstanceID,
		Provider:             reservation.Provider,
		Metadata:             metadata,
		CreatedAt:            reservation.CreatedAt,
		StartedAt:            reservation.StartedAt,
		CompletedAt:          reservation.CompletedAt,
		CancelledAt:          reservation.CancelledAt,
		CancellationReason:   reservation.CancellationReason,
		FailureReason:        reservation.FailureReason,
	}
}

func toReservationPayloads(reservations []booking.Reservation) []reservationPayload {
	payloads := make([]reservationPayload, 0, len(reservations))
	for _, reservation := range reservations {
		payloads = append(payloads, toReservationPayload(reservation))
	}
	return payloads
}

func toQuotePayload(quote booking.Quote) quotePayload {
	return quotePayload{
		GPUType:              quote.GPUType,
		GPUCount:             quote.GPUCount,
		DurationHours:        quote.DurationHours.String(),
		DiscountRate:         quote.DiscountRate,
		SpotPricePerHour:     quote.SpotPricePerHour.String(),
		ReservedPricePerHour: quote.ReservedPricePerHour.String(),
		SpotTotal:            credits(quote.SpotTotal),
		ReservedTotal:        credits(quote.ReservedTotal),
		CreditsRequired:      credits(quote.CreditsRequired),
		Warning:              quote.Warning,
	}
}

func toConflictPayloads(conflicts []booking.ConflictSummary) []conflictPayload {
	payloads := make([]conflictPayload, 0, len(conflicts))
	for _, conflict := range conflicts {
		payloads = append(payloads, conflictPayload{
			ReservationID: conflict.ReservationID,
			GPUType:       conflict.GPUType,
			StartTime:     conflict.StartTime,
			EndTime:       conflict.EndTime,
			Status:        conflict.Status.String(),
		})
	}
	return payloads
}

func toGrantPayload(grant booking.CreditGrant) grantPayload {
	return grantPayload{
		ID:              grant.ID,
		Amount:          credits(grant.Amount),
		OriginalAmount:  credits(grant.OriginalAmount),
		Status:          grant.Status.String(),
		TransactionType: grant.TransactionType.String(),
		ReservationID:   grant.ReservationID,
		ParentCreditID:  grant.ParentCreditID,
		Description:     grant.Description,
		CreatedAt:       grant.CreatedAt,
		ExpiresAt:       grant.ExpiresAt,
		ExpiredAt:       grant.ExpiredAt,
	}
}
