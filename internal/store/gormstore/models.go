package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Reservation mirrors the reservations table.
type Reservation struct {
	ID                   string          `gorm:"column:id;primaryKey;size:64"`
	UserID               string          `gorm:"column:user_id;not null;index:idx_reservations_user_start,priority:1"`
	GPUType              string          `gorm:"column:gpu_type;not null;index:idx_reservations_gpu_window,priority:1"`
	GPUCount             int             `gorm:"column:gpu_count;not null"`
	StartTime            time.Time       `gorm:"column:start_time;not null;index:idx_reservations_gpu_window,priority:2;index:idx_reservations_user_start,priority:2"`
	EndTime              time.Time       `gorm:"column:end_time;not null;index:idx_reservations_gpu_window,priority:3"`
	Status               string          `gorm:"column:status;not null;index:idx_reservations_status_end,priority:1"`
	CreditsUsed          decimal.Decimal `gorm:"column:credits_used;type:numeric(18,2);not null"`
	CreditsRefunded      decimal.Decimal `gorm:"column:credits_refunded;type:numeric(18,2);not null"`
	DiscountRate         int             `gorm:"column:discount_rate;not null"`
	SpotPricePerHour     decimal.Decimal `gorm:"column:spot_price_per_hour;type:numeric(18,6);not null"`
	ReservedPricePerHour decimal.Decimal `gorm:"column:reserved_price_per_hour;type:numeric(18,6);not null"`
	InstanceID           *string         `gorm:"column:instance_id"`
	Provider             *string         `gorm:"column:provider"`
	Metadata             datatypes.JSON  `gorm:"column:metadata;not null"`
	CreatedAt            time.Time       `gorm:"column:created_at;not null"`
	StartedAt            *time.Time      `gorm:"column:started_at"`
	CompletedAt          *time.Time      `gorm:"column:completed_at;index:idx_reservations_status_end,priority:2"`
	CancelledAt          *time.Time      `gorm:"column:cancelled_at"`
	CancellationReason   string          `gorm:"column:cancellation_reason;not null;default:''"`
	FailureReason        string          `gorm:"column:failure_reason;not null;default:''"`
}

func (Reservation) TableName() string { return "reservations" }

// CreditGrant mirrors the reservation_credits table.
type CreditGrant struct {
	ID              string          `gorm:"column:id;primaryKey;size:64"`
	UserID          string          `gorm:"column:user_id;not null;index:idx_credits_user_status_expiry,priority:1"`
	Amount          decimal.Decimal `gorm:"column:amount;type:numeric(18,2);not null"`
	OriginalAmount  decimal.Decimal `gorm:"column:original_amount;type:numeric(18,2);not null"`
	Status          string          `gorm:"column:status;not null;index:idx_credits_user_status_expiry,priority:2;index:idx_credits_status_expiry,priority:1"`
	ReservationID   *string         `gorm:"column:reservation_id;index"`
	TransactionType string          `gorm:"column:transaction_type;not null"`
	ParentCreditID  *string         `gorm:"column:parent_credit_id"`
	Description     string          `gorm:"column:description;not null;default:''"`
	CreatedAt       time.Time       `gorm:"column:created_at;not null"`
	ExpiresAt       time.Time       `gorm:"column:expires_at;not null;index:idx_credits_user_status_expiry,priority:3;index:idx_credits_status_expiry,priority:2"`
	ExpiredAt       *time.Time      `gorm:"column:expired_at"`
}

func (CreditGrant) TableName() string { return "reservation_credits" }

// Models lists every table managed by AutoMigrate.
func Models() []interface{} {
	return []interface{}{&Reservation{}, &CreditGrant{}}
}
