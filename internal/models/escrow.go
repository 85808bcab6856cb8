package models

import "time"

// EscrowStatus tracks the per-deployment USD sub-ledger.
type EscrowStatus string

const (
	EscrowStatusActive EscrowStatus = "active"
	EscrowStatusPaused EscrowStatus = "paused"
	// EscrowStatusDepleted means consumption reached the deposit and an
	// automatic top-up failed. The billing scheduler's threshold check
	// looks for this status.
	EscrowStatusDepleted EscrowStatus = "depleted"
	EscrowStatusRefunded EscrowStatus = "refunded"
)

// Escrow is the pre-funded USD sub-ledger for one auction-market
// deployment. Exactly one escrow exists per funded deployment.
// Invariant: ConsumedCents <= DepositCents after every settled transition.
type Escrow struct {
	ID           uint `gorm:"primaryKey" json:"id"`
	DeploymentID uint `gorm:"uniqueIndex;not null" json:"deployment_id"`

	BillingAccountID string `gorm:"not null" json:"billing_account_id"`

	DepositCents   int64 `gorm:"not null" json:"deposit_cents"`
	ConsumedCents  int64 `gorm:"not null;default:0" json:"consumed_cents"`
	DailyRateCents int64 `gorm:"not null" json:"daily_rate_cents"`
	// MarkupRate is the organization markup captured at funding time.
	MarkupRate float64 `gorm:"not null" json:"markup_rate"`

	Status        EscrowStatus `gorm:"default:active;index" json:"status"`
	RefundedCents int64        `gorm:"not null;default:0" json:"refunded_cents"`
	RefundedAt    *time.Time   `json:"refunded_at,omitempty"`

	LastBilledAt time.Time `gorm:"not null" json:"last_billed_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
