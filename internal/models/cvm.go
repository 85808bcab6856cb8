package models

import "time"

// CvmStatus tracks a confidential VM on the second compute market.
type CvmStatus string

const (
	CvmStatusCreating CvmStatus = "creating"
	CvmStatusRunning  CvmStatus = "running"
	CvmStatusStopped  CvmStatus = "stopped"
	CvmStatusFailed   CvmStatus = "failed"
	CvmStatusDeleted  CvmStatus = "deleted"
)

// Terminal reports whether the status is a terminal marker.
func (s CvmStatus) Terminal() bool {
	return s == CvmStatusDeleted || s == CvmStatusFailed
}

// CvmDeployment is one confidential VM on the CVM host. Billing is
// pay-as-you-go per elapsed hour; there is no escrow row.
type CvmDeployment struct {
	ID uint `gorm:"primaryKey" json:"id"`
	// ReferenceID is the stable external identifier handed to callers.
	ReferenceID    string `gorm:"index;size:36" json:"reference_id"`
	ServiceID      string `gorm:"index;not null" json:"service_id"`
	OrganizationID string `gorm:"index;not null" json:"organization_id"`

	// AppID holds a placeholder until the create call returns the real
	// external identifier.
	AppID string `gorm:"index" json:"app_id"`

	ComposeSpec string `gorm:"type:text" json:"compose_spec"`
	// EnvVarNames records which environment variables were supplied.
	// Values are never persisted.
	EnvVarNames StringList `gorm:"type:text" json:"env_var_names"`
	Size        string     `json:"size"`

	URL string `json:"url,omitempty"`

	// Billing context resolved once at create time and frozen.
	BillingAccountID string  `json:"billing_account_id"`
	HourlyRateCents  int64   `gorm:"not null" json:"hourly_rate_cents"`
	MarkupRate       float64 `gorm:"not null" json:"markup_rate"`
	BilledCents      int64   `gorm:"not null;default:0" json:"billed_cents"`

	Status       CvmStatus `gorm:"default:creating;index" json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`

	ActiveAt     *time.Time `json:"active_at,omitempty"`
	LastBilledAt *time.Time `json:"last_billed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
