package models

import "time"

// DeploymentStatus tracks a market deployment through its procurement
// lifecycle.
type DeploymentStatus string

const (
	DeploymentStatusWaitingBids     DeploymentStatus = "waiting_bids"
	DeploymentStatusSelectingBid    DeploymentStatus = "selecting_bid"
	DeploymentStatusCreatingLease   DeploymentStatus = "creating_lease"
	DeploymentStatusSendingManifest DeploymentStatus = "sending_manifest"
	DeploymentStatusDeploying       DeploymentStatus = "deploying"
	DeploymentStatusActive          DeploymentStatus = "active"
	DeploymentStatusSuspended       DeploymentStatus = "suspended"
	DeploymentStatusClosed          DeploymentStatus = "closed"
	DeploymentStatusFailed          DeploymentStatus = "failed"
)

// Terminal reports whether the status is a terminal marker. Suspended
// deployments are not terminal: their manifest is retained for resume.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentStatusClosed || s == DeploymentStatusFailed
}

// Deployment is one procurement attempt on the auction market. Rows are
// never deleted; closed and failed are terminal markers.
type Deployment struct {
	ID uint `gorm:"primaryKey" json:"id"`
	// ReferenceID is the stable external identifier handed to callers.
	ReferenceID    string `gorm:"index;size:36" json:"reference_id"`
	ServiceID      string `gorm:"index;not null" json:"service_id"`
	OrganizationID string `gorm:"index;not null" json:"organization_id"`
	Owner          string `gorm:"not null" json:"owner"`

	// DSeq is assigned from the chain block height at creation time, so it
	// doubles as a coarse creation timestamp. Owner+DSeq identify the
	// on-chain deployment; GSeq/OSeq address the accepted lease within it.
	DSeq uint64 `gorm:"index" json:"dseq"`
	GSeq uint32 `json:"gseq"`
	OSeq uint32 `json:"oseq"`

	Provider      string `json:"provider"`
	PricePerBlock string `json:"price_per_block"` // native-token decimal string

	Manifest string `gorm:"type:text" json:"manifest"`
	// SavedManifest is retained only while the deployment is suspended so
	// it can be redeployed later.
	SavedManifest string `gorm:"type:text" json:"saved_manifest,omitempty"`

	// ServiceURIs maps service name to externally reachable URIs. Populated
	// asynchronously; may stay empty for minutes after activation.
	ServiceURIs JSON `gorm:"type:text" json:"service_uris"`

	Status       DeploymentStatus `gorm:"default:waiting_bids;index" json:"status"`
	ErrorMessage string           `json:"error_message,omitempty"`

	ActiveAt  *time.Time `json:"active_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	Escrow *Escrow `gorm:"foreignKey:DeploymentID" json:"escrow,omitempty"`
}
