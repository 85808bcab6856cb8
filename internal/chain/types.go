package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderID addresses an on-chain deployment order.
type OrderID struct {
	Owner string `json:"owner"`
	DSeq  uint64 `json:"dseq"`
}

// LeaseID addresses a lease within a deployment order.
type LeaseID struct {
	Owner    string `json:"owner"`
	DSeq     uint64 `json:"dseq"`
	GSeq     uint32 `json:"gseq"`
	OSeq     uint32 `json:"oseq"`
	Provider string `json:"provider"`
}

// Bid is a provider's offer to run a workload at a stated price per block,
// submitted against an open order.
type Bid struct {
	Provider string          `json:"provider"`
	GSeq     uint32          `json:"gseq"`
	OSeq     uint32          `json:"oseq"`
	Price    decimal.Decimal `json:"price"` // native-token units per block
}

// DeploymentInfo is the chain's view of a deployment order.
type DeploymentInfo struct {
	OrderID OrderID `json:"order_id"`
	State   string  `json:"state"`
}

// Client is the request/response chain boundary the orchestrator drives.
// Implementations must not stream.
type Client interface {
	// BlockHeight returns the current chain height. The orchestrator uses
	// it as the dseq for new orders.
	BlockHeight(ctx context.Context) (uint64, error)
	// SubmitOrder opens a procurement order with an escrow deposit in
	// native tokens.
	SubmitOrder(ctx context.Context, id OrderID, manifest string, depositTokens string) error
	// ListBids returns all open bids against the order.
	ListBids(ctx context.Context, id OrderID) ([]Bid, error)
	// CreateLease accepts a bid, binding the provider to the workload.
	CreateLease(ctx context.Context, id LeaseID) error
	// GetDeployment queries the chain's record of an order.
	GetDeployment(ctx context.Context, id OrderID) (*DeploymentInfo, error)
	// CloseDeployment closes the order and releases its on-chain escrow.
	CloseDeployment(ctx context.Context, id OrderID) error
}

// ProviderGateway is the winning provider's own API, authenticated with a
// client certificate derived from the orchestrator's chain identity.
type ProviderGateway interface {
	// SubmitManifest sends the workload manifest to the provider.
	SubmitManifest(ctx context.Context, id LeaseID, manifest string) error
	// LeaseStatus returns per-service externally reachable URIs. The map
	// may be empty while the provider has not yet published ingress.
	LeaseStatus(ctx context.Context, id LeaseID) (map[string][]string, error)
}
