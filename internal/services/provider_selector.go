package services

import (
	"errors"
	"sort"

	"github.com/parallax-cloud/compute-broker/internal/chain"
)

// ServiceCategory describes how a workload is reached, which constrains
// where it may be placed.
type ServiceCategory string

const (
	// CategoryProxy is the platform's own TLS-terminating inbound proxy.
	CategoryProxy ServiceCategory = "proxy"
	// CategoryStandalone is a workload reached directly at its own ingress.
	CategoryStandalone ServiceCategory = "standalone"
	// CategoryBackend is a workload reached through the platform proxy.
	CategoryBackend ServiceCategory = "backend"
)

// ErrNoSafeBids means the order received bids but every bidder is
// blocked. Distinct from receiving no bids at all.
var ErrNoSafeBids = errors.New("no safe bids available")

// AnnotatedBid is a bid with its placement-safety verdict.
type AnnotatedBid struct {
	chain.Bid
	Safe   bool
	Reason string
}

// ProviderSelector marks auction bids safe or unsafe and ranks the safe
// ones by price. Pure and synchronous; inputs are already-fetched bids.
type ProviderSelector interface {
	AnnotateBids(bids []chain.Bid, category ServiceCategory) []AnnotatedBid
	FilterSafeBids(bids []chain.Bid, category ServiceCategory) []chain.Bid
	SortBidsByPrice(bids []chain.Bid) []chain.Bid
	GetBestProvider(bids []chain.Bid, category ServiceCategory) (*chain.Bid, error)
}

type providerSelector struct {
	// blocklist holds providers with known operational defects (broken
	// DNS, manifest rejection, pathological latency). Applied to every
	// category.
	blocklist map[string]struct{}
	// proxyProvider currently hosts the platform's inbound proxy. A
	// backend placed there would be unreachable: the provider's outbound
	// NAT cannot hairpin back through its own public ingress.
	proxyProvider string
}

// NewProviderSelector creates a selector from the blocked-provider list
// and the address of the provider hosting the platform proxy.
func NewProviderSelector(blocklist []string, proxyProvider string) ProviderSelector {
	blocked := make(map[string]struct{}, len(blocklist))
	for _, p := range blocklist {
		blocked[p] = struct{}{}
	}
	return &providerSelector{blocklist: blocked, proxyProvider: proxyProvider}
}

// AnnotateBids returns every bid with its safety verdict and, for unsafe
// bids, the reason.
func (s *providerSelector) AnnotateBids(bids []chain.Bid, category ServiceCategory) []AnnotatedBid {
	annotated := make([]AnnotatedBid, 0, len(bids))
	for _, bid := range bids {
		a := AnnotatedBid{Bid: bid, Safe: true}
		if _, blocked := s.blocklist[bid.Provider]; blocked {
			a.Safe = false
			a.Reason = "provider is blocklisted"
		} else if category == CategoryBackend && bid.Provider == s.proxyProvider {
			a.Safe = false
			a.Reason = "backend cannot share the proxy's provider (NAT hairpin)"
		}
		annotated = append(annotated, a)
	}
	return annotated
}

// FilterSafeBids returns only the bids safe for the category, preserving
// input order.
func (s *providerSelector) FilterSafeBids(bids []chain.Bid, category ServiceCategory) []chain.Bid {
	var safe []chain.Bid
	for _, a := range s.AnnotateBids(bids, category) {
		if a.Safe {
			safe = append(safe, a.Bid)
		}
	}
	return safe
}

// SortBidsByPrice returns the bids sorted by ascending price. Ties keep
// input order.
func (s *providerSelector) SortBidsByPrice(bids []chain.Bid) []chain.Bid {
	sorted := make([]chain.Bid, len(bids))
	copy(sorted, bids)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Price.LessThan(sorted[j].Price)
	})
	return sorted
}

// GetBestProvider returns the cheapest safe bid, or ErrNoSafeBids when
// every bid is blocked.
func (s *providerSelector) GetBestProvider(bids []chain.Bid, category ServiceCategory) (*chain.Bid, error) {
	safe := s.FilterSafeBids(bids, category)
	if len(safe) == 0 {
		return nil, ErrNoSafeBids
	}
	best := s.SortBidsByPrice(safe)[0]
	return &best, nil
}
