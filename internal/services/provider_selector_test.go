package services

import (
	"testing"

	"github.com/parallax-cloud/compute-broker/internal/chain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bid(provider string, price int64) chain.Bid {
	return chain.Bid{Provider: provider, GSeq: 1, OSeq: 1, Price: decimal.NewFromInt(price)}
}

func TestProviderSelector(t *testing.T) {
	selector := NewProviderSelector([]string{"blockedA", "blockedB"}, "proxyhost")

	t.Run("BlocklistedProviderUnsafeForEveryCategory", func(t *testing.T) {
		bids := []chain.Bid{bid("blockedA", 100)}
		for _, category := range []ServiceCategory{CategoryProxy, CategoryStandalone, CategoryBackend} {
			annotated := selector.AnnotateBids(bids, category)
			require.Len(t, annotated, 1)
			assert.False(t, annotated[0].Safe)
			assert.Equal(t, "provider is blocklisted", annotated[0].Reason)
		}
	})

	t.Run("ProxyHostUnsafeOnlyForBackend", func(t *testing.T) {
		bids := []chain.Bid{bid("proxyhost", 100)}

		annotated := selector.AnnotateBids(bids, CategoryBackend)
		require.Len(t, annotated, 1)
		assert.False(t, annotated[0].Safe)
		assert.Contains(t, annotated[0].Reason, "NAT hairpin")

		for _, category := range []ServiceCategory{CategoryProxy, CategoryStandalone} {
			annotated := selector.AnnotateBids(bids, category)
			require.Len(t, annotated, 1)
			assert.True(t, annotated[0].Safe)
		}
	})

	t.Run("CheapestSafeSelection", func(t *testing.T) {
		bids := []chain.Bid{
			bid("providerA", 500),
			bid("providerB", 300),
			bid("blockedA", 100),
		}

		best, err := selector.GetBestProvider(bids, CategoryStandalone)
		require.NoError(t, err)
		assert.Equal(t, "providerB", best.Provider)
	})

	t.Run("StableSortOnEqualPrices", func(t *testing.T) {
		bids := []chain.Bid{
			bid("first", 200),
			bid("second", 200),
			bid("cheap", 100),
		}

		sorted := selector.SortBidsByPrice(bids)
		require.Len(t, sorted, 3)
		assert.Equal(t, "cheap", sorted[0].Provider)
		assert.Equal(t, "first", sorted[1].Provider)
		assert.Equal(t, "second", sorted[2].Provider)
	})

	t.Run("NoSafeBids", func(t *testing.T) {
		bids := []chain.Bid{bid("blockedA", 100), bid("blockedB", 200)}

		_, err := selector.GetBestProvider(bids, CategoryStandalone)
		assert.ErrorIs(t, err, ErrNoSafeBids)
	})

	t.Run("FilterPreservesInputOrder", func(t *testing.T) {
		bids := []chain.Bid{
			bid("providerZ", 900),
			bid("blockedA", 100),
			bid("providerA", 500),
		}

		safe := selector.FilterSafeBids(bids, CategoryStandalone)
		require.Len(t, safe, 2)
		assert.Equal(t, "providerZ", safe[0].Provider)
		assert.Equal(t, "providerA", safe[1].Provider)
	})
}
