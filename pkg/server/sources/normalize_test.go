package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalFeedID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ETH-USD", "ETH-USD"},
		{"ETH/USDT", "ETH-USD"},
		{"eth/usdc", "ETH-USD"},
		{"WBTC_USD", "BTC-USD"},
		{"stETH:DAI", "ETH-USD"},
		{"LUNC/EUR", "LUNC-EUR"},
		{" ATOM / USD ", "ATOM-USD"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CanonicalFeedID(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalFeedID_Invalid(t *testing.T) {
	for _, in := range []string{"", "ETHUSD", "ETH/USD/EUR", "/USD", "ETH-"} {
		_, err := CanonicalFeedID(in)
		assert.Error(t, err, in)
		assert.Equal(t, in, NormalizeFeedID(in))
	}
}

func TestFeedAliases(t *testing.T) {
	aliases := FeedAliases("ETH-USD")
	assert.Equal(t, "ETH-USD", aliases[0])
	assert.Contains(t, aliases, "ETH-USDT")
	assert.Contains(t, aliases, "WETH-USD")
	assert.Contains(t, aliases, "STETH-USDC")

	for _, alias := range aliases {
		assert.True(t, IsEquivalentFeed(alias, "ETH-USD"), alias)
	}
	assert.Equal(t, []string{"EUR-CHF"}, FeedAliases("EUR-CHF"))
	assert.False(t, IsEquivalentFeed("ETH-USD", "BTC-USD"))
}
