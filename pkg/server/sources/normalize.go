package sources

import (
	"fmt"
	"strings"
)

// Feed normalization maps trading pairs to canonical feed IDs so that
// ETH/USDT, eth-usd and WETH_USDC all resolve to ETH-USD.

// Stablecoin aliases - all considered equivalent to USD
var stablecoinAliases = map[string]string{
	"USDT": "USD",
	"USDC": "USD",
	"BUSD": "USD",
	"DAI":  "USD",
	"TUSD": "USD",
	"USDD": "USD",
	"USDP": "USD",
}

// Base currency aliases
var baseCurrencyAliases = map[string]string{
	"WBTC":  "BTC",
	"WETH":  "ETH",
	"STETH": "ETH",
}

// splitPair accepts "/", "-", "_" and ":" as separators.
func splitPair(symbol string) (string, string, bool) {
	idx := strings.IndexAny(symbol, "/-_:")
	if idx < 0 || strings.LastIndexAny(symbol, "/-_:") != idx {
		return "", "", false
	}
	return strings.TrimSpace(symbol[:idx]), strings.TrimSpace(symbol[idx+1:]), true
}

// CanonicalFeedID converts a trading pair symbol to its canonical feed ID.
// Examples:
//   - ETH/USDT -> ETH-USD
//   - btc_usdc -> BTC-USD
//   - WBTC-USD -> BTC-USD
//   - LUNC/EUR -> LUNC-EUR
func CanonicalFeedID(symbol string) (string, error) {
	base, quote, ok := splitPair(symbol)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidFeedFormat, symbol)
	}
	if base == "" {
		return "", fmt.Errorf("%w: %q", ErrEmptyBaseCurrency, symbol)
	}
	if quote == "" {
		return "", fmt.Errorf("%w: %q", ErrEmptyQuoteCurrency, symbol)
	}

	base = strings.ToUpper(base)
	quote = strings.ToUpper(quote)
	if normalized, ok := baseCurrencyAliases[base]; ok {
		base = normalized
	}
	if normalized, ok := stablecoinAliases[quote]; ok {
		quote = normalized
	}
	return base + "-" + quote, nil
}

// NormalizeFeedID is CanonicalFeedID for callers that prefer the input back
// on malformed symbols.
func NormalizeFeedID(symbol string) string {
	canonical, err := CanonicalFeedID(symbol)
	if err != nil {
		return symbol
	}
	return canonical
}

// FeedAliases returns all known aliases for a canonical feed ID.
// For example, ETH-USD returns [ETH-USD, ETH-USDT, ETH-USDC, WETH-USD, ...].
func FeedAliases(feedID string) []string {
	base, quote, ok := splitPair(feedID)
	if !ok {
		return []string{feedID}
	}

	aliases := []string{feedID}
	quotes := []string{quote}
	if quote == "USD" {
		for stablecoin := range stablecoinAliases {
			aliases = append(aliases, base+"-"+stablecoin)
			quotes = append(quotes, stablecoin)
		}
	}

	for wrapped, canonical := range baseCurrencyAliases {
		if canonical != base {
			continue
		}
		for _, q := range quotes {
			aliases = append(aliases, wrapped+"-"+q)
		}
	}
	return aliases
}

// IsEquivalentFeed checks if two symbols are equivalent after normalization
func IsEquivalentFeed(a, b string) bool {
	return NormalizeFeedID(a) == NormalizeFeedID(b)
}
