package sources

import (
	"fmt"
	"strings"
	"time"

	"github.com/StrathCole/oracle-guard/pkg/logging"
)

// GetLoggerFromConfig extracts logger from config map or returns a default noop logger.
// If no logger is configured, returns a noop logger to prevent nil pointer dereferences.
func GetLoggerFromConfig(config map[string]interface{}) *logging.Logger {
	if loggerInterface, ok := config["logger"]; ok {
		if logger, ok := loggerInterface.(*logging.Logger); ok {
			return logger
		}
	}
	return logging.NewNoopLogger()
}

// ParsePairsFromMap extracts pair mappings from config where pairs is a map.
// Expected format: pairs: { "ETH-USD": "ETHUSDT", "BTC/USDT": "bitcoin" }.
// Keys are canonicalized, so "BTC/USDT" is stored as "BTC-USD".
func ParsePairsFromMap(config map[string]interface{}) (map[string]string, error) {
	pairsRaw, ok := config["pairs"]
	if !ok {
		return nil, fmt.Errorf("%w: 'pairs' key", ErrInvalidConfig)
	}

	pairsMap, ok := toStringMap(pairsRaw)
	if !ok {
		return nil, fmt.Errorf("%w: pairs must be map[string]string", ErrInvalidConfig)
	}

	pairs := make(map[string]string, len(pairsMap))
	for feed, symbolRaw := range pairsMap {
		symbol, ok := symbolRaw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s is %T", ErrInvalidConfig, feed, symbolRaw)
		}
		canonical, err := CanonicalFeedID(feed)
		if err != nil {
			return nil, fmt.Errorf("pair %q: %w", feed, err)
		}
		pairs[canonical] = symbol
	}

	if len(pairs) == 0 {
		return nil, ErrNoPairsConfigured
	}
	return pairs, nil
}

// toStringMap accepts both decoded YAML shapes.
func toStringMap(raw interface{}) (map[string]interface{}, bool) {
	switch m := raw.(type) {
	case map[string]interface{}:
		return m, true
	case map[string]string:
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, true
	}
	return nil, false
}

// Helper functions for extracting values from maps

func GetString(m map[string]interface{}, key, defaultVal string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return defaultVal
}

func GetInt(m map[string]interface{}, key string, defaultVal int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case int64:
		return int(v)
	default:
		return defaultVal
	}
}

func GetFloat(m map[string]interface{}, key string, defaultVal float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return defaultVal
	}
}

// GetDuration accepts Go duration strings ("10s") or a number of seconds.
func GetDuration(m map[string]interface{}, key string, defaultVal time.Duration) time.Duration {
	switch v := m[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return defaultVal
}

func GetStringMap(m map[string]interface{}, key string) map[string]string {
	raw, ok := toStringMap(m[key])
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// GetStringSlice accepts a YAML list or a single string.
func GetStringSlice(m map[string]interface{}, key string) []string {
	switch v := m[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ValidateFeedFormat checks if a feed ID is in valid BASE-QUOTE format
// Valid formats:
//   - "ETH-USD", "LUNC-USD" (crypto pairs)
//   - "EUR-USD" (fiat pairs)
//
// Invalid formats:
//   - "ETH" (no quote currency)
//   - "ETHUSD" (no separator)
//   - "" (empty).
func ValidateFeedFormat(feedID string) error {
	if feedID == "" {
		return ErrInvalidFeedFormat
	}

	parts := strings.Split(feedID, "-")
	if len(parts) != 2 {
		return fmt.Errorf("%w: %s", ErrInvalidFeedFormat, feedID)
	}
	if strings.TrimSpace(parts[0]) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyBaseCurrency, feedID)
	}
	if strings.TrimSpace(parts[1]) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyQuoteCurrency, feedID)
	}
	return nil
}
