package httpjson

import (
	"fmt"
	"sort"
	"strings"

	"github.com/StrathCole/oracle-guard/pkg/server/sources"
)

// preset holds the endpoint layout of a well-known public API. Bulk ticker
// endpoints are filtered with gjson queries on the provider symbol.
type preset struct {
	url           string
	pricePath     string
	timestampPath string
	keyHeader     string
}

var presets = map[string]preset{
	"binance": {
		url:       "https://api.binance.com/api/v3/ticker/price?symbol={symbol}",
		pricePath: "price",
	},
	"mexc": {
		url:       "https://api.mexc.com/api/v3/ticker/price?symbol={symbol}",
		pricePath: "price",
	},
	"bybit": {
		url:           "https://api.bybit.com/v5/market/tickers?category=spot&symbol={symbol}",
		pricePath:     `result.list.#(symbol=="{symbol}").lastPrice`,
		timestampPath: "time",
	},
	"okx": {
		url:           "https://www.okx.com/api/v5/market/tickers?instType=SPOT",
		pricePath:     `data.#(instId=="{symbol}").last`,
		timestampPath: `data.#(instId=="{symbol}").ts`,
	},
	"kucoin": {
		url:           "https://api.kucoin.com/api/v1/market/allTickers",
		pricePath:     `data.ticker.#(symbol=="{symbol}").last`,
		timestampPath: "data.time",
	},
	"gateio": {
		url:       "https://api.gateio.ws/api/v4/spot/tickers?currency_pair={symbol}",
		pricePath: `#(currency_pair=="{symbol}").last`,
	},
	"huobi": {
		url:           "https://api.huobi.pro/market/tickers",
		pricePath:     `data.#(symbol=="{symbol}").close`,
		timestampPath: "ts",
	},
	"kraken": {
		// Kraken answers with its own pair key, e.g. XXBTZUSD for XBTUSD.
		url:       "https://api.kraken.com/0/public/Ticker?pair={symbol}",
		pricePath: "result.*.c.0",
	},
	"bitfinex": {
		// Trading tickers are arrays; index 7 is the last price.
		url:       "https://api-pub.bitfinex.com/v2/tickers?symbols={symbol}",
		pricePath: "0.7",
	},
	"coingecko": {
		url:           "https://api.coingecko.com/api/v3/simple/price?ids={symbol}&vs_currencies=usd&include_last_updated_at=true",
		pricePath:     "{symbol}.usd",
		timestampPath: "{symbol}.last_updated_at",
		keyHeader:     "x-cg-demo-api-key",
	},
	"coinmarketcap": {
		url:           "https://pro-api.coinmarketcap.com/v2/cryptocurrency/quotes/latest?symbol={symbol}",
		pricePath:     "data.{symbol}.0.quote.USD.price",
		timestampPath: "data.{symbol}.0.quote.USD.last_updated",
		keyHeader:     "X-CMC_PRO_API_KEY",
	},
	"exchangerate_free": {
		url:           "https://open.er-api.com/v6/latest/{symbol}",
		pricePath:     "rates.USD",
		timestampPath: "time_last_update_unix",
	},
	"frankfurter": {
		url:       "https://api.frankfurter.app/latest?from={symbol}&to=USD",
		pricePath: "rates.USD",
	},
}

// Presets lists the known preset names.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// withPreset fills url, paths and the api key header from the named preset
// unless the config sets them.
func withPreset(config map[string]interface{}) (map[string]interface{}, error) {
	name := strings.ToLower(sources.GetString(config, "preset", ""))
	if name == "" {
		return config, nil
	}
	p, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown preset %q (known: %s)", sources.ErrInvalidConfig, name, strings.Join(Presets(), ", "))
	}

	out := make(map[string]interface{}, len(config)+4)
	for k, v := range config {
		out[k] = v
	}
	setDefault(out, "url", p.url)
	setDefault(out, "price_path", p.pricePath)
	setDefault(out, "timestamp_path", p.timestampPath)
	setDefault(out, "api_key_header", p.keyHeader)
	return out, nil
}

func setDefault(m map[string]interface{}, key, value string) {
	if value == "" {
		return
	}
	if s, ok := m[key].(string); ok && s != "" {
		return
	}
	m[key] = value
}
