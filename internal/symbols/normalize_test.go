package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"BTC", "BTC"},
		{"1000BONK", "BONK"},
		{"10000SATS", "SATS"},
		{"100000VINE", "VINE"},
		{"1000000MOG", "MOG"},
		{"1MBABYDOGE", "BABYDOGE"},
		{"1KFLOKI", "FLOKI"},
		{"kPEPE", "PEPE"},
		{"kSHIB", "SHIB"},
		{"kBONK", "BONK"},
		{"XBT", "BTC"},
		{"xbt", "BTC"},
		{"1000X", "X"},      // real token X at 1000x denomination, intended collapse
		{"1INCH", "1INCH"},  // leading digit is part of the asset name
		{"1000", "1000"},    // bare multiplier, nothing to strip
		{"eth", "ETH"},
		{"", ""},
		{"  SOL ", "SOL"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeBase(tc.in), "in=%q", tc.in)
	}
}

func TestNormalizeBaseLongestPrefixWins(t *testing.T) {
	// "1000000" must be tried before "100000" and "1000".
	assert.Equal(t, "BABYDOGE", NormalizeBase("1000000BABYDOGE"))
	assert.Equal(t, "WHY", NormalizeBase("1000WHY"))
}

func TestTrimContractSuffix(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"XBTUSDTM", "XBTUSDT"},   // KuCoin linear
		{"XBTUSDM", "XBTUSD"},     // KuCoin inverse
		{"BTCUSD_PERP", "BTCUSD"}, // Binance COIN-M
		{"SOL-PERP", "SOL"},
		{"BTC-PERPETUAL", "BTC"},
		{"ETH_USDC_PERP", "ETH"},
		{"BTCUSDT", "BTCUSDT"},
		{"PYTHM", "PYTHM"}, // trailing M kept: remainder has no quote
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TrimContractSuffix(tc.in), "in=%q", tc.in)
	}
}

func TestSplitSymbol(t *testing.T) {
	cases := []struct {
		in    string
		base  string
		quote string
		ok    bool
	}{
		{"BTCUSDT", "BTC", "USDT", true},
		{"1000BONKUSDT", "BONK", "USDT", true},
		{"1000BONKUSDTM", "BONK", "USDT", true},
		{"XBTUSDTM", "BTC", "USDT", true},
		{"XBTUSD", "BTC", "USD", true},
		{"BTC_USDT", "BTC", "USDT", true},
		{"BTC-USD", "BTC", "USD", true},
		{"ETHFDUSD", "ETH", "FDUSD", true},
		{"BTCUSD_PERP", "BTC", "USD", true},
		{"1000XUSDT", "X", "USDT", true},
		{"USDT", "", "", false}, // quote only, no base
		{"BTCEUR", "", "", false},
	}
	for _, tc := range cases {
		base, quote, ok := SplitSymbol(tc.in)
		assert.Equal(t, tc.ok, ok, "in=%q", tc.in)
		assert.Equal(t, tc.base, base, "in=%q", tc.in)
		assert.Equal(t, tc.quote, quote, "in=%q", tc.in)
	}
}

func TestCrossVenueCollapse(t *testing.T) {
	// Binance and KuCoin spellings of the same contract must land on one key.
	b, _, _ := SplitSymbol("1000BONKUSDT")
	k, _, _ := SplitSymbol("1000BONKUSDTM")
	assert.Equal(t, b, k)
	assert.Equal(t, "BONK", b)
}
