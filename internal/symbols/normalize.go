package symbols

import "strings"

// The one normalization table. Every adapter routes base extraction through
// this package so cross-exchange aggregation keys on the same asset names.
// Rule priority: explicit collapses, multiplier prefixes longest-first,
// kilo prefix, aliases last.

// multiplierPrefixes are denomination factors venues prepend to low-price
// tokens. Longest match wins; the remainder must start with a letter.
var multiplierPrefixes = []string{"1000000", "100000", "10000", "1000", "1M", "1K"}

// explicitCollapses are exact-match renames applied before prefix stripping.
// "1000X" is the token X quoted in 1000x denomination, not a stripping
// artifact; listing it here records that the collapse is intended.
var explicitCollapses = map[string]string{
	"1000X": "X",
}

// aliases map venue spellings to canonical assets. Applied last.
var aliases = map[string]string{
	"XBT": "BTC",
}

// contractSuffixes are trailing markers stripped from native symbols before
// the quote is split off. Longest first.
var contractSuffixes = []string{"_USDC_PERP", "-PERP", "_PERP", "-PERPETUAL"}

// knownQuotes ordered longest-first so USDT wins over USD.
var knownQuotes = []string{"FDUSD", "USDT", "USDC", "BUSD", "USD"}

// NormalizeBase collapses a raw base-asset token to its canonical name.
// Input case is preserved until matching so the lowercase kilo prefix
// ("kPEPE") stays distinguishable; the result is always uppercase.
func NormalizeBase(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if to, ok := explicitCollapses[strings.ToUpper(s)]; ok {
		return to
	}

	up := strings.ToUpper(s)
	for _, p := range multiplierPrefixes {
		rest, ok := strings.CutPrefix(up, p)
		if ok && startsWithLetter(rest) {
			up = rest
			break
		}
	}

	// Kilo prefix is lowercase on the wire (kPEPE, kSHIB); detect it on the
	// original string, after confirming no uppercase rule already fired.
	if up == strings.ToUpper(s) && len(s) > 1 && s[0] == 'k' && isUpper(s[1:]) {
		up = strings.ToUpper(s[1:])
	}

	if to, ok := aliases[up]; ok {
		return to
	}
	return up
}

// TrimContractSuffix removes trailing contract markers from a native symbol.
// A trailing "M" (KuCoin style, XBTUSDTM) is only stripped when the
// remainder ends in a known quote, so assets ending in M survive.
func TrimContractSuffix(symbol string) string {
	s := symbol
	for _, suf := range contractSuffixes {
		if cut, ok := strings.CutSuffix(s, suf); ok {
			return cut
		}
	}
	if cut, ok := strings.CutSuffix(s, "M"); ok && endsWithKnownQuote(cut) {
		return cut
	}
	return s
}

// SplitSymbol separates a concatenated symbol ("1000BONKUSDT") into its
// normalized base and quote. Contract suffixes are trimmed first. Returns
// ok=false when no known quote terminates the symbol.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	s := TrimContractSuffix(symbol)
	s = strings.NewReplacer("-", "", "_", "").Replace(s)
	up := strings.ToUpper(s)
	for _, q := range knownQuotes {
		if strings.HasSuffix(up, q) && len(up) > len(q) {
			raw := s[:len(s)-len(q)]
			return NormalizeBase(raw), q, true
		}
	}
	return "", "", false
}

func endsWithKnownQuote(s string) bool {
	up := strings.ToUpper(s)
	for _, q := range knownQuotes {
		if strings.HasSuffix(up, q) {
			return true
		}
	}
	return false
}

func startsWithLetter(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isUpper(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'a' && s[i] <= 'z' {
			return false
		}
	}
	return s != ""
}
