package rest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CanonicalQuery builds Binance's canonical signed query string: keys sorted
// lexicographically by their UTF-8 byte values, RFC 3986 percent-encoding
// for both keys and values, and array-typed values serialized as minified
// JSON (e.g. symbols=["BTCUSDT","ETHUSDT"]) rather than repeated keys.
// Grounded on spec.md §4.4/§6; generalizes the teacher's reliance on
// url.Values.Encode(), which sorts but does not implement the array rule.
func CanonicalQuery(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, percentEncode(k)+"="+percentEncode(stringifyValue(params[k])))
	}
	return strings.Join(parts, "&")
}

func stringifyValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case []string, []int, []int64, []float64, map[string]any:
		b, err := json.Marshal(val)
		if err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func percentEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}
