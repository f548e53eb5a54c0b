package resolver

import (
	"crypto/md5" //nolint:gosec // compatibility hash, not a security boundary; see SPEC_FULL.md §4.C
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Hash computes the stable 16-hex-character fingerprint of a resolved
// configuration map. It freezes the value into a canonical string (map keys
// sorted, list order preserved, recursing into nested structures) before
// taking MD5 and truncating to the middle 16 hex characters of the digest,
// matching rtconfig's to_hash byte-for-byte so existing clients keep working.
func Hash(value any) string {
	var b strings.Builder
	freeze(&b, value)
	sum := md5.Sum([]byte(b.String())) //nolint:gosec
	full := hex.EncodeToString(sum[:])
	return full[8:24]
}

func freeze(b *strings.Builder, value any) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%q:", k)
			freeze(b, v[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			freeze(b, item)
		}
		b.WriteByte(']')
	case string:
		fmt.Fprintf(b, "%q", v)
	case nil:
		b.WriteString("null")
	default:
		fmt.Fprintf(b, "%v", v)
	}
}
