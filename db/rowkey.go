package db

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// NullSentinel marks a NULL identity value inside a serialized row key.
// Chosen so it cannot collide with base64 output.
const NullSentinel = "\x00:null:\x00"

// SerializeRowKey renders a stable string key for a row identity. The same
// identity values always produce the same key regardless of the order the
// caller supplies them in, so lock holders and waiters agree on the key.
func SerializeRowKey(table string, values map[string]any) string {
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	var b strings.Builder
	b.WriteString(table)
	for _, c := range cols {
		b.WriteByte('/')
		b.WriteString(c)
		b.WriteByte('=')
		b.WriteString(encodeKeyValue(values[c]))
	}
	return b.String()
}

// HashRowKey maps a serialized row key to the 64-bit key the lock store
// indexes by.
func HashRowKey(rowKey string) uint64 {
	return xxhash.Sum64String(rowKey)
}

func encodeKeyValue(v any) string {
	switch tv := v.(type) {
	case nil:
		return NullSentinel
	case []byte:
		return base64.StdEncoding.EncodeToString(tv)
	case string:
		return base64.StdEncoding.EncodeToString([]byte(tv))
	default:
		return fmt.Sprintf("%v", tv)
	}
}
