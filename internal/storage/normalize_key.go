package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NormalizeKey converts a key value to a canonical string form, suitable for
// in-memory dedupe (e.g. "85123A" or "17850").
//
// Backends must not assume a particular underlying type for keys; this helper
// keeps dedupe consistent across backends.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// DedupeRowsByColumns keeps the first row for every distinct key formed by
// keyColumns, preserving input order. Rows whose key normalizes to all-empty
// are kept as-is.
//
// Errors:
//   - Returns an error when a key column is not in columns.
func DedupeRowsByColumns(rows [][]any, columns []string, keyColumns []string) ([][]any, error) {
	if len(keyColumns) == 0 {
		return rows, nil
	}

	pos := make(map[string]int, len(columns))
	for i, c := range columns {
		pos[c] = i
	}
	idx := make([]int, len(keyColumns))
	for i, k := range keyColumns {
		p, ok := pos[k]
		if !ok {
			return nil, fmt.Errorf("dedupe column %q not present in columns %v", k, columns)
		}
		idx[i] = p
	}
	if len(rows) < 2 {
		return rows, nil
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	var b strings.Builder
	for _, row := range rows {
		b.Reset()
		empty := true
		for i, p := range idx {
			if i > 0 {
				b.WriteByte(0)
			}
			k := NormalizeKey(row[p])
			if k != "" {
				empty = false
			}
			b.WriteString(k)
		}
		if empty {
			out = append(out, row)
			continue
		}
		key := b.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}
