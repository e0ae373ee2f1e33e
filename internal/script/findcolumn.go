package script

import "strings"

// FindColumn resolves a column name from a list of candidate names.
//
// Matching is case-insensitive and whitespace-tolerant: for each candidate,
// a column matches if its lowercased, trimmed name equals, contains, or is
// contained by the candidate. Precedence is candidate order first, then
// column order. The returned name is the original column name, untouched,
// so it can be used directly as a row key.
func FindColumn(columns []string, candidates []string) (string, bool) {
	for _, cand := range candidates {
		c := strings.ToLower(strings.TrimSpace(cand))
		if c == "" {
			continue
		}
		for _, col := range columns {
			k := strings.ToLower(strings.TrimSpace(col))
			if k == "" {
				continue
			}
			if k == c || strings.Contains(k, c) || strings.Contains(c, k) {
				return col, true
			}
		}
	}
	return "", false
}
