package utils

import "strings"

// ClaimStrings normalises a JWT claim that issuers encode either as a JSON
// array or as a single space-delimited string.
func ClaimStrings(v any) []string {
	switch claim := v.(type) {
	case []string:
		return claim
	case string:
		return strings.Fields(claim)
	case []any:
		out := make([]string, 0, len(claim))
		for _, item := range claim {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
