package conditions

import (
	"strings"

	"github.com/rendis/flowengine/pkg/schema"
)

// MatchCase picks the Switch handle for value: the first declared case equal
// to it after lower-casing and trimming both sides, otherwise "default".
// The declared case string is returned so it matches the edge handle.
func MatchCase(value string, cases []string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, c := range cases {
		if strings.TrimSpace(c) == "" {
			continue
		}
		if strings.ToLower(strings.TrimSpace(c)) == v {
			return c
		}
	}
	return schema.HandleDefault
}
