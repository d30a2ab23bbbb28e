package utils

import (
	"sort"

	"github.com/nats-io/nats.go"
)

// StreamConfigEqual compares the core properties of two NATS stream configurations.
// Subject order is not significant.
func StreamConfigEqual(a, b nats.StreamConfig) bool {
	if a.Name != b.Name ||
		a.Retention != b.Retention ||
		a.MaxMsgs != b.MaxMsgs ||
		a.MaxAge != b.MaxAge ||
		a.Storage != b.Storage ||
		a.Discard != b.Discard {
		return false
	}
	return sameSubjects(a.Subjects, b.Subjects)
}

func sameSubjects(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]string(nil), a...)
	sb := append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}
