// Package lock serializes identify calls that touch the same email or phone number.
//
// Without it two concurrent first sightings of an identifier can both decide that
// no contact exists and insert two primaries for one identity.
package lock

import (
	"context"
	"sort"
)

// Locker acquires exclusive ownership of a set of keys.
// The returned unlock releases every key and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

// normalize deduplicates keys and sorts them so that every caller acquires in the same order.
func normalize(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
