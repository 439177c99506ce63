package transformer

import "fmt"

// KeepPolicy selects which occurrence of a duplicated key survives Dedupe.
type KeepPolicy string

const (
	KeepFirst KeepPolicy = "first"
	KeepLast  KeepPolicy = "last"
)

// ParseKeepPolicy maps a config value to a KeepPolicy. Empty means KeepFirst.
func ParseKeepPolicy(s string) (KeepPolicy, error) {
	switch s {
	case "", "first", "first_seen":
		return KeepFirst, nil
	case "last", "last_seen":
		return KeepLast, nil
	default:
		return "", fmt.Errorf("transformer: unknown keep policy %q", s)
	}
}

// DedupeFirst returns rows with every repeated key removed, keeping the first
// occurrence in original order. Discarded rows are dropped whole, never merged.
//
// The input slice is not modified.
func DedupeFirst[R any, K comparable](rows []R, key func(R) K) []R {
	seen := make(map[K]struct{}, len(rows))
	out := make([]R, 0, len(rows))
	for _, r := range rows {
		k := key(r)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}

// DedupeLast keeps the last occurrence of each key. Survivors are ordered by
// the position of that last occurrence.
func DedupeLast[R any, K comparable](rows []R, key func(R) K) []R {
	last := make(map[K]int, len(rows))
	for i, r := range rows {
		last[key(r)] = i
	}
	out := make([]R, 0, len(last))
	for i, r := range rows {
		if last[key(r)] == i {
			out = append(out, r)
		}
	}
	return out
}

// Dedupe applies the given policy.
func Dedupe[R any, K comparable](rows []R, key func(R) K, policy KeepPolicy) []R {
	if policy == KeepLast {
		return DedupeLast(rows, key)
	}
	return DedupeFirst(rows, key)
}
