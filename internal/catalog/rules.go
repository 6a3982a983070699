package catalog

import (
	"sort"
	"strings"
)

// Apply normalizes a raw discovery listing per the rules. The input slice is
// not modified.
func (r ModelRules) Apply(ids []string) []string {
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if len(r.Include) > 0 && !containsAny(id, r.Include) {
			continue
		}
		if containsAny(id, r.Exclude) {
			continue
		}
		kept = append(kept, id)
	}

	if len(r.Priority) == 0 {
		sort.Strings(kept)
		return kept
	}

	taken := make([]bool, len(kept))
	out := make([]string, 0, len(kept))
	for _, want := range r.Priority {
		for i, id := range kept {
			if !taken[i] && strings.Contains(id, want) {
				taken[i] = true
				out = append(out, id)
			}
		}
	}
	for i, id := range kept {
		if !taken[i] {
			out = append(out, id)
		}
	}
	return out
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
