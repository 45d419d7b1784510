package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// OverrideKey identifies one stage decision a resume payload may alter.
// The vocabulary is closed: unknown keys are rejected at resume time rather
// than silently ignored.
type OverrideKey string

const (
	// OverrideReviewPassed short-circuits the review fan-in judgment.
	OverrideReviewPassed OverrideKey = "review_passed"
	// OverrideRebaseClean short-circuits conflict handling in rebase.
	OverrideRebaseClean OverrideKey = "rebase_clean"
	// OverrideTDDPassed treats the tdd stage as passed despite an exhausted
	// iteration budget.
	OverrideTDDPassed OverrideKey = "tdd_passed"
	// OverrideReleaseApproved is the human approval the release_gate stage
	// waits for.
	OverrideReleaseApproved OverrideKey = "release_approved"
)

var knownOverrides = map[OverrideKey]bool{
	OverrideReviewPassed:    true,
	OverrideRebaseClean:     true,
	OverrideTDDPassed:       true,
	OverrideReleaseApproved: true,
}

// Overrides is the typed resume payload: a mapping from known override keys
// to their boolean value. Merging is last-write-wins per key.
type Overrides map[OverrideKey]bool

// ParseOverrides validates a raw resume payload against the known override
// vocabulary. Values must be booleans.
func ParseOverrides(raw map[string]any) (Overrides, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(Overrides, len(raw))
	for k, v := range raw {
		key := OverrideKey(k)
		if !knownOverrides[key] {
			return nil, fmt.Errorf("unknown override key %q (accepted: %s)", k, acceptedOverrideKeys())
		}
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("override %q: value must be a boolean, got %T", k, v)
		}
		out[key] = b
	}
	return out, nil
}

// Merge applies in on top of o, last-write-wins per key.
func (o Overrides) Merge(in Overrides) Overrides {
	if o == nil {
		o = make(Overrides, len(in))
	}
	for k, v := range in {
		o[k] = v
	}
	return o
}

// Is reports whether the key is present and true.
func (o Overrides) Is(key OverrideKey) bool {
	return o != nil && o[key]
}

func acceptedOverrideKeys() string {
	keys := make([]string, 0, len(knownOverrides))
	for k := range knownOverrides {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
