// Package leasestate defines the lease lifecycle state machine and the pure
// label-normalization helpers that the scaler and reconciler depend on.
package leasestate

import (
	"regexp"
	"strings"
)

// State is a lease lifecycle state.
type State string

const (
	Requested   State = "REQUESTED"
	Provisioning State = "PROVISIONING"
	Booting     State = "BOOTING"
	Connected   State = "CONNECTED"
	Running     State = "RUNNING"
	Terminating State = "TERMINATING"
	Terminated  State = "TERMINATED"
	Failed      State = "FAILED"
	Orphaned    State = "ORPHANED"
)

// allowedTransitions mirrors the reference ALLOWED_TRANSITIONS table, with
// Requested and Provisioning additionally allowed to reach Terminating: a
// lease may be terminated from any live state, and the reconciler's
// connect-deadline check (REQUESTED/PROVISIONING/BOOTING) needs a matrix
// path into cleanup just like the later states already have.
// An absent key or empty slice means the state is terminal.
var allowedTransitions = map[State][]State{
	Requested:    {Provisioning, Terminating, Failed},
	Provisioning: {Booting, Terminating, Failed},
	Booting:      {Connected, Terminating, Failed},
	Connected:    {Running, Terminating, Failed},
	Running:      {Terminating, Failed},
	Terminating:  {Terminated, Failed},
	Failed:       {Terminating, Terminated},
	Orphaned:     {Terminating, Terminated},
	Terminated:   {},
}

// CanTransition reports whether target is a legal next state from current.
// Self-transitions are always legal (a no-op CAS), and TERMINATED is terminal.
func CanTransition(current, target State) bool {
	if current == target {
		return true
	}
	for _, s := range allowedTransitions[current] {
		if s == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether state has no outgoing transitions other than
// to itself.
func IsTerminal(s State) bool {
	return len(allowedTransitions[s]) == 0
}

var (
	boolTokens   = map[string]bool{"and": true, "or": true, "not": true, "true": true, "false": true}
	labelSplitRe = regexp.MustCompile(`\s+`)
)

// NormalizeNodeLabel reduces a Jenkins-style label expression to a
// space-separated, deduplicated, order-preserving list of capability tokens,
// stripping boolean operators and grouping parentheses. An expression that
// normalizes to nothing becomes "ephemeral".
func NormalizeNodeLabel(expr string) string {
	expr = strings.NewReplacer("&&", " ", "||", " ", "(", " ", ")", " ").Replace(expr)
	tokens := labelSplitRe.Split(strings.TrimSpace(expr), -1)

	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		lower := strings.ToLower(tok)
		if boolTokens[lower] {
			continue
		}
		if seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}

	if len(out) == 0 {
		return "ephemeral"
	}
	return strings.Join(out, " ")
}

// InferAccelerator derives the required hardware accelerator from substrings
// of a label, preferring "nvmm" over "kvm" when both appear. Empty if
// neither is present.
func InferAccelerator(label string) string {
	lower := strings.ToLower(label)
	switch {
	case strings.Contains(lower, "nvmm"):
		return "nvmm"
	case strings.Contains(lower, "kvm"):
		return "kvm"
	default:
		return ""
	}
}

// InferOSFamily derives the required OS family from substrings of a label.
// Empty if neither family marker is present.
func InferOSFamily(label string) string {
	lower := strings.ToLower(label)
	switch {
	case strings.Contains(lower, "dragonflybsd"), strings.Contains(lower, "dfly"):
		return "dragonflybsd"
	case strings.Contains(lower, "linux"):
		return "linux"
	default:
		return ""
	}
}
