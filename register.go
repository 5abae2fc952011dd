package pipelined

// RegisterScope tags a packet-scoped register with its sharing rules.
type RegisterScope string

const (
	// ScopeWriteOnce registers are set exactly once, by the owning app
	// at its fixed table, and never overwritten downstream.
	ScopeWriteOnce RegisterScope = "write-once"
	// ScopeMutable registers may be rewritten downstream by apps that
	// declared write intent; the owner still arbitrates declarations.
	ScopeMutable RegisterScope = "mutable"
	// ScopeLocal registers are private to the owning app.
	ScopeLocal RegisterScope = "local"
)

// ValidScope reports whether s is a known register scope.
func ValidScope(s RegisterScope) bool {
	switch s {
	case ScopeWriteOnce, ScopeMutable, ScopeLocal:
		return true
	}
	return false
}

// Register is a named packet-scoped state slot carried through the
// pipeline, with a single owning app.
type Register struct {
	Name  string        `json:"name"`
	Scope RegisterScope `json:"scope"`
	Owner string        `json:"owner"`
}
