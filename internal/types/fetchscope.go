package types

import "fmt"

// FetchScope is the set of remotes to consider when fetching a repo
// (spec.md §4.C's namespaces_for): either every remote the announcer
// carries, or a specific trusted subset.
type FetchScope struct {
	All     bool
	Trusted []NodeID
}

// AllScope returns a FetchScope admitting every remote.
func AllScope() FetchScope { return FetchScope{All: true} }

// TrustedScope returns a FetchScope admitting only the given nodes.
func TrustedScope(trusted []NodeID) FetchScope { return FetchScope{Trusted: trusted} }

// Allows reports whether remote is in scope.
func (s FetchScope) Allows(remote NodeID) bool {
	if s.All {
		return true
	}
	for _, n := range s.Trusted {
		if n.Equal(remote) {
			return true
		}
	}
	return false
}

// NoTrustedError is returned when a repo's fetch scope is Trusted but no
// trusted node set has been recorded for it (spec.md §4.C's NoTrusted
// failure).
type NoTrustedError struct {
	Repo RepoID
}

func (e NoTrustedError) Error() string {
	return fmt.Sprintf("no trusted nodes recorded for repo %s", e.Repo)
}
