// Package tracking implements the repo and node tracking policies (spec.md
// §4.C): which repos this node seeds, whether it fetches from every
// remote or only a trusted subset, and which remote nodes it trusts or
// blocks. The service consults the block policy only when choosing
// outbound connection candidates; inbound connections and announcements
// are not filtered by it.
package tracking

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/knotprotocol/knot/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS repo_policies (
    repo_id TEXT    PRIMARY KEY,
    policy  TEXT    NOT NULL,
    scope   TEXT    NOT NULL DEFAULT 'all'
);
CREATE TABLE IF NOT EXISTS node_policies (
    node_id TEXT PRIMARY KEY,
    policy  TEXT NOT NULL
);
`

// Policy is a track/block decision (spec §3).
type Policy string

const (
	PolicyTrack Policy = "track"
	PolicyBlock Policy = "block"
)

// Scope is the stored fetch scope for a tracked repo: either every
// remote (ScopeAll) or only the nodes this node trusts (ScopeTrusted),
// per spec.md §3/§4.C's scope ∈ {all, trusted}.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeTrusted
)

func (s Scope) String() string {
	if s == ScopeTrusted {
		return "trusted"
	}
	return "all"
}

func decodeScope(s string) Scope {
	if s == "trusted" {
		return ScopeTrusted
	}
	return ScopeAll
}

// RepoPolicy is a tracking decision for one repo.
type RepoPolicy struct {
	Repo   types.RepoID
	Policy Policy
	Scope  Scope
}

// NodePolicy is a tracking decision for one remote node.
type NodePolicy struct {
	Node   types.NodeID
	Policy Policy
}

// Store persists tracking policies.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (and initializes) a tracking store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open tracking db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init tracking schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// TrackRepo marks repo as tracked with the given fetch scope.
func (s *Store) TrackRepo(repo types.RepoID, scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO repo_policies (repo_id, policy, scope) VALUES (?, ?, ?)
		ON CONFLICT (repo_id) DO UPDATE SET policy = excluded.policy, scope = excluded.scope`,
		repo.String(), string(PolicyTrack), scope.String())
	if err != nil {
		return fmt.Errorf("track repo: %w", err)
	}
	return nil
}

// BlockRepo marks repo as blocked, overriding any prior track decision.
func (s *Store) BlockRepo(repo types.RepoID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO repo_policies (repo_id, policy, scope) VALUES (?, ?, ?)
		ON CONFLICT (repo_id) DO UPDATE SET policy = excluded.policy, scope = excluded.scope`,
		repo.String(), string(PolicyBlock), ScopeAll.String())
	if err != nil {
		return fmt.Errorf("block repo: %w", err)
	}
	return nil
}

// UntrackRepo removes any tracking decision for repo.
func (s *Store) UntrackRepo(repo types.RepoID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM repo_policies WHERE repo_id = ?`, repo.String())
	return err
}

// RepoPolicyFor returns the stored policy for repo, if any.
func (s *Store) RepoPolicyFor(repo types.RepoID) (RepoPolicy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var policy, scope string
	err := s.db.QueryRow(`SELECT policy, scope FROM repo_policies WHERE repo_id = ?`, repo.String()).
		Scan(&policy, &scope)
	if err == sql.ErrNoRows {
		return RepoPolicy{}, false, nil
	}
	if err != nil {
		return RepoPolicy{}, false, fmt.Errorf("query repo policy: %w", err)
	}
	return RepoPolicy{Repo: repo, Policy: Policy(policy), Scope: decodeScope(scope)}, true, nil
}

// TrackedRepos returns every repo with Policy == track.
func (s *Store) TrackedRepos() ([]RepoPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT repo_id, policy, scope FROM repo_policies WHERE policy = ?`, string(PolicyTrack))
	if err != nil {
		return nil, fmt.Errorf("query tracked repos: %w", err)
	}
	defer rows.Close()

	var out []RepoPolicy
	for rows.Next() {
		var repoS, policy, scope string
		if err := rows.Scan(&repoS, &policy, &scope); err != nil {
			return nil, err
		}
		repo, err := types.ParseRepoID(repoS)
		if err != nil {
			return nil, err
		}
		out = append(out, RepoPolicy{Repo: repo, Policy: Policy(policy), Scope: decodeScope(scope)})
	}
	return out, rows.Err()
}

// TrackNode marks node as trusted.
func (s *Store) TrackNode(node types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO node_policies (node_id, policy) VALUES (?, ?)
		ON CONFLICT (node_id) DO UPDATE SET policy = excluded.policy`,
		node.String(), string(PolicyTrack))
	return err
}

// BlockNode marks node as blocked.
func (s *Store) BlockNode(node types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO node_policies (node_id, policy) VALUES (?, ?)
		ON CONFLICT (node_id) DO UPDATE SET policy = excluded.policy`,
		node.String(), string(PolicyBlock))
	return err
}

// UntrackNode removes any policy for node.
func (s *Store) UntrackNode(node types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM node_policies WHERE node_id = ?`, node.String())
	return err
}

// NodePolicyFor returns the stored policy for node, if any.
func (s *Store) NodePolicyFor(node types.NodeID) (NodePolicy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var policy string
	err := s.db.QueryRow(`SELECT policy FROM node_policies WHERE node_id = ?`, node.String()).Scan(&policy)
	if err == sql.ErrNoRows {
		return NodePolicy{}, false, nil
	}
	if err != nil {
		return NodePolicy{}, false, fmt.Errorf("query node policy: %w", err)
	}
	return NodePolicy{Node: node, Policy: Policy(policy)}, true, nil
}

// IsNodeBlocked reports whether node is explicitly blocked. An unknown
// node is never blocked by default (spec §4.C: default-allow unless
// explicitly blocked).
func (s *Store) IsNodeBlocked(node types.NodeID) (bool, error) {
	p, ok, err := s.NodePolicyFor(node)
	if err != nil || !ok {
		return false, err
	}
	return p.Policy == PolicyBlock, nil
}

// TrustedNodes returns every node with Policy == track, the trusted-node
// set a ScopeTrusted repo's fetches are restricted to.
func (s *Store) TrustedNodes() ([]types.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT node_id FROM node_policies WHERE policy = ?`, string(PolicyTrack))
	if err != nil {
		return nil, fmt.Errorf("query trusted nodes: %w", err)
	}
	defer rows.Close()

	var out []types.NodeID
	for rows.Next() {
		var nodeS string
		if err := rows.Scan(&nodeS); err != nil {
			return nil, err
		}
		node, err := types.ParseNodeID(nodeS)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

// TrustedNodesProvider resolves the current trusted-node set. Implemented
// by internal/storage, which owns the Storage half of spec.md §4's
// interface contract; kept as a narrow interface here so tracking has no
// hard dependency on the storage package.
type TrustedNodesProvider interface {
	TrustedNodes() ([]types.NodeID, error)
}

// FetchScopeFor resolves the fetch scope this node should apply to repo:
// All if it is tracked with ScopeAll, Trusted if tracked with
// ScopeTrusted. For a repo that isn't tracked (or is blocked) it returns
// an empty scope and tracked=false, leaving the caller to decide whether
// to fetch anyway. It returns NoTrustedError if repo is tracked Trusted but
// storage currently has no trusted nodes recorded at all (spec §4.C: a
// Trusted scope with an empty trust set can never admit any remote).
func (s *Store) FetchScopeFor(repo types.RepoID, storage TrustedNodesProvider) (types.FetchScope, bool, error) {
	policy, ok, err := s.RepoPolicyFor(repo)
	if err != nil {
		return types.FetchScope{}, false, err
	}
	if !ok || policy.Policy != PolicyTrack {
		return types.FetchScope{}, false, nil
	}
	if policy.Scope == ScopeAll {
		return types.AllScope(), true, nil
	}
	trusted, err := storage.TrustedNodes()
	if err != nil {
		return types.FetchScope{}, false, err
	}
	if len(trusted) == 0 {
		return types.FetchScope{}, false, types.NoTrustedError{Repo: repo}
	}
	return types.TrustedScope(trusted), true, nil
}
