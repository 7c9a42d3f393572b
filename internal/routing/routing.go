// Package routing implements the persistent repo-id -> seed-node routing
// table (spec.md §4.A): a many-to-many mapping with per-(repo,seed)
// freshest-timestamp semantics and age/size-bounded pruning.
package routing

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/knotprotocol/knot/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS routing (
    repo_id   TEXT    NOT NULL,
    seed_id   TEXT    NOT NULL,
    timestamp INTEGER NOT NULL,
    PRIMARY KEY (repo_id, seed_id)
);
CREATE INDEX IF NOT EXISTS idx_routing_repo ON routing(repo_id);
CREATE INDEX IF NOT EXISTS idx_routing_seed ON routing(seed_id);
CREATE INDEX IF NOT EXISTS idx_routing_timestamp ON routing(timestamp);
`

// UpdateResult reports what insert actually did, per spec §4.A.
type UpdateResult int

const (
	// SeedAdded means no prior (repo, seed) row existed.
	SeedAdded UpdateResult = iota
	// TimeUpdated means the row existed and the new timestamp is newer.
	TimeUpdated
	// NotUpdated means the row existed and the new timestamp was not newer.
	NotUpdated
)

func (r UpdateResult) String() string {
	switch r {
	case SeedAdded:
		return "seed-added"
	case TimeUpdated:
		return "time-updated"
	default:
		return "not-updated"
	}
}

// Table is the routing table. A single mutex serializes writers; sqlite's
// own locking means this is belt-and-suspenders, but the spec (§5) calls
// for a single-writer discipline on persistent stores so we make it
// explicit rather than relying on driver-level locking alone.
type Table struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (and, if needed, initializes) a routing table at path. Pass
// ":memory:" for an ephemeral table, useful in tests.
func Open(path string) (*Table, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open routing db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init routing schema: %w", err)
	}
	return &Table{db: db}, nil
}

// Close releases the underlying database handle.
func (t *Table) Close() error {
	return t.db.Close()
}

// Insert upserts a (repo, seed) observation, returning what it did.
// Invariant 4 (spec §3): the stored timestamp only ever moves forward for
// a given (repo, seed).
func (t *Table) Insert(repo types.RepoID, seed types.NodeID, ts types.Timestamp) (UpdateResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var existing int64
	err := t.db.QueryRow(`SELECT timestamp FROM routing WHERE repo_id = ? AND seed_id = ?`,
		repo.String(), seed.String()).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := t.db.Exec(`INSERT INTO routing (repo_id, seed_id, timestamp) VALUES (?, ?, ?)`,
			repo.String(), seed.String(), uint64(ts)); err != nil {
			return NotUpdated, fmt.Errorf("insert routing row: %w", err)
		}
		return SeedAdded, nil
	case err != nil:
		return NotUpdated, fmt.Errorf("query routing row: %w", err)
	}

	if uint64(ts) <= uint64(existing) {
		return NotUpdated, nil
	}
	if _, err := t.db.Exec(`UPDATE routing SET timestamp = ? WHERE repo_id = ? AND seed_id = ?`,
		uint64(ts), repo.String(), seed.String()); err != nil {
		return NotUpdated, fmt.Errorf("update routing row: %w", err)
	}
	return TimeUpdated, nil
}

// Remove deletes a (repo, seed) row, reporting whether one existed.
func (t *Table) Remove(repo types.RepoID, seed types.NodeID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res, err := t.db.Exec(`DELETE FROM routing WHERE repo_id = ? AND seed_id = ?`, repo.String(), seed.String())
	if err != nil {
		return false, fmt.Errorf("delete routing row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns the set of seeds known to hold repo.
func (t *Table) Get(repo types.RepoID) ([]types.NodeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, err := t.db.Query(`SELECT seed_id FROM routing WHERE repo_id = ?`, repo.String())
	if err != nil {
		return nil, fmt.Errorf("query seeds: %w", err)
	}
	defer rows.Close()

	var out []types.NodeID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		id, err := types.ParseNodeID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetResources returns the set of repos a given seed is known to carry.
func (t *Table) GetResources(seed types.NodeID) ([]types.RepoID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, err := t.db.Query(`SELECT repo_id FROM routing WHERE seed_id = ?`, seed.String())
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()

	var out []types.RepoID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		id, err := types.ParseRepoID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Len returns the total number of routing rows.
func (t *Table) Len() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int
	if err := t.db.QueryRow(`SELECT COUNT(*) FROM routing`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count routing rows: %w", err)
	}
	return n, nil
}

// Prune deletes entries older than oldestMs, oldest first, up to maxDelete
// rows if maxDelete is non-nil (spec §4.A).
func (t *Table) Prune(oldestMs types.Timestamp, maxDelete *int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, err := t.db.Query(`SELECT repo_id, seed_id FROM routing WHERE timestamp < ? ORDER BY timestamp ASC`,
		uint64(oldestMs))
	if err != nil {
		return 0, fmt.Errorf("select prune candidates: %w", err)
	}
	type key struct{ repo, seed string }
	var candidates []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.repo, &k.seed); err != nil {
			rows.Close()
			return 0, err
		}
		candidates = append(candidates, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if maxDelete != nil && len(candidates) > *maxDelete {
		candidates = candidates[:*maxDelete]
	}

	tx, err := t.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin prune tx: %w", err)
	}
	stmt, err := tx.Prepare(`DELETE FROM routing WHERE repo_id = ? AND seed_id = ?`)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	for _, k := range candidates {
		if _, err := stmt.Exec(k.repo, k.seed); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("delete pruned row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune tx: %w", err)
	}
	return len(candidates), nil
}

// Entry is a single routing observation, used by callers that want to
// diff inventories against the whole table (spec §4.H's SeedAdded /
// SeedDropped event emission).
type Entry struct {
	Repo      types.RepoID
	Seed      types.NodeID
	Timestamp types.Timestamp
}

// Entries returns every row, sorted by (repo, seed) for deterministic
// iteration in tests and diffing code.
func (t *Table) Entries() ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, err := t.db.Query(`SELECT repo_id, seed_id, timestamp FROM routing`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var repoS, seedS string
		var ts uint64
		if err := rows.Scan(&repoS, &seedS, &ts); err != nil {
			return nil, err
		}
		repo, err := types.ParseRepoID(repoS)
		if err != nil {
			return nil, err
		}
		seed, err := types.ParseNodeID(seedS)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Repo: repo, Seed: seed, Timestamp: types.Timestamp(ts)})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Repo.Equal(out[j].Repo) {
			return out[i].Repo.Less(out[j].Repo)
		}
		return out[i].Seed.String() < out[j].Seed.String()
	})
	return out, rows.Err()
}
