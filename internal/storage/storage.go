// Package storage implements the reference Storage collaborator that
// internal/service depends on (spec.md §1: repository content and ref
// state are an external concern, specified only by interface). It keeps
// per-repo metadata and ref state in sqlite, reads the trusted-node set
// from the tracking store it is opened with, and uses an opaque go-datastore-backed key/value store (go-ds-badger)
// for warm-restart caching of the last-sent announcement per repo.
package storage

import (
	"bytes"
	"database/sql"
	"fmt"
	"sync"

	"github.com/ipfs/go-datastore"
	badger "github.com/ipfs/go-ds-badger"
	_ "modernc.org/sqlite"

	"github.com/knotprotocol/knot/internal/tracking"
	"github.com/knotprotocol/knot/internal/types"
	"github.com/knotprotocol/knot/internal/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS repos (
    repo_id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS refs (
    repo_id    TEXT NOT NULL,
    remote_id  TEXT NOT NULL,
    ref_name   TEXT NOT NULL,
    oid        TEXT NOT NULL,
    PRIMARY KEY (repo_id, remote_id, ref_name)
);
`

// announcementKeyPrefix namespaces the datastore keys used to cache the
// last announcement sent for a repo, for fast re-announcement after a
// restart without recomputing it from sqlite state.
const announcementKeyPrefix = "/announcement/"

// Store is the reference Storage implementation.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	ds  datastore.Batching
	trk *tracking.Store
}

// Open opens (and initializes) sqlite state at sqlitePath and a badger
// datastore rooted at badgerDir. trk is the tracking store backing
// TrustedNodes; it is owned by the caller and not closed here.
func Open(sqlitePath, badgerDir string, trk *tracking.Store) (*Store, error) {
	db, err := sql.Open("sqlite", sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init storage schema: %w", err)
	}

	dsopts := badger.DefaultOptions
	ds, err := badger.NewDatastore(badgerDir, &dsopts)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open badger datastore: %w", err)
	}

	return &Store{db: db, ds: ds, trk: trk}, nil
}

// Close releases both underlying stores.
func (s *Store) Close() error {
	dsErr := s.ds.Close()
	dbErr := s.db.Close()
	if dsErr != nil {
		return dsErr
	}
	return dbErr
}

// SeedRepo registers repo as locally seeded (administrative operation,
// e.g. from cmd/knotctl or a higher-level git-aware layer out of this
// spec's scope).
func (s *Store) SeedRepo(repo types.RepoID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO repos (repo_id) VALUES (?) ON CONFLICT (repo_id) DO NOTHING`, repo.String())
	if err != nil {
		return fmt.Errorf("seed repo: %w", err)
	}
	return nil
}

// UnseedRepo stops locally seeding repo.
func (s *Store) UnseedRepo(repo types.RepoID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM repos WHERE repo_id = ?`, repo.String())
	return err
}

// LocalInventory returns every repo this node currently seeds (the
// Storage half of spec §4.H's handshake Inventory).
func (s *Store) LocalInventory() ([]types.RepoID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT repo_id FROM repos`)
	if err != nil {
		return nil, fmt.Errorf("query local inventory: %w", err)
	}
	defer rows.Close()

	var out []types.RepoID
	for rows.Next() {
		var repoID string
		if err := rows.Scan(&repoID); err != nil {
			return nil, err
		}
		id, err := types.ParseRepoID(repoID)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// HasRepo reports whether repo is in the local inventory.
func (s *Store) HasRepo(repo types.RepoID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM repos WHERE repo_id = ?`, repo.String()).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query has repo: %w", err)
	}
	return true, nil
}

// TrustedNodes implements tracking.TrustedNodesProvider by delegating to
// the tracking store, which owns node trust policy.
func (s *Store) TrustedNodes() ([]types.NodeID, error) {
	return s.trk.TrustedNodes()
}

// ApplyRefs persists a verified, tracked repo's incoming per-remote ref
// state. The actual git object transfer is out of scope (spec §1); this
// only records the ref pointers the gossip layer learned about.
func (s *Store) ApplyRefs(repo types.RepoID, refs wire.Refs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin apply refs tx: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM refs WHERE repo_id = ? AND remote_id = ?`,
		repo.String(), refs.Author.String()); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear stale refs: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO refs (repo_id, remote_id, ref_name, oid) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, remote := range refs.Remotes {
		for name, oid := range remote.Refs {
			if _, err := stmt.Exec(repo.String(), remote.Remote.String(), name, oid); err != nil {
				tx.Rollback()
				return fmt.Errorf("insert ref: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply refs tx: %w", err)
	}
	return nil
}

// Refs returns every known ref for repo, keyed by remote node and ref
// name, for inspection by cmd/knotctl or tests.
func (s *Store) Refs(repo types.RepoID) (map[string]map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT remote_id, ref_name, oid FROM refs WHERE repo_id = ?`, repo.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]map[string]string)
	for rows.Next() {
		var remote, name, oid string
		if err := rows.Scan(&remote, &name, &oid); err != nil {
			return nil, err
		}
		if out[remote] == nil {
			out[remote] = make(map[string]string)
		}
		out[remote][name] = oid
	}
	return out, rows.Err()
}

// Remotes returns repo's known ref state as wire.SignedRefs, one per
// remote, for comparison against an incoming announcement's Remotes
// (spec §4.H's RefsSynced check: are the announcer's refs already a
// subset of what's stored locally).
func (s *Store) Remotes(repo types.RepoID) (map[types.NodeID]wire.SignedRefs, error) {
	byRemote, err := s.Refs(repo)
	if err != nil {
		return nil, err
	}
	out := make(map[types.NodeID]wire.SignedRefs, len(byRemote))
	for remoteS, refs := range byRemote {
		remote, err := types.ParseNodeID(remoteS)
		if err != nil {
			return nil, err
		}
		out[remote] = wire.SignedRefs{Remote: remote, Refs: refs}
	}
	return out, nil
}

// CacheAnnouncement persists the wire encoding of the last announcement
// sent for repo, so a restarted node can re-announce without waiting for
// the next periodic announce task (spec §4.H's warm-restart note).
func (s *Store) CacheAnnouncement(repo types.RepoID, msg wire.Message) error {
	var buf bytes.Buffer
	if err := wire.Encode(&buf, msg); err != nil {
		return fmt.Errorf("encode cached announcement: %w", err)
	}
	key := datastore.NewKey(announcementKeyPrefix + repo.String())
	return s.ds.Put(key, buf.Bytes())
}

// LoadCachedAnnouncement returns the last cached announcement for repo,
// if any.
func (s *Store) LoadCachedAnnouncement(repo types.RepoID) (wire.Message, bool, error) {
	key := datastore.NewKey(announcementKeyPrefix + repo.String())
	b, err := s.ds.Get(key)
	if err == datastore.ErrNotFound {
		return wire.Message{}, false, nil
	}
	if err != nil {
		return wire.Message{}, false, fmt.Errorf("load cached announcement: %w", err)
	}
	msg, err := wire.Decode(bytes.NewReader(b))
	if err != nil {
		return wire.Message{}, false, err
	}
	return msg, true, nil
}
