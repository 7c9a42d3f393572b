// Package addressbook implements the per-node address book (spec.md §4.B):
// known addresses for a node, each carrying a source and a last-attempt
// time, persisted alongside the routing table's sqlite idiom.
package addressbook

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/knotprotocol/knot/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS addresses (
    node_id       TEXT    NOT NULL,
    host_kind     INTEGER NOT NULL,
    host          TEXT    NOT NULL,
    port          INTEGER NOT NULL,
    source        TEXT    NOT NULL,
    last_success  INTEGER NOT NULL DEFAULT 0,
    last_attempt  INTEGER NOT NULL DEFAULT 0,
    banned        INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (node_id, host_kind, host, port)
);
CREATE INDEX IF NOT EXISTS idx_addresses_node ON addresses(node_id);
`

// Source records where an address was learned from, per spec §3.
type Source string

const (
	SourcePeer   Source = "peer"
	SourceDNS    Source = "dns"
	SourceConfig Source = "config"
	SourceImport Source = "import"
)

// Record is one known address for a node.
type Record struct {
	Node        types.NodeID
	Addr        types.Address
	Source      Source
	LastSuccess types.Timestamp
	LastAttempt types.Timestamp
	Banned      bool
}

// Book is the address book store.
type Book struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (and initializes) an address book at path.
func Open(path string) (*Book, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open addressbook db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init addressbook schema: %w", err)
	}
	return &Book{db: db}, nil
}

// Close releases the underlying database handle.
func (b *Book) Close() error { return b.db.Close() }

// Insert records an address for node, attributed to source. Re-inserting
// an address that already exists under a different source does not
// overwrite the original source (spec §4.B: "first known source wins").
func (b *Book) Insert(node types.NodeID, addr types.Address, source Source) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.db.Exec(`
		INSERT INTO addresses (node_id, host_kind, host, port, source)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (node_id, host_kind, host, port) DO NOTHING`,
		node.String(), uint8(addr.Kind), addr.Host, addr.Port, string(source))
	if err != nil {
		return fmt.Errorf("insert address: %w", err)
	}
	return nil
}

// Remove deletes a single address for node.
func (b *Book) Remove(node types.NodeID, addr types.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.db.Exec(`DELETE FROM addresses WHERE node_id = ? AND host_kind = ? AND host = ? AND port = ?`,
		node.String(), uint8(addr.Kind), addr.Host, addr.Port)
	return err
}

// Addresses returns every address known for node, most recently
// successful first.
func (b *Book) Addresses(node types.NodeID) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.Query(`
		SELECT host_kind, host, port, source, last_success, last_attempt, banned
		FROM addresses WHERE node_id = ?
		ORDER BY last_success DESC`, node.String())
	if err != nil {
		return nil, fmt.Errorf("query addresses: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var kind uint8
		var host, source string
		var port uint16
		var lastSuccess, lastAttempt uint64
		var banned bool
		if err := rows.Scan(&kind, &host, &port, &source, &lastSuccess, &lastAttempt, &banned); err != nil {
			return nil, err
		}
		out = append(out, Record{
			Node:        node,
			Addr:        types.Address{Kind: types.HostKind(kind), Host: host, Port: port},
			Source:      Source(source),
			LastSuccess: types.Timestamp(lastSuccess),
			LastAttempt: types.Timestamp(lastAttempt),
			Banned:      banned,
		})
	}
	return out, rows.Err()
}

// RecordAttempt stamps the last-attempt time for an address, and on
// success additionally stamps last-success (spec §4.B backoff bookkeeping;
// the actual backoff schedule lives in internal/session).
func (b *Book) RecordAttempt(node types.NodeID, addr types.Address, at types.Timestamp, success bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		_, err := b.db.Exec(`
			UPDATE addresses SET last_attempt = ?, last_success = ?
			WHERE node_id = ? AND host_kind = ? AND host = ? AND port = ?`,
			uint64(at), uint64(at), node.String(), uint8(addr.Kind), addr.Host, addr.Port)
		return err
	}
	_, err := b.db.Exec(`
		UPDATE addresses SET last_attempt = ?
		WHERE node_id = ? AND host_kind = ? AND host = ? AND port = ?`,
		uint64(at), node.String(), uint8(addr.Kind), addr.Host, addr.Port)
	return err
}

// SetBanned marks (or unmarks) an address as banned, excluding it from
// future connection attempts without forgetting it.
func (b *Book) SetBanned(node types.NodeID, addr types.Address, banned bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.db.Exec(`
		UPDATE addresses SET banned = ?
		WHERE node_id = ? AND host_kind = ? AND host = ? AND port = ?`,
		banned, node.String(), uint8(addr.Kind), addr.Host, addr.Port)
	return err
}

// Len returns the total number of address rows across all nodes.
func (b *Book) Len() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n int
	if err := b.db.QueryRow(`SELECT COUNT(*) FROM addresses`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Nodes returns every distinct node this book has at least one
// non-banned address for, used by the idle task to find outbound
// connection candidates.
func (b *Book) Nodes() ([]types.NodeID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.Query(`SELECT DISTINCT node_id FROM addresses WHERE banned = 0`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
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

// BestAddress returns the first non-banned address on record for node,
// preferring the most recently successful one (Addresses is already
// ordered that way), if any.
func (b *Book) BestAddress(node types.NodeID) (types.Address, bool, error) {
	records, err := b.Addresses(node)
	if err != nil {
		return types.Address{}, false, err
	}
	for _, r := range records {
		if !r.Banned {
			return r.Addr, true, nil
		}
	}
	return types.Address{}, false, nil
}
