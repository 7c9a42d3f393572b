// Package filter implements the compact repo-id subscription filter
// (spec.md §4.D): a probabilistic membership set a node advertises to
// tell peers which repos it is interested in, so peers only relay
// announcements the subscriber actually wants.
//
// No example repo in the pack carries a Bloom/xor-filter library, so
// this is a small hand-rolled bit-array Bloom filter in the teacher's
// plain style rather than a borrowed dependency.
package filter

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/knotprotocol/knot/internal/types"
)

const numHashes = 7

// Filter is a fixed-size Bloom filter over repo ids.
type Filter struct {
	bits []uint64
	n    uint64 // bit count
}

// New creates a filter sized for an expected number of elements at the
// given false-positive rate.
func New(expectedElements int, falsePositiveRate float64) *Filter {
	if expectedElements < 1 {
		expectedElements = 1
	}
	m := optimalBits(expectedElements, falsePositiveRate)
	words := (m + 63) / 64
	return &Filter{bits: make([]uint64, words), n: uint64(words * 64)}
}

func optimalBits(n int, p float64) int {
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := -1.0 * float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	bits := int(math.Ceil(m))
	if bits < 64 {
		bits = 64
	}
	return bits
}

// Empty reports whether the filter is the zero-value "match everything"
// sentinel (no filter installed yet): a peer with no subscription filter
// is assumed interested in everything (spec §4.D).
func (f *Filter) Empty() bool {
	return f == nil || f.n == 0
}

// Insert adds a repo id to the filter.
func (f *Filter) Insert(repo types.RepoID) {
	if f.Empty() {
		return
	}
	for _, h := range f.hashes(repo) {
		idx := h % f.n
		f.bits[idx/64] |= 1 << (idx % 64)
	}
}

// Contains reports whether repo may be a member (false positives
// possible, false negatives never).
func (f *Filter) Contains(repo types.RepoID) bool {
	if f.Empty() {
		// No filter means "interested in everything".
		return true
	}
	for _, h := range f.hashes(repo) {
		idx := h % f.n
		if f.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// Rebuild returns a new filter sized for len(repos) at the given
// false-positive rate and holding exactly those repos. The receiver is
// left unchanged.
func (f *Filter) Rebuild(repos []types.RepoID, falsePositiveRate float64) *Filter {
	nf := New(len(repos), falsePositiveRate)
	for _, r := range repos {
		nf.Insert(r)
	}
	return nf
}

// hashes derives numHashes independent hash values from repo via
// double hashing (Kirsch-Mitzenmacher): h_i = h1 + i*h2.
func (f *Filter) hashes(repo types.RepoID) []uint64 {
	b := repo.Cid().Bytes()

	h1 := fnv.New64a()
	h1.Write(b)
	v1 := h1.Sum64()

	h2 := fnv.New64()
	h2.Write(b)
	v2 := h2.Sum64()

	out := make([]uint64, numHashes)
	for i := 0; i < numHashes; i++ {
		out[i] = v1 + uint64(i)*v2
	}
	return out
}

// Bytes serializes the filter for wire transmission.
func (f *Filter) Bytes() []byte {
	if f.Empty() {
		return nil
	}
	out := make([]byte, 8+len(f.bits)*8)
	binary.BigEndian.PutUint64(out[:8], f.n)
	for i, w := range f.bits {
		binary.BigEndian.PutUint64(out[8+i*8:8+i*8+8], w)
	}
	return out
}

// FromBytes deserializes a filter previously produced by Bytes. An empty
// input yields the "match everything" sentinel filter.
func FromBytes(b []byte) (*Filter, error) {
	if len(b) == 0 {
		return &Filter{}, nil
	}
	if len(b) < 8 || (len(b)-8)%8 != 0 {
		return nil, errInvalidFilter
	}
	n := binary.BigEndian.Uint64(b[:8])
	words := (len(b) - 8) / 8
	bits := make([]uint64, words)
	for i := range bits {
		bits[i] = binary.BigEndian.Uint64(b[8+i*8 : 8+i*8+8])
	}
	return &Filter{bits: bits, n: n}, nil
}

var errInvalidFilter = filterError("filter: malformed serialized filter")

type filterError string

func (e filterError) Error() string { return string(e) }
