package types

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"
)

// RepoID is an opaque, content-addressed, totally ordered repository
// identifier.
type RepoID struct {
	c cid.Cid
}

// RepoIDFromCid wraps an existing content id.
func RepoIDFromCid(c cid.Cid) RepoID {
	return RepoID{c: c}
}

// ParseRepoID decodes a repo id from its canonical string form.
func ParseRepoID(s string) (RepoID, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return RepoID{}, fmt.Errorf("parse repo id %q: %w", s, err)
	}
	return RepoID{c: c}, nil
}

// Cid returns the underlying content id.
func (r RepoID) Cid() cid.Cid { return r.c }

// String returns the canonical encoding of the repo id.
func (r RepoID) String() string { return r.c.String() }

// IsZero reports whether this is the zero value.
func (r RepoID) IsZero() bool { return !r.c.Defined() }

// Equal reports whether two repo ids are the same.
func (r RepoID) Equal(other RepoID) bool { return r.c.Equals(other.c) }

// Less defines the total order invariant §3 requires: lexicographic
// comparison over the content id's byte encoding.
func (r RepoID) Less(other RepoID) bool {
	return bytes.Compare(r.c.Bytes(), other.c.Bytes()) < 0
}

func (r RepoID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RepoID) UnmarshalText(text []byte) error {
	id, err := ParseRepoID(string(text))
	if err != nil {
		return err
	}
	*r = id
	return nil
}
