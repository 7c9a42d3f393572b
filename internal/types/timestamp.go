package types

import "time"

// Timestamp is an unsigned millisecond counter since the Unix epoch, as
// spec.md §3 requires for every announcement.
type Timestamp uint64

// TimestampFromTime converts a wall-clock time to a Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return Timestamp(ms)
}

// Time converts the Timestamp back to a wall-clock time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// Add returns t shifted by d, clamped at zero.
func (t Timestamp) Add(d time.Duration) Timestamp {
	shifted := int64(t) + d.Milliseconds()
	if shifted < 0 {
		return 0
	}
	return Timestamp(shifted)
}

// Sub returns the signed duration between two timestamps, t - other.
func (t Timestamp) Sub(other Timestamp) time.Duration {
	return time.Duration(int64(t)-int64(other)) * time.Millisecond
}

// Features is a bitset of capabilities a node advertises in its NodeInfo
// announcement.
type Features uint64

const (
	// FeatureSeed marks a node willing to act as a routing seed: other
	// nodes relay its NodeInfo announcements, non-seed NodeInfo is
	// relayed once but never retained (spec §4.H).
	FeatureSeed Features = 1 << iota
)

// HasSeed reports whether the SEED feature bit is set.
func (f Features) HasSeed() bool { return f&FeatureSeed != 0 }
