// Package commit defines GoatDB's commit record (component C6's unit of
// storage): a content-addressed, optionally-signed description of a new
// value for one key, pointing to zero, one, or two parents.
package commit

import (
	"sort"
	"time"

	"github.com/goatdb/goatdb/internal/item"
	"github.com/goatdb/goatdb/internal/value"
)

// Contents is either a full snapshot or a delta against a base parent.
// Exactly one of Snapshot or Delta is set.
type Contents struct {
	Snapshot map[string]value.Value
	Delta    *Delta
}

// Delta describes a change set against a named base parent commit.
type Delta struct {
	Base string
	Ops  item.ChangeSet
}

// Signature binds a commit to the session that authored it, per §4.10.
type Signature struct {
	SessionID string
	Bytes     []byte
	Timestamp time.Time
	Nonce     string
}

// Commit is GoatDB's unit of history. ID is the hash of every other field
// except ID, Age, and Signature (§3 "Commit" invariant). Age is assigned
// locally on first observation and is never part of the hash or the wire
// encoding.
type Commit struct {
	ID           string
	Key          string
	Session      string
	Timestamp    time.Time
	BuildVersion string
	Parents      []string
	Contents     Contents
	Signature    Signature
	Age          uint64
}

// ComputeID returns the content-addressed id for c, i.e. the hash of every
// field except ID, Age, and Signature.
func ComputeID(c *Commit) string {
	return value.B64(hashPayload(c))
}

// VerifyID reports whether c.ID matches ComputeID(c) — the id-integrity
// property in §8.1.
func VerifyID(c *Commit) bool {
	return c.ID == ComputeID(c)
}

func hashPayload(c *Commit) []byte {
	enc := encodeCommitPayload(c)
	sum := value.CanonicalHash(value.Blob(enc))
	return sum[:]
}

// encodeCommitPayload canonically encodes the hashed portion of a commit:
// key, session, timestamp (millisecond precision per §6), build version,
// parents (order-preserving — parent order is meaningful, merge parent 0 is
// "ours" by convention), and contents.
func encodeCommitPayload(c *Commit) []byte {
	var out []byte
	out = append(out, value.LengthPrefixed([]byte(c.Key))...)
	out = append(out, value.LengthPrefixed([]byte(c.Session))...)
	out = value.AppendUvarint(out, uint64(c.Timestamp.UTC().UnixMilli()))
	out = append(out, value.LengthPrefixed([]byte(c.BuildVersion))...)
	out = value.AppendUvarint(out, uint64(len(c.Parents)))
	for _, p := range c.Parents {
		out = append(out, value.LengthPrefixed([]byte(p))...)
	}
	out = append(out, encodeContents(c.Contents)...)
	return out
}

func encodeContents(c Contents) []byte {
	if c.Delta != nil {
		out := []byte{'d'}
		out = append(out, value.LengthPrefixed([]byte(c.Delta.Base))...)
		out = append(out, encodeChangeSet(c.Delta.Ops)...)
		return out
	}
	out := []byte{'s'}
	out = append(out, value.Canonical(value.Map(c.Snapshot))...)
	return out
}

func encodeChangeSet(cs item.ChangeSet) []byte {
	names := make([]string, 0, len(cs))
	for n := range cs {
		names = append(names, n)
	}
	sort.Strings(names)
	out := value.AppendUvarint(nil, uint64(len(names)))
	for _, n := range names {
		out = append(out, value.LengthPrefixed([]byte(n))...)
		out = append(out, encodeChange(cs[n])...)
	}
	return out
}

func encodeChange(c *item.Change) []byte {
	if c == nil {
		return []byte{0xff}
	}
	out := []byte{byte(c.Kind)}
	switch c.Kind {
	case item.ChangeSet:
		out = append(out, value.Canonical(c.Value)...)
	case item.ChangeSetDelta:
		out = value.AppendUvarint(out, uint64(len(c.SetAdds)))
		for _, v := range c.SetAdds {
			out = append(out, value.LengthPrefixed(value.Canonical(v))...)
		}
		out = value.AppendUvarint(out, uint64(len(c.SetRemoves)))
		for _, v := range c.SetRemoves {
			out = append(out, value.LengthPrefixed(value.Canonical(v))...)
		}
	case item.ChangeListSplice:
		out = value.AppendUvarint(out, uint64(len(c.ListOps)))
		for _, op := range c.ListOps {
			if op.Insert {
				out = append(out, 1)
				out = value.AppendUvarint(out, uint64(op.Index))
				out = append(out, value.LengthPrefixed(value.Canonical(op.Value))...)
			} else {
				out = append(out, 0)
				out = value.AppendUvarint(out, uint64(op.Index))
			}
		}
	case item.ChangeMapDelta:
		keys := make([]string, 0, len(c.MapOps))
		for k := range c.MapOps {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out = value.AppendUvarint(out, uint64(len(keys)))
		for _, k := range keys {
			out = append(out, value.LengthPrefixed([]byte(k))...)
			out = append(out, encodeChange(c.MapOps[k])...)
		}
	case item.ChangeRichTextEdit:
		out = value.AppendUvarint(out, uint64(len(c.TextOps)))
		for _, op := range c.TextOps {
			out = value.AppendUvarint(out, uint64(op.Offset))
			out = value.AppendUvarint(out, uint64(op.DeleteLen))
			out = append(out, value.LengthPrefixed([]byte(op.Insert))...)
		}
	}
	return out
}

// IsGenesis reports whether c has no parents.
func (c *Commit) IsGenesis() bool { return len(c.Parents) == 0 }

// IsMerge reports whether c has two parents.
func (c *Commit) IsMerge() bool { return len(c.Parents) == 2 }

// Less implements the tie-break order from §4.5: primary by timestamp
// ascending, secondary by lexicographic id ascending.
func Less(a, b *Commit) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}
