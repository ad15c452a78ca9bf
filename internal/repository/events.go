package repository

// Event is the type of value delivered to a Repository's subscribers.
// Concrete event types: NewCommit, NewCommitSync, DocumentChanged,
// UserChanged, MergeFallback, and DurabilityFailed.
type Event any

// NewCommit fires once a locally-originated commit has been appended to the
// log and linked into the graph.
type NewCommit struct {
	ID  string
	Key string
}

// NewCommitSync fires once a commit received from a sync peer (§4.8) has
// been accepted.
type NewCommitSync struct {
	ID       string
	Key      string
	FromPeer string
}

// DocumentChanged fires when a local write or a synthesized merge moves a
// key's effective head. A commit accepted from a sync peer emits only
// NewCommitSync, not DocumentChanged.
type DocumentChanged struct {
	Key      string
	PrevHead string
	NewHead  string
}

// UserChanged fires when the identity bound to a session changes (wired in
// by internal/trust; the repository itself treats this as an opaque event
// to forward to subscribers).
type UserChanged struct {
	UserID string
}

// MergeFallback reports a field that could not be reconciled by its normal
// merge rule and was resolved by last-writer-wins instead (§4.6's Failure
// clause). Not one of the four event kinds named in §4.7, but the natural
// place to surface internal/merge's Fallback records to an audit listener.
type MergeFallback struct {
	Key   string
	Field string
}

// DurabilityFailed fires when the log's durability barrier (fsync) fails
// after a write was already admitted into the in-memory graph, per §7. The
// repository transitions to StateDegraded in the same call that emits
// this — a subscriber sees the event before checkWritable starts rejecting
// further writes.
type DurabilityFailed struct {
	Op  string
	Err error
}
