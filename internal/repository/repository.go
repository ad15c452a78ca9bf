// Package repository implements GoatDB's per-repository engine (component
// C8): the commit log, commit graph, and merge machinery wired together
// behind a single public contract, per §4.7. Every repository is a
// cooperative single-threaded-per-repository task per §5 — in-memory
// operations here never block on I/O for long, and the engine never fails a
// write on contention: a stale expected head is simply admitted as a new
// leaf, to be reconciled by a later merge.
package repository

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goatdb/goatdb/internal/cache"
	"github.com/goatdb/goatdb/internal/commit"
	"github.com/goatdb/goatdb/internal/commitlog"
	"github.com/goatdb/goatdb/internal/graph"
	"github.com/goatdb/goatdb/internal/item"
	"github.com/goatdb/goatdb/internal/merge"
	"github.com/goatdb/goatdb/internal/schema"
)

// Options configures a Repository. Every key held by one Repository is
// bound to a single (Namespace, Version) schema pair — GoatDB's
// cross-schema composition, if any, lives one layer up, keeping the
// repository engine itself schema-agnostic beyond field-level merge rules.
type Options struct {
	Namespace    string
	Version      int
	Registry     *schema.Registry
	Session      string // this peer's session id, stamped on locally-authored commits
	BuildVersion string

	// Signer, if set, signs every locally-authored commit (wired in by
	// internal/trust). Left nil, commits are appended unsigned.
	Signer func(*commit.Commit) commit.Signature

	// Verifier, if set, gates PersistCommits: a commit failing Verifier is
	// dropped from the incoming batch like any other rejected commit,
	// rather than failing the whole call (wired in as
	// internal/trust.Pool.VerifyCommit, per §4.10 "unsigned or invalid
	// commits are rejected at persist_commits"). Left nil, every commit
	// that parses is accepted regardless of signature.
	Verifier func(*commit.Commit) error

	CacheCapacity int
	CacheTTL      time.Duration
}

func (o Options) withDefaults() Options {
	if o.CacheCapacity == 0 {
		o.CacheCapacity = 4096
	}
	if o.CacheTTL == 0 {
		o.CacheTTL = 10 * time.Minute
	}
	return o
}

// Repository is GoatDB's engine for one repository file: durable log,
// in-memory commit graph, and a materialized-value cache keyed by commit
// id.
type Repository struct {
	opts Options
	path string

	log   *commitlog.Log
	graph *graph.Graph
	cache *cache.Cache[*item.Item]

	// opMu serializes every operation that can mutate the graph or append
	// to the log (writes, persisted sync batches, and merge synthesis
	// triggered by a read). Pure reads of an already-single-leaf key don't
	// need it; the graph and cache already guard their own state.
	opMu sync.Mutex

	stateMu sync.RWMutex
	state   State

	subsMu sync.Mutex
	subs   []chan Event
}

// Open loads path's commit log into memory and returns a ready Repository.
// The log file is created if absent.
func Open(path string, opts Options) (*Repository, error) {
	opts = opts.withDefaults()
	l, err := commitlog.Open(path)
	if err != nil {
		return nil, err
	}

	r := &Repository{
		opts:  opts,
		path:  path,
		log:   l,
		graph: graph.New(),
		cache: cache.New[*item.Item](opts.CacheCapacity, opts.CacheTTL),
		state: StateLoading,
	}

	if err := r.load(); err != nil {
		_ = l.Close()
		return nil, err
	}
	r.setState(StateReady)
	return r, nil
}

func (r *Repository) load() error {
	cur, err := r.log.NewCursor()
	if err != nil {
		return err
	}
	defer cur.Close()

	for {
		batch, terminal, err := cur.Next(512)
		if err != nil {
			return err
		}
		for _, c := range batch {
			if _, err := r.graph.Add(c); err != nil {
				return fmt.Errorf("repository: loading %s: %w", r.path, err)
			}
		}
		if terminal {
			return nil
		}
	}
}

func (r *Repository) State() State {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

func (r *Repository) setState(s State) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
}

func (r *Repository) checkWritable(op string) error {
	switch s := r.State(); s {
	case StateLoading, StateClosing, StateClosed, StateDegraded:
		return &RepoStateError{State: s, Op: op}
	default:
		return nil
	}
}

// degrade transitions the repository to StateDegraded and notifies
// subscribers, following a durability barrier failure that has already
// left a commit admitted in the in-memory graph but not safely on disk.
func (r *Repository) degrade(op string, err error) {
	r.setState(StateDegraded)
	r.emit(DurabilityFailed{Op: op, Err: err})
}

// Subscribe registers a listener for this repository's event stream.
// Events are delivered in the strict order they occur; the returned
// unsubscribe func stops delivery and closes the channel. The channel is
// buffered and non-blocking on send — a slow subscriber drops events rather
// than stalling the repository.
func (r *Repository) Subscribe() (events <-chan Event, unsubscribe func()) {
	ch := make(chan Event, 256)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()

	return ch, func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		for i, s := range r.subs {
			if s == ch {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (r *Repository) emit(ev Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, s := range r.subs {
		select {
		case s <- ev:
		default:
		}
	}
}

// materialize returns the item a commit's contents describe, resolving a
// delta's base recursively and caching every result by commit id.
func (r *Repository) materialize(id string) (*item.Item, error) {
	if v, ok := r.cache.Get(id); ok {
		return v, nil
	}
	c, ok := r.graph.Get(id)
	if !ok {
		return nil, fmt.Errorf("repository: commit %s not found", id)
	}

	var it *item.Item
	var err error
	if c.Contents.Delta != nil {
		base, berr := r.materialize(c.Contents.Delta.Base)
		if berr != nil {
			return nil, berr
		}
		it = item.Patch(base, c.Contents.Delta.Ops)
	} else {
		it, err = item.New(r.opts.Registry, r.opts.Namespace, r.opts.Version, c.Contents.Snapshot)
		if err != nil {
			return nil, err
		}
	}
	r.cache.Set(id, it)
	return it, nil
}

// HeadForKey returns key's single effective commit id, synthesizing and
// persisting a merge commit first if key currently has more than one leaf
// (§4.6). Returns ("", nil) if key has no commits at all.
func (r *Repository) HeadForKey(key string) (string, error) {
	leaves := r.graph.Leaves(key)
	switch len(leaves) {
	case 0:
		return "", nil
	case 1:
		return leaves[0], nil
	default:
		return r.synthesizeMerge(key, leaves)
	}
}

func (r *Repository) synthesizeMerge(key string, leaves []string) (string, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	// Leaves may have changed (or already been merged by a racing caller)
	// between the unlocked read in HeadForKey and acquiring opMu.
	leaves = r.graph.Leaves(key)
	if len(leaves) == 0 {
		return "", nil
	}
	if len(leaves) == 1 {
		return leaves[0], nil
	}
	if err := r.checkWritable("head_for_key (merge)"); err != nil {
		return "", err
	}

	var base *item.Item
	if baseID, ok := merge.SelectBase(r.graph, leaves); ok {
		b, err := r.materialize(baseID)
		if err != nil {
			return "", err
		}
		base = b
	} else if r.opts.Registry != nil {
		b, err := item.AsNullItem(r.opts.Registry, r.opts.Namespace, r.opts.Version)
		if err != nil {
			return "", err
		}
		base = b
	} else {
		b, err := item.New(nil, r.opts.Namespace, r.opts.Version, nil)
		if err != nil {
			return "", err
		}
		base = b
	}

	leafInputs := make([]merge.Leaf, len(leaves))
	for i, id := range leaves {
		c, _ := r.graph.Get(id)
		it, err := r.materialize(id)
		if err != nil {
			return "", err
		}
		leafInputs[i] = merge.Leaf{CommitID: id, Timestamp: c.Timestamp, Item: it}
	}

	merged, fallbacks := merge.Merge(key, base, leafInputs)
	for _, fb := range fallbacks {
		r.emit(MergeFallback{Key: fb.Key, Field: fb.Field})
	}

	mc := merge.BuildMergeCommit(key, r.opts.BuildVersion, leafInputs, merged)
	added, err := r.graph.Add(mc)
	if err != nil {
		return "", err
	}
	if added {
		if err := r.log.Append(mc); err != nil {
			r.degrade("head_for_key (merge)", err)
			return "", err
		}
		r.cache.Set(mc.ID, merged)
		r.emit(NewCommit{ID: mc.ID, Key: key})
		r.emit(DocumentChanged{Key: key, PrevHead: leaves[0], NewHead: mc.ID})
	}
	return mc.ID, nil
}

// ValueForKey returns key's current materialized item and its head commit
// id, or (nil, "", nil) if key has no commits.
func (r *Repository) ValueForKey(key string) (*item.Item, string, error) {
	head, err := r.HeadForKey(key)
	if err != nil || head == "" {
		return nil, "", err
	}
	it, err := r.materialize(head)
	if err != nil {
		return nil, "", err
	}
	return it, head, nil
}

// SetValueForKey writes a new commit for key with the given item and
// returns its id. expectedHead is the caller's last-seen head; if it no
// longer matches the current leaf set the write is still admitted as a new
// leaf — per §4.7, set_value_for_key never fails on contention, it relies
// on a later merge to reconcile concurrent writers.
func (r *Repository) SetValueForKey(key string, it *item.Item, expectedHead string) (string, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.checkWritable("set_value_for_key"); err != nil {
		return "", err
	}

	var parents []string
	var contents commit.Contents
	if expectedHead != "" && r.graph.Has(expectedHead) {
		base, err := r.materialize(expectedHead)
		if err != nil {
			return "", err
		}
		parents = []string{expectedHead}
		contents = commit.Contents{Delta: &commit.Delta{Base: expectedHead, Ops: item.Diff(base, it)}}
	} else {
		contents = commit.Contents{Snapshot: it.Fields()}
	}

	c := &commit.Commit{
		Key:          key,
		Session:      r.opts.Session,
		Timestamp:    time.Now().UTC(),
		BuildVersion: r.opts.BuildVersion,
		Parents:      parents,
		Contents:     contents,
	}
	c.ID = commit.ComputeID(c)
	if r.opts.Signer != nil {
		c.Signature = r.opts.Signer(c)
	}

	if _, err := r.graph.Add(c); err != nil {
		return "", err
	}
	if err := r.log.Append(c); err != nil {
		r.degrade("set_value_for_key", err)
		return "", err
	}
	r.cache.Set(c.ID, it.Clone())

	r.emit(NewCommit{ID: c.ID, Key: key})
	r.emit(DocumentChanged{Key: key, PrevHead: expectedHead, NewHead: c.ID})
	return c.ID, nil
}

// PersistCommits bulk-inserts commits received from a sync peer (§4.8),
// skipping ones already present, ones failing Verifier (unsigned or
// invalid, per §4.10), and ones rejected by the graph (a cyclic or
// self-referential parent chain) — each treated as one bad commit, not a
// reason to fail the whole batch. Returns the number newly accepted.
func (r *Repository) PersistCommits(commits []*commit.Commit, fromPeer string) (int, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.checkWritable("persist_commits"); err != nil {
		return 0, err
	}

	var toAppend []*commit.Commit
	var accepted []*commit.Commit
	for _, c := range commits {
		if r.graph.Has(c.ID) {
			continue
		}
		if r.opts.Verifier != nil {
			if err := r.opts.Verifier(c); err != nil {
				continue
			}
		}
		added, err := r.graph.Add(c)
		if err != nil || !added {
			continue
		}
		toAppend = append(toAppend, c)
		accepted = append(accepted, c)
	}
	if len(toAppend) == 0 {
		return 0, nil
	}
	if err := r.log.Append(toAppend...); err != nil {
		r.degrade("persist_commits", err)
		return 0, err
	}
	for _, c := range accepted {
		r.emit(NewCommitSync{ID: c.ID, Key: c.Key, FromPeer: fromPeer})
	}
	return len(accepted), nil
}

// Commits returns every commit visible to session: session's own commits,
// or every commit when session is the trust pool's root owner. This
// resolves an area §4.7 leaves open ("rows not readable by the session are
// elided") without specifying an ACL model beyond commit ownership; a
// richer per-row grant system is out of scope here.
func (r *Repository) Commits(session string) []*commit.Commit {
	all := r.graph.All()
	out := make([]*commit.Commit, 0, len(all))
	for _, c := range all {
		if session == "root" || c.Session == session {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Age < out[j].Age })
	return out
}

// AllCommits returns every commit held, in insertion (age) order,
// unfiltered by session ownership. Used by internal/sync, where peer trust
// (not the per-session ACL Commits applies) governs visibility.
func (r *Repository) AllCommits() []*commit.Commit {
	all := r.graph.All()
	sort.Slice(all, func(i, j int) bool { return all[i].Age < all[j].Age })
	return all
}

// NumCommits returns len(Commits(session)) without materializing the full
// slice's sort, for callers that only need a count.
func (r *Repository) NumCommits(session string) int {
	n := 0
	for _, c := range r.graph.All() {
		if session == "root" || c.Session == session {
			n++
		}
	}
	return n
}

// HasCommit reports whether id is a commit this repository holds, for
// callers (internal/query's on-disk cache validation) that need to check a
// remembered commit id is still meaningful before trusting it.
func (r *Repository) HasCommit(id string) bool {
	return r.graph.Has(id)
}

// Flush drains the log's buffered writes to stable storage. A failed flush
// moves the repository to StateDegraded.
func (r *Repository) Flush() error {
	if err := r.checkWritable("flush"); err != nil {
		return err
	}
	r.setState(StateFlushing)
	if err := r.log.Flush(); err != nil {
		r.degrade("flush", err)
		return err
	}
	r.setState(StateReady)
	return nil
}

// Close transitions the repository to Closing (rejecting new writes),
// flushes, and releases the log's file handle.
func (r *Repository) Close() error {
	r.setState(StateClosing)
	defer r.setState(StateClosed)

	r.subsMu.Lock()
	for _, s := range r.subs {
		close(s)
	}
	r.subs = nil
	r.subsMu.Unlock()

	return r.log.Close()
}
