// Package query implements GoatDB's incremental predicate+sort query engine
// (component C10): a resumable evaluation over a repository's materialized
// values, driven by commit age rather than by re-scanning from scratch on
// every change.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/goatdb/goatdb/internal/item"
	"github.com/goatdb/goatdb/internal/repository"
)

// Predicate reports whether it matches, given the query's Ctx.
type Predicate func(it *item.Item, ctx any) bool

// SortKey derives the string results are ordered by; ties break by key.
type SortKey func(it *item.Item) string

// Definition is one query's shape per §4.9: {source: repo, predicate, sort_key?, ctx, limit?}.
//
// Predicate and SortKey are Go closures, not source text, so unlike a
// hashable expression language CacheKey can't be derived by hashing the
// function bodies themselves. Instead it's derived from caller-supplied
// version tags (PredicateVersion, SortVersion, CtxVersion) -- callers must
// bump the relevant tag whenever they change what a closure does, or a
// stale on-disk cache will be silently accepted as still valid.
type Definition struct {
	Predicate        Predicate
	PredicateVersion string
	SortKey          SortKey
	SortVersion      string
	Ctx              any
	CtxVersion       string
	Limit            int
}

func (d Definition) cacheKey() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", d.PredicateVersion, d.SortVersion, d.CtxVersion)
	return hex.EncodeToString(h.Sum(nil))
}

// Result is one matching key in a query's ordered output.
type Result struct {
	Key     string `json:"key"`
	HeadID  string `json:"head_id"`
	SortKey string `json:"sort_key"`
}

func compareResults(a, b Result) int {
	if a.SortKey != b.SortKey {
		if a.SortKey < b.SortKey {
			return -1
		}
		return 1
	}
	if a.Key != b.Key {
		if a.Key < b.Key {
			return -1
		}
		return 1
	}
	return 0
}

// ResultsChanged is emitted after a Run that touched at least one key.
type ResultsChanged struct {
	LastProcessedAge uint64
}

// Query evaluates Definition over repo incrementally. The zero age processed
// on the first Run is the same codepath as an update: both process every
// commit with age greater than last_processed_age, so "first run" is simply
// "update from age 0".
type Query struct {
	repo     *repository.Repository
	def      Definition
	cacheKey string

	mu               sync.RWMutex
	results          []Result
	lastProcessedAge uint64

	subsMu sync.Mutex
	subs   []chan ResultsChanged
}

// New creates a query bound to repo with no prior progress. Use Open to
// resume from a persisted cache instead.
func New(repo *repository.Repository, def Definition) *Query {
	return &Query{repo: repo, def: def, cacheKey: def.cacheKey()}
}

// Open creates a query and attempts to resume from the cache at path (see
// Save/loadCache). A missing file, a cache_key mismatch, or a result whose
// head_id is no longer known to repo falls back to a clean rescan from age
// 0, matching §4.9's "invalid on cache_key mismatch" and §7's
// QueryError{CacheInvalid} triggering a rescan rather than failing Open.
func Open(repo *repository.Repository, def Definition, path string) (*Query, error) {
	q := New(repo, def)
	if path == "" {
		return q, nil
	}
	age, results, err := loadCache(path, q.cacheKey, repo)
	if err != nil {
		return nil, err
	}
	q.lastProcessedAge = age
	q.results = results
	return q, nil
}

// Subscribe registers a listener for ResultsChanged events, delivered
// non-blocking like internal/repository's event stream: a slow subscriber
// drops events instead of stalling Run.
func (q *Query) Subscribe() (events <-chan ResultsChanged, unsubscribe func()) {
	ch := make(chan ResultsChanged, 16)
	q.subsMu.Lock()
	q.subs = append(q.subs, ch)
	q.subsMu.Unlock()

	return ch, func() {
		q.subsMu.Lock()
		defer q.subsMu.Unlock()
		for i, s := range q.subs {
			if s == ch {
				q.subs = append(q.subs[:i], q.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (q *Query) emit(ev ResultsChanged) {
	q.subsMu.Lock()
	defer q.subsMu.Unlock()
	for _, s := range q.subs {
		select {
		case s <- ev:
		default:
		}
	}
}

// Results returns a snapshot of the current ordered (key, head_id, sort_key) list.
func (q *Query) Results() []Result {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Result, len(q.results))
	copy(out, q.results)
	return out
}

// LastProcessedAge returns the highest commit age folded into Results so far.
func (q *Query) LastProcessedAge() uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.lastProcessedAge
}

// Run processes every commit with age > last_processed_age, re-evaluating
// the predicate once per distinct key touched and updating the sorted
// result list in place. Cancellation is observed at the next commit
// boundary: on ctx.Done, Run returns QueryError{Cancelled} without updating
// last_processed_age or emitting ResultsChanged, so a later Run reprocesses
// the same range -- safe because re-evaluation is idempotent.
func (q *Query) Run(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	commits := q.repo.AllCommits() // already age-ordered

	var touchedKeys []string
	seen := make(map[string]struct{})
	var maxAge uint64
	for _, c := range commits {
		if c.Age <= q.lastProcessedAge {
			continue
		}
		if _, ok := seen[c.Key]; !ok {
			seen[c.Key] = struct{}{}
			touchedKeys = append(touchedKeys, c.Key)
		}
		if c.Age > maxAge {
			maxAge = c.Age
		}
	}
	if len(touchedKeys) == 0 {
		return nil
	}

	for _, key := range touchedKeys {
		select {
		case <-ctx.Done():
			return &QueryError{Kind: ErrCancelled, Cause: ctx.Err()}
		default:
		}
		if err := q.reevaluate(key); err != nil {
			return err
		}
	}

	q.lastProcessedAge = maxAge
	q.emit(ResultsChanged{LastProcessedAge: maxAge})
	return nil
}

func (q *Query) reevaluate(key string) error {
	it, head, err := q.repo.ValueForKey(key)
	if err != nil {
		return err
	}

	idx := q.find(key)
	if idx >= 0 {
		q.results = append(q.results[:idx], q.results[idx+1:]...)
	}
	if head == "" || !q.def.Predicate(it, q.def.Ctx) {
		return nil
	}

	var sk string
	if q.def.SortKey != nil {
		sk = q.def.SortKey(it)
	}
	r := Result{Key: key, HeadID: head, SortKey: sk}
	pos := sort.Search(len(q.results), func(i int) bool {
		return compareResults(q.results[i], r) >= 0
	})
	q.results = append(q.results, Result{})
	copy(q.results[pos+1:], q.results[pos:])
	q.results[pos] = r

	if q.def.Limit > 0 && len(q.results) > q.def.Limit {
		q.results = q.results[:q.def.Limit]
	}
	return nil
}

func (q *Query) find(key string) int {
	for i, r := range q.results {
		if r.Key == key {
			return i
		}
	}
	return -1
}

// Watch subscribes to repo's event stream and re-runs the query whenever a
// new commit arrives, forwarding ResultsChanged downstream. Stopping cancels
// both subscriptions; an in-flight Run observes ctx cancellation at its next
// commit boundary per the Run contract.
func (q *Query) Watch(ctx context.Context) (events <-chan ResultsChanged, stop func()) {
	repoEvents, unsubRepo := q.repo.Subscribe()
	qEvents, unsubQuery := q.Subscribe()
	out := make(chan ResultsChanged, 16)

	go func() {
		defer close(out)
		for ev := range qEvents {
			select {
			case out <- ev:
			default:
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-repoEvents:
				if !ok {
					return
				}
				if err := q.Run(ctx); err != nil {
					return
				}
			}
		}
	}()

	return out, func() {
		unsubRepo()
		unsubQuery()
	}
}
