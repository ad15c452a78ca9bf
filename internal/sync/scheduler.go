package sync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// backoffBase and backoffCap mirror the teacher's own exponential-backoff
// constants for transient storage conflicts (internal/storage/postgres):
// 5ms doubling, capped at 500ms, plus jitter.
const (
	backoffBase = 5 * time.Millisecond
	backoffCap  = 500 * time.Millisecond
)

// peerKey identifies one (peer, repository) pair for backoff and dedup
// bookkeeping.
type peerKey struct {
	Peer string
	Repo string
}

// peerState tracks a single (peer, repo) pair's failure streak and the
// cycle count to use for its next round.
type peerState struct {
	failures int
	cycles   int
}

// Scheduler drives repeated sync rounds against a set of peers, applying
// exponential backoff per (peer, repo) on transport failure and
// deduplicating concurrent round attempts for the same pair via
// singleflight — a second caller asking to sync a pair already in flight
// rides the first round's result instead of starting a redundant one.
type Scheduler struct {
	mu     sync.Mutex
	states map[peerKey]*peerState
	group  singleflight.Group

	// RoundFunc performs one actual round against (peer, repo) and reports
	// whether it completed, how many commits were accepted, and whether
	// this side wrote locally during the round (feeding NextCycles).
	RoundFunc func(ctx context.Context, peer, repo string) (result RoundResult, wroteLocally bool, err error)
}

// NewScheduler constructs a Scheduler. roundFunc performs the transport
// round-trip and persist_commits call for one (peer, repo) pair.
func NewScheduler(roundFunc func(ctx context.Context, peer, repo string) (RoundResult, bool, error)) *Scheduler {
	return &Scheduler{
		states:    make(map[peerKey]*peerState),
		RoundFunc: roundFunc,
	}
}

func (s *Scheduler) state(key peerKey) *peerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		st = &peerState{cycles: 3}
		s.states[key] = st
	}
	return st
}

// Cycles returns the cycle count currently scheduled for (peer, repo),
// defaulting to 3 (servers' low-accuracy, multi-round tuning) for a pair
// never synced before.
func (s *Scheduler) Cycles(peer, repo string) int {
	return s.state(peerKey{peer, repo}).cycles
}

// backoffDelay returns the exponential backoff delay for the nth
// consecutive failure (n=0 means no prior failure: no delay), with jitter
// in [0, delay/2) — the same shape as the teacher's postgres store retry.
func backoffDelay(failures int, now time.Time) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := backoffBase << uint(failures-1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := time.Duration(float64(d) * 0.5 * float64(now.UnixNano()%100) / 100)
	return d + jitter
}

// Sync runs one round against (peer, repo), applying any pending backoff
// delay first and updating the pair's failure streak and next cycle count
// on completion. Concurrent Sync calls for the same pair collapse into one
// in-flight round.
func (s *Scheduler) Sync(ctx context.Context, peer, repo string) (RoundResult, error) {
	key := peerKey{peer, repo}
	st := s.state(key)

	s.mu.Lock()
	failures := st.failures
	s.mu.Unlock()

	if d := backoffDelay(failures, time.Now()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return RoundResult{}, ctx.Err()
		}
	}

	dedupKey := peer + "\x00" + repo
	v, err, _ := s.group.Do(dedupKey, func() (any, error) {
		result, wroteLocally, err := s.RoundFunc(ctx, peer, repo)
		return roundOutcome{result, wroteLocally}, err
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		st.failures++
		return RoundResult{}, err
	}
	outcome := v.(roundOutcome)
	st.failures = 0
	st.cycles = NextCycles(st.cycles, outcome.wroteLocally)
	return outcome.result, nil
}

type roundOutcome struct {
	result       RoundResult
	wroteLocally bool
}
