// Package sync implements GoatDB's bidirectional sync protocol (component
// C9): a stateless-per-round, probabilistic delta exchange driven by bloom
// filters, plus the peer scheduler (backoff, round dedup, cycle tuning)
// around it.
package sync

import (
	"sort"
	"time"

	"github.com/goatdb/goatdb/internal/bloomfilter"
	"github.com/goatdb/goatdb/internal/commit"
)

// Message is what each side sends in one round, per §4.8 step 1.
type Message struct {
	Filter       *bloomfilter.Filter
	Size         int
	Cycles       int
	BuildVersion string
}

// serverFilterP and clientFilterP are the target false-positive rates
// feeding a filter's construction, tuned by Cycles per §4.8: servers run a
// cheaper, higher-p filter and rely on a few rounds to converge; a client
// that just wrote locally tightens to its lowest p so its own new tip isn't
// a false-positive leaf at the peer.
const (
	serverFilterP = 0.05
	clientFilterP = 0.01
	tightFilterP  = 0.001
)

// filterP returns the target false-positive rate for a message with the
// given cycle count: more cycles means a cheaper (higher-p) filter is
// acceptable because convergence is spread over more rounds.
func filterP(cycles int) float64 {
	switch {
	case cycles >= 3:
		return serverFilterP
	case cycles <= 1:
		return tightFilterP
	default:
		return clientFilterP
	}
}

// BuildMessage constructs this side's Message from the full set of commit
// ids it holds.
func BuildMessage(ids []string, cycles int, buildVersion string) Message {
	f := bloomfilter.New(len(ids), filterP(cycles), bloomfilter.DefaultHashCap)
	for _, id := range ids {
		f.Add([]byte(id))
	}
	return Message{Filter: f, Size: len(ids), Cycles: cycles, BuildVersion: buildVersion}
}

// MaxBatchCommits bounds one round's response payload; callers needing a
// different cap (e.g. a byte-size budget) can trim the result of
// MissingCommits further — it is already tie-broken correctly for
// truncation.
const MaxBatchCommits = 4096

// MissingCommits returns the commits held locally that the peer's filter
// doesn't report knowing about, per §4.8 step 3. When more than max
// qualify, the oldest (by commit Age, then by id) are kept — the tie-break
// named in §4.8 ("on payload size cap, send oldest-age-first, then by
// commit id").
func MissingCommits(local []*commit.Commit, peerFilter *bloomfilter.Filter, max int) []*commit.Commit {
	var missing []*commit.Commit
	for _, c := range local {
		if !peerFilter.Contains([]byte(c.ID)) {
			missing = append(missing, c)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].Age != missing[j].Age {
			return missing[i].Age < missing[j].Age
		}
		return missing[i].ID < missing[j].ID
	})
	if max > 0 && len(missing) > max {
		missing = missing[:max]
	}
	return missing
}

// Response is one side's reply payload for a round: the commits it believes
// the peer is missing, plus its own filter (so the peer can symmetrically
// compute what it's missing from this side, per §4.8 step 2's
// "B replies symmetrically").
type Response struct {
	Commits []*commit.Commit
	Filter  *bloomfilter.Filter
	Size    int
}

// NextCycles returns the cycle count to request for the next round: a
// client that just accepted a local write forces cycles=1 (tightest
// filter) to avoid a false-positive leaf at its own tip; otherwise cycles
// is left unchanged.
func NextCycles(current int, wroteLocally bool) int {
	if wroteLocally {
		return 1
	}
	return current
}

// RoundResult summarizes one completed round for the scheduler.
type RoundResult struct {
	Accepted  int
	Completed time.Time
}
