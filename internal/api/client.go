package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/goatdb/goatdb/internal/bloomfilter"
	"github.com/goatdb/goatdb/internal/repository"
	goatsync "github.com/goatdb/goatdb/internal/sync"
)

// Client drives the caller's side of sync rounds against remote GoatDB
// processes' /sync/{repo}/round endpoints — the symmetric counterpart to
// syncHandler.round, reusing the same roundRequest/roundResponse wire
// shape. Per §4.8, one round only tells the caller what the peer is
// missing; Client remembers each peer's last-seen filter and pushes the
// commits it computes that peer needs on the FOLLOWING round, the same
// "push what a prior round revealed" pattern roundRequest.Push documents
// on the server side.
type Client struct {
	HTTPClient   *http.Client
	BuildVersion string
	// PeerID is sent as X-GoatDB-Peer so the remote side's
	// PersistCommits attributes accepted commits to this process.
	PeerID string
	// RoundsPerSecond caps how many rounds per second this Client starts
	// against any single peer, via a golang.org/x/time/rate.Limiter
	// allocated lazily per peer. Zero means unlimited.
	RoundsPerSecond float64

	mu          sync.Mutex
	peerFilters map[string]*bloomfilter.Filter
	limiters    map[string]*rate.Limiter
}

// NewClient returns a Client with a bounded-timeout http.Client.
func NewClient(buildVersion, peerID string, roundsPerSecond float64) *Client {
	return &Client{
		HTTPClient:      &http.Client{Timeout: 10 * time.Second},
		BuildVersion:    buildVersion,
		PeerID:          peerID,
		RoundsPerSecond: roundsPerSecond,
		peerFilters:     make(map[string]*bloomfilter.Filter),
		limiters:        make(map[string]*rate.Limiter),
	}
}

// limiterFor returns (creating if absent) the rate limiter governing rounds
// against peerAddr.
func (c *Client) limiterFor(peerAddr string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[peerAddr]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.RoundsPerSecond), 1)
		c.limiters[peerAddr] = l
	}
	return l
}

// Round performs one round against peerAddr (a base URL like
// "http://host:8081") for repoName. Its signature matches what
// sync.NewScheduler expects for RoundFunc once repo and cycles are bound
// by a closure at call-site (see cmd/goatdb).
func (c *Client) Round(ctx context.Context, peerAddr, repoName string, repo *repository.Repository, cycles int) (goatsync.RoundResult, bool, error) {
	if c.RoundsPerSecond > 0 {
		if err := c.limiterFor(peerAddr).Wait(ctx); err != nil {
			return goatsync.RoundResult{}, false, fmt.Errorf("api: rate limit wait for %s: %w", peerAddr, err)
		}
	}

	local := repo.AllCommits()
	ids := make([]string, len(local))
	for i, cm := range local {
		ids[i] = cm.ID
	}
	msg := goatsync.BuildMessage(ids, cycles, c.BuildVersion)

	dedupKey := peerAddr + "\x00" + repoName
	c.mu.Lock()
	knownPeerFilter := c.peerFilters[dedupKey]
	c.mu.Unlock()

	req := roundRequest{
		Filter:       msg.Filter.Serialize(),
		Size:         msg.Size,
		Cycles:       msg.Cycles,
		BuildVersion: c.BuildVersion,
	}
	if knownPeerFilter != nil {
		req.Push = goatsync.MissingCommits(local, knownPeerFilter, goatsync.MaxBatchCommits)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return goatsync.RoundResult{}, false, fmt.Errorf("api: encoding sync request: %w", err)
	}

	url := fmt.Sprintf("%s/sync/%s/round", peerAddr, repoName)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return goatsync.RoundResult{}, false, fmt.Errorf("api: building sync request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.PeerID != "" {
		httpReq.Header.Set("X-GoatDB-Peer", c.PeerID)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return goatsync.RoundResult{}, false, fmt.Errorf("api: sync round with %s: %w", peerAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return goatsync.RoundResult{}, false, fmt.Errorf("api: sync round with %s: unexpected status %d", peerAddr, resp.StatusCode)
	}

	var rr roundResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return goatsync.RoundResult{}, false, fmt.Errorf("api: decoding sync response: %w", err)
	}

	peerFilter, err := bloomfilter.Deserialize(rr.Filter)
	if err != nil {
		return goatsync.RoundResult{}, false, fmt.Errorf("api: malformed peer filter: %w", err)
	}
	c.mu.Lock()
	c.peerFilters[dedupKey] = peerFilter
	c.mu.Unlock()

	accepted, err := repo.PersistCommits(rr.Push, peerAddr)
	if err != nil {
		return goatsync.RoundResult{}, false, fmt.Errorf("api: persisting commits from %s: %w", peerAddr, err)
	}

	// wroteLocally here means "this side had new commits to push this
	// round" — the condition that should tighten the next round's filter
	// per NextCycles, so the just-pushed tip isn't a false negative at the
	// peer before it's confirmed.
	wroteLocally := len(req.Push) > 0
	return goatsync.RoundResult{Accepted: accepted + rr.Accepted, Completed: time.Now().UTC()}, wroteLocally, nil
}
