package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerDefaultsToThreeCycles(t *testing.T) {
	s := NewScheduler(func(ctx context.Context, peer, repo string) (RoundResult, bool, error) {
		return RoundResult{}, false, nil
	})
	assert.Equal(t, 3, s.Cycles("peer-1", "repo-1"))
}

func TestSchedulerTightensCyclesAfterLocalWrite(t *testing.T) {
	s := NewScheduler(func(ctx context.Context, peer, repo string) (RoundResult, bool, error) {
		return RoundResult{Accepted: 1}, true, nil
	})
	_, err := s.Sync(context.Background(), "peer-1", "repo-1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Cycles("peer-1", "repo-1"))
}

func TestSchedulerResetsFailuresAfterSuccess(t *testing.T) {
	var calls int32
	s := NewScheduler(func(ctx context.Context, peer, repo string) (RoundResult, bool, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return RoundResult{}, false, assert.AnError
		}
		return RoundResult{Accepted: 2}, false, nil
	})

	_, err := s.Sync(context.Background(), "peer-1", "repo-1")
	require.Error(t, err)

	result, err := s.Sync(context.Background(), "peer-1", "repo-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
}

func TestBackoffDelayGrowsThenCaps(t *testing.T) {
	now := time.Now()
	assert.Equal(t, time.Duration(0), backoffDelay(0, now))
	d1 := backoffDelay(1, now)
	d2 := backoffDelay(2, now)
	assert.Greater(t, d2, d1)
	dMax := backoffDelay(20, now)
	assert.LessOrEqual(t, dMax, backoffCap+backoffCap/2)
}
