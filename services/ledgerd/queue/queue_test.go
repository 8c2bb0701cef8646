package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"coopledger/services/ledgerd/models"
	"coopledger/services/ledgerd/store/storetest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newQueue(t *testing.T, c *clock) *Queue {
	t.Helper()
	return New(storetest.Open(t),
		WithClock(c.Now),
		WithLease(time.Minute),
		WithPolicy(Reprocess, Policy{MaxAttempts: 2, Backoff: 5 * time.Second}),
	)
}

func TestFundingDedupeByOrigin(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)})
	job := FundingJob{Wallets: []string{"ak_bob", "ak_worker"}, Amount: decimal.RequireFromString("0.3"), OriginHash: "th_bob"}

	stored, err := q.EnqueueFunding(ctx, job)
	require.NoError(t, err)
	require.True(t, stored)
	stored, err = q.EnqueueFunding(ctx, job)
	require.NoError(t, err)
	require.False(t, stored)

	claimed, err := q.Claim(ctx, Funding)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	payload, err := Decode[FundingJob](claimed)
	require.NoError(t, err)
	require.Equal(t, []string{"ak_bob", "ak_worker"}, payload.Wallets)
	require.True(t, payload.Amount.Equal(decimal.RequireFromString("0.3")))

	active, err := q.HasActive(ctx, Funding, "th_bob")
	require.NoError(t, err)
	require.True(t, active)
	require.NoError(t, q.Complete(ctx, claimed))
	active, err = q.HasActive(ctx, Funding, "th_bob")
	require.NoError(t, err)
	require.False(t, active)
}

func TestPoolDispositions(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	q := newQueue(t, c)
	require.NoError(t, q.EnqueueReprocess(ctx, "th_ok"))
	require.NoError(t, q.EnqueueReprocess(ctx, "th_flaky"))
	require.NoError(t, q.EnqueueReprocess(ctx, "th_unknown"))

	calls := map[string]int{}
	pool := NewPool(q, Reprocess, func(ctx context.Context, job *models.Job) (Disposition, error) {
		payload, err := Decode[ReprocessJob](job)
		if err != nil {
			return Discard, err
		}
		calls[payload.Hash]++
		switch payload.Hash {
		case "th_flaky":
			return Retry, errors.New("node unavailable")
		case "th_unknown":
			return Discard, errors.New("unknown event")
		}
		return Ack, nil
	}, 1, nil)

	n, err := pool.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// The flaky job waits out its backoff before the second and final attempt.
	n, err = pool.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	c.Advance(6 * time.Second)
	n, err = pool.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, map[string]int{"th_ok": 1, "th_flaky": 2, "th_unknown": 1}, calls)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats[Reprocess][models.JobDone])
	require.EqualValues(t, 2, stats[Reprocess][models.JobFailed])
}

func TestRecoverStaleJobs(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	q := newQueue(t, c)
	require.NoError(t, q.EnqueueReprocess(ctx, "th_crash"))
	job, err := q.Claim(ctx, Reprocess)
	require.NoError(t, err)
	require.NotNil(t, job)

	recovered, err := q.RecoverStale(ctx)
	require.NoError(t, err)
	require.Zero(t, recovered)

	c.Advance(2 * time.Minute)
	recovered, err = q.RecoverStale(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, recovered)

	again, err := q.Claim(ctx, Reprocess)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, job.ID, again.ID)
	require.Equal(t, 2, again.Attempts)
}

func TestPoolRenewsLeaseOfLongJobs(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	q := newQueue(t, c)
	require.NoError(t, q.EnqueueReprocess(ctx, "th_payout"))

	var recovered int64 = -1
	pool := NewPool(q, Reprocess, func(ctx context.Context, job *models.Job) (Disposition, error) {
		// The job outlives its lease; only the heartbeat keeps it RUNNING.
		c.Advance(5 * time.Minute)
		require.Eventually(t, func() bool {
			var renewed int64
			err := q.db.Model(&models.Job{}).
				Where("id = ? AND status = ? AND claimed_at >= ?", job.ID, models.JobRunning, c.Now().Add(-q.Lease()/2)).
				Count(&renewed).Error
			return err == nil && renewed == 1
		}, 2*time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool {
			n, err := q.RecoverStale(ctx)
			if err != nil {
				return false
			}
			recovered = n
			return true
		}, 2*time.Second, 5*time.Millisecond)
		return Ack, nil
	}, 1, nil)
	pool.SetHeartbeat(10 * time.Millisecond)

	n, err := pool.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Zero(t, recovered)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats[Reprocess][models.JobDone])
}
