// Package queue implements durable named work queues on the ledger database.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"coopledger/observability"
	"coopledger/services/ledgerd/models"
)

// Queue names.
const (
	Reprocess = "reprocess"
	Funding   = "funding"
)

// ReprocessJob re-drives a hash through the outcome handler.
type ReprocessJob struct {
	Hash string `json:"hash"`
}

// FundingJob transfers platform funds to wallets, optionally closing an origin record.
type FundingJob struct {
	Wallets    []string        `json:"wallets"`
	Amount     decimal.Decimal `json:"amount"`
	OriginHash string          `json:"origin_hash,omitempty"`
}

// Policy bounds retries of a queue.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
}

var defaultPolicy = Policy{MaxAttempts: 5, Backoff: 10 * time.Second}

// Option customises a Queue.
type Option func(*Queue)

// WithPolicy sets the retry policy of one queue.
func WithPolicy(name string, p Policy) Option {
	return func(q *Queue) {
		if p.MaxAttempts <= 0 {
			p.MaxAttempts = defaultPolicy.MaxAttempts
		}
		if p.Backoff < 0 {
			p.Backoff = 0
		}
		q.policies[name] = p
	}
}

// WithLease sets how long a RUNNING job may stay claimed before it is recovered.
func WithLease(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Queue stores jobs in the jobs table. Delivery is at-least-once.
type Queue struct {
	db       *gorm.DB
	now      func() time.Time
	lease    time.Duration
	policies map[string]Policy
}

// New constructs a Queue.
func New(db *gorm.DB, opts ...Option) *Queue {
	q := &Queue{
		db:       db,
		now:      time.Now,
		lease:    10 * time.Minute,
		policies: make(map[string]Policy),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Bind returns a copy of the queue writing through db, typically an open transaction.
func (q *Queue) Bind(db *gorm.DB) *Queue {
	bound := *q
	bound.db = db
	return &bound
}

func (q *Queue) policy(name string) Policy {
	if p, ok := q.policies[name]; ok {
		return p
	}
	return defaultPolicy
}

// Enqueue stores a job. With dedupe set, nothing is stored when a QUEUED or RUNNING job with
// the same queue and ref exists; the returned bool reports whether a job was stored.
func (q *Queue) Enqueue(ctx context.Context, name, ref string, payload any, dedupe bool) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, fmt.Errorf("queue: name required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("queue: encode payload: %w", err)
	}
	stored := false
	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if dedupe && ref != "" {
			active, err := hasActive(tx, name, ref)
			if err != nil {
				return err
			}
			if active {
				return nil
			}
		}
		now := q.now()
		job := models.Job{
			ID:          uuid.New(),
			Queue:       name,
			Status:      models.JobQueued,
			NotBefore:   now,
			Ref:         ref,
			Payload:     string(body),
			MaxAttempts: q.policy(name).MaxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&job).Error; err != nil {
			return fmt.Errorf("queue: insert job: %w", err)
		}
		stored = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return stored, nil
}

// EnqueueReprocess schedules a hash for the outcome handler.
func (q *Queue) EnqueueReprocess(ctx context.Context, hash string) error {
	_, err := q.Enqueue(ctx, Reprocess, hash, ReprocessJob{Hash: hash}, false)
	return err
}

// EnqueueFunding schedules a transfer. Jobs are deduplicated by origin hash, or by the first
// wallet for top-ups, so a pending transfer is never scheduled twice.
func (q *Queue) EnqueueFunding(ctx context.Context, job FundingJob) (bool, error) {
	if len(job.Wallets) == 0 {
		return false, fmt.Errorf("queue: funding job needs a wallet")
	}
	ref := job.OriginHash
	if ref == "" {
		ref = "topup:" + job.Wallets[0]
	}
	return q.Enqueue(ctx, Funding, ref, job, true)
}

// HasActive reports whether a QUEUED or RUNNING job with the ref exists.
func (q *Queue) HasActive(ctx context.Context, name, ref string) (bool, error) {
	return hasActive(q.db.WithContext(ctx), name, ref)
}

func hasActive(tx *gorm.DB, name, ref string) (bool, error) {
	var count int64
	err := tx.Model(&models.Job{}).
		Where("queue = ? AND ref = ? AND status IN ?", name, ref, []models.JobStatus{models.JobQueued, models.JobRunning}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("queue: count active: %w", err)
	}
	return count > 0, nil
}

// Claim moves the oldest due job of the queue to RUNNING and returns it. It returns nil when
// nothing is due.
func (q *Queue) Claim(ctx context.Context, name string) (*models.Job, error) {
	var claimed *models.Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := q.now()
		var job models.Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("queue = ? AND status = ? AND not_before <= ?", name, models.JobQueued, now).
			Order("not_before ASC").
			First(&job).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("queue: select job: %w", err)
		}
		res := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", job.ID, models.JobQueued).
			Updates(map[string]interface{}{
				"status":     models.JobRunning,
				"attempts":   job.Attempts + 1,
				"claimed_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("queue: claim job: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return nil
		}
		job.Status = models.JobRunning
		job.Attempts++
		job.ClaimedAt = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete marks a job DONE.
func (q *Queue) Complete(ctx context.Context, job *models.Job) error {
	return q.finish(ctx, job, models.JobDone, "")
}

// Fail marks a job FAILED without further attempts.
func (q *Queue) Fail(ctx context.Context, job *models.Job, cause error) error {
	return q.finish(ctx, job, models.JobFailed, errorText(cause))
}

// Reschedule puts a job back after the queue's fixed backoff, or fails it once its attempts
// are spent. It reports whether the job will run again.
func (q *Queue) Reschedule(ctx context.Context, job *models.Job, cause error) (bool, error) {
	if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
		return false, q.Fail(ctx, job, cause)
	}
	now := q.now()
	res := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", job.ID, models.JobRunning).
		Updates(map[string]interface{}{
			"status":     models.JobQueued,
			"not_before": now.Add(q.policy(job.Queue).Backoff),
			"last_error": errorText(cause),
			"claimed_at": nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("queue: reschedule job: %w", res.Error)
	}
	return true, nil
}

func (q *Queue) finish(ctx context.Context, job *models.Job, status models.JobStatus, lastError string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": q.now(),
	}
	if lastError != "" {
		updates["last_error"] = lastError
	}
	res := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", job.ID, models.JobRunning).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("queue: finish job: %w", res.Error)
	}
	return nil
}

// Heartbeat renews the lease of a RUNNING job so RecoverStale leaves it alone.
func (q *Queue) Heartbeat(ctx context.Context, job *models.Job) error {
	now := q.now()
	res := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", job.ID, models.JobRunning).
		Updates(map[string]interface{}{"claimed_at": now, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("queue: renew lease: %w", res.Error)
	}
	return nil
}

// Lease returns how long a RUNNING job may go without a heartbeat.
func (q *Queue) Lease() time.Duration {
	return q.lease
}

// RecoverStale re-queues RUNNING jobs whose lease expired, e.g. after a worker crash.
func (q *Queue) RecoverStale(ctx context.Context) (int64, error) {
	now := q.now()
	res := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ? AND claimed_at < ?", models.JobRunning, now.Add(-q.lease)).
		Updates(map[string]interface{}{
			"status":     models.JobQueued,
			"not_before": now,
			"claimed_at": nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("queue: recover stale jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Stats counts jobs per queue and status.
func (q *Queue) Stats(ctx context.Context) (map[string]map[models.JobStatus]int64, error) {
	var rows []struct {
		Queue  string
		Status models.JobStatus
		Count  int64
	}
	err := q.db.WithContext(ctx).Model(&models.Job{}).
		Select("queue, status, COUNT(*) AS count").
		Group("queue, status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("queue: stats: %w", err)
	}
	out := make(map[string]map[models.JobStatus]int64)
	for _, row := range rows {
		if out[row.Queue] == nil {
			out[row.Queue] = make(map[models.JobStatus]int64)
		}
		out[row.Queue][row.Status] = row.Count
	}
	return out, nil
}

// Decode unmarshals a job payload.
func Decode[T any](job *models.Job) (T, error) {
	var out T
	if job == nil {
		return out, fmt.Errorf("queue: nil job")
	}
	if err := json.Unmarshal([]byte(job.Payload), &out); err != nil {
		return out, fmt.Errorf("queue: decode %s payload: %w", job.Queue, err)
	}
	return out, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ReportDepth publishes the current job counts as gauges.
func (q *Queue) ReportDepth(ctx context.Context) error {
	stats, err := q.Stats(ctx)
	if err != nil {
		return err
	}
	metrics := observability.Ledgerd()
	for _, name := range []string{Reprocess, Funding} {
		for _, status := range []models.JobStatus{models.JobQueued, models.JobRunning, models.JobDone, models.JobFailed} {
			metrics.SetQueueDepth(name, string(status), stats[name][status])
		}
	}
	return nil
}
