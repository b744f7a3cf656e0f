package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaypost/internal/blobstore"
)

const QueueKey = "messageQueue"

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobInFlight  = errors.New("job is in flight")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidQueue = errors.New("invalid message queue")
)

type QueueOptions struct {
	Key    string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Queue is the persisted job list. Every operation rewrites the whole
// messageQueue blob; operations on one Queue are serialized.
type Queue struct {
	mu     sync.Mutex
	blobs  blobstore.Store
	key    string
	now    func() time.Time
	logger *zap.Logger
}

func NewQueue(blobs blobstore.Store, opts QueueOptions) (*Queue, error) {
	if blobs == nil {
		return nil, ErrInvalidInput
	}
	key := strings.TrimSpace(opts.Key)
	if key == "" {
		key = QueueKey
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{blobs: blobs, key: key, now: now, logger: logger.Named("queue")}, nil
}

// Key is the blob key the queue persists under.
func (q *Queue) Key() string {
	return q.key
}

func (q *Queue) Enqueue(ctx context.Context, identityID, threadTarget, bodyHTML string) (string, error) {
	identityID = strings.TrimSpace(identityID)
	threadTarget = strings.TrimSpace(threadTarget)
	if identityID == "" || threadTarget == "" || strings.TrimSpace(bodyHTML) == "" {
		return "", fmt.Errorf("%w: identity, thread and body are required", ErrInvalidInput)
	}
	job := Job{
		ID:           ksuid.New().String(),
		IdentityID:   identityID,
		ThreadTarget: threadTarget,
		BodyHTML:     bodyHTML,
		EnqueuedAt:   q.now().UTC(),
		State:        StatePending,
	}
	err := q.mutate(ctx, func(jobs []Job) ([]Job, error) {
		return append(jobs, job), nil
	})
	if err != nil {
		return "", err
	}
	q.logger.Info("job enqueued", zap.String("job", job.ID), zap.String("identity", identityID), zap.String("thread", threadTarget))
	return job.ID, nil
}

// List returns the jobs in insertion order.
func (q *Queue) List(ctx context.Context) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx)
}

func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	jobs, err := q.List(ctx)
	if err != nil {
		return Job{}, err
	}
	for _, job := range jobs {
		if job.ID == id {
			return job, nil
		}
	}
	return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.mutate(ctx, func(jobs []Job) ([]Job, error) {
		for i, job := range jobs {
			if job.ID != id {
				continue
			}
			if job.State == StateInFlight {
				return nil, fmt.Errorf("%w: %s", ErrJobInFlight, id)
			}
			return append(jobs[:i], jobs[i+1:]...), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	})
}

// SweepCompleted removes completed jobs that finished at least olderThan ago.
func (q *Queue) SweepCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan)
	removed := 0
	err := q.mutate(ctx, func(jobs []Job) ([]Job, error) {
		kept := jobs[:0]
		for _, job := range jobs {
			finished := job.EnqueuedAt
			if job.CompletedAt != nil {
				finished = *job.CompletedAt
			}
			if job.State == StateCompleted && !finished.After(cutoff) {
				removed++
				continue
			}
			kept = append(kept, job)
		}
		return kept, nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		q.logger.Info("swept completed jobs", zap.Int("removed", removed), zap.Duration("older_than", olderThan))
	}
	return removed, nil
}

// ClaimNext moves the eligible pending job with the earliest enqueuedAt to
// in_flight. Ties go to the job inserted first.
func (q *Queue) ClaimNext(ctx context.Context) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs, err := q.loadLocked(ctx)
	if err != nil {
		return Job{}, false, err
	}
	now := q.now().UTC()
	next := -1
	for i, job := range jobs {
		if !job.eligible(now) {
			continue
		}
		if next < 0 || job.EnqueuedAt.Before(jobs[next].EnqueuedAt) {
			next = i
		}
	}
	if next < 0 {
		return Job{}, false, nil
	}
	jobs[next].State = StateInFlight
	jobs[next].ClaimedAt = &now
	if err := q.storeLocked(ctx, jobs); err != nil {
		return Job{}, false, err
	}
	return jobs[next], true, nil
}

// Update replaces the stored job with the same id.
func (q *Queue) Update(ctx context.Context, updated Job) error {
	if !updated.State.valid() {
		return fmt.Errorf("%w: state %q", ErrInvalidInput, updated.State)
	}
	return q.mutate(ctx, func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID == updated.ID {
				jobs[i] = updated
				return jobs, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, updated.ID)
	})
}

// RecoverInFlight returns in_flight jobs claimed at least olderThan ago, or
// with no claim time, to pending. A non-positive olderThan recovers every
// in_flight job whatever its claim time. Counters are left alone.
func (q *Queue) RecoverInFlight(ctx context.Context, olderThan time.Duration) ([]Job, error) {
	cutoff := q.now().Add(-olderThan)
	var recovered []Job
	err := q.mutate(ctx, func(jobs []Job) ([]Job, error) {
		for i, job := range jobs {
			if job.State != StateInFlight {
				continue
			}
			if olderThan > 0 && job.ClaimedAt != nil && job.ClaimedAt.After(cutoff) {
				continue
			}
			jobs[i].State = StatePending
			jobs[i].ClaimedAt = nil
			recovered = append(recovered, jobs[i])
		}
		return jobs, nil
	})
	if err != nil {
		return nil, err
	}
	for _, job := range recovered {
		q.logger.Warn("recovered in-flight job", zap.String("job", job.ID))
	}
	return recovered, nil
}

func (q *Queue) mutate(ctx context.Context, fn func([]Job) ([]Job, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs, err := q.loadLocked(ctx)
	if err != nil {
		return err
	}
	jobs, err = fn(jobs)
	if err != nil {
		return err
	}
	return q.storeLocked(ctx, jobs)
}

func (q *Queue) loadLocked(ctx context.Context) ([]Job, error) {
	blob, err := q.blobs.Get(ctx, q.key)
	if errors.Is(err, blobstore.ErrNotFound) {
		return []Job{}, nil
	}
	if err != nil {
		return nil, err
	}
	var jobs []Job
	if err := json.Unmarshal(blob, &jobs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQueue, err)
	}
	for _, job := range jobs {
		if job.ID == "" || !job.State.valid() {
			return nil, fmt.Errorf("%w: job %q has state %q", ErrInvalidQueue, job.ID, job.State)
		}
	}
	if jobs == nil {
		jobs = []Job{}
	}
	return jobs, nil
}

func (q *Queue) storeLocked(ctx context.Context, jobs []Job) error {
	if jobs == nil {
		jobs = []Job{}
	}
	blob, err := json.Marshal(jobs)
	if err != nil {
		return err
	}
	return q.blobs.Set(ctx, q.key, blob)
}
