package delivery

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaypost/internal/blobstore"
	"github.com/agentworkforce/relaypost/internal/events"
	"github.com/agentworkforce/relaypost/internal/forum"
)

const (
	DefaultInterval   = time.Second
	DefaultRetryDelay = 30 * time.Second
	DefaultMaxRetries = 3
)

// Sender posts one reply. *forum.Sender implements it.
type Sender interface {
	Send(ctx context.Context, identityID, threadTarget, bodyHTML string) error
}

type ProcessorOptions struct {
	Interval   time.Duration
	RetryDelay time.Duration
	MaxRetries int
	// MaxAntiFloodAttempts fails a job once it has been throttled more often
	// than this. Zero means never.
	MaxAntiFloodAttempts int
	// Watcher wakes the processor when the queue blob changes.
	Watcher blobstore.Watcher
	// SweepAge and SweepInterval enable removal of old completed jobs from Run.
	SweepAge      time.Duration
	SweepInterval time.Duration
	Events        events.Publisher
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Processor attempts at most one job at a time.
type Processor struct {
	queue         *Queue
	sender        Sender
	interval      time.Duration
	retryDelay    time.Duration
	maxRetries    int
	maxAntiFlood  int
	watcher       blobstore.Watcher
	sweepAge      time.Duration
	sweepInterval time.Duration
	events        events.Publisher
	now           func() time.Time
	logger        *zap.Logger

	slot chan struct{}
	// stranded is set when a claimed job's outcome could not be written. It
	// is only touched while holding slot.
	stranded bool
}

func NewProcessor(queue *Queue, sender Sender, opts ProcessorOptions) (*Processor, error) {
	if queue == nil || sender == nil {
		return nil, ErrInvalidInput
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	maxAntiFlood := opts.MaxAntiFloodAttempts
	if maxAntiFlood < 0 {
		maxAntiFlood = 0
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		queue:         queue,
		sender:        sender,
		interval:      interval,
		retryDelay:    retryDelay,
		maxRetries:    maxRetries,
		maxAntiFlood:  maxAntiFlood,
		watcher:       opts.Watcher,
		sweepAge:      opts.SweepAge,
		sweepInterval: opts.SweepInterval,
		events:        opts.Events,
		now:           now,
		logger:        logger.Named("processor"),
		slot:          make(chan struct{}, 1),
	}, nil
}

// Run subscribes to queue changes, returns every in-flight job left by a
// previous process to pending, then attempts a cycle on every tick and on
// every change to the queue blob until ctx is done. Only one processor may
// run against a queue.
func (p *Processor) Run(ctx context.Context) error {
	var changes <-chan string
	if p.watcher != nil {
		var err error
		changes, err = p.watcher.Watch(ctx)
		if err != nil {
			p.logger.Warn("queue change notifications unavailable", zap.Error(err))
			changes = nil
		}
	}
	recovered, err := p.queue.RecoverInFlight(ctx, 0)
	if err != nil {
		return err
	}
	for _, job := range recovered {
		p.publish(events.Event{Type: events.TypeJobRecovered, Subject: job.ID, State: string(job.State)})
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	var sweep <-chan time.Time
	if p.sweepAge > 0 && p.sweepInterval > 0 {
		sweepTicker := time.NewTicker(p.sweepInterval)
		defer sweepTicker.Stop()
		sweep = sweepTicker.C
	}

	p.logger.Info("processor started", zap.Duration("interval", p.interval), zap.Int("recovered", len(recovered)))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("processor stopped")
			return nil
		case <-ticker.C:
			p.cycle(ctx)
		case key, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if key == p.queue.Key() {
				p.cycle(ctx)
			}
		case <-sweep:
			if _, err := p.queue.SweepCompleted(ctx, p.sweepAge); err != nil {
				p.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

func (p *Processor) cycle(ctx context.Context) {
	if _, err := p.AttemptCycle(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("attempt cycle failed", zap.Error(err))
	}
}

// AttemptCycle claims and sends the next eligible job. It reports false when
// another cycle is running or nothing is eligible.
func (p *Processor) AttemptCycle(ctx context.Context) (bool, error) {
	select {
	case p.slot <- struct{}{}:
	default:
		return false, nil
	}
	defer func() { <-p.slot }()

	if p.stranded {
		// No cycle is running, so any in_flight job is left over.
		recovered, err := p.queue.RecoverInFlight(ctx, 0)
		if err != nil {
			return false, err
		}
		p.stranded = false
		for _, job := range recovered {
			p.publish(events.Event{Type: events.TypeJobRecovered, Subject: job.ID, State: string(job.State)})
		}
	}

	job, ok, err := p.queue.ClaimNext(ctx)
	if err != nil || !ok {
		return false, err
	}
	p.publish(events.Event{Type: events.TypeJobClaimed, Subject: job.ID, State: string(job.State)})

	sendErr := p.sender.Send(ctx, job.IdentityID, job.ThreadTarget, job.BodyHTML)
	writeCtx := context.WithoutCancel(ctx)
	if sendErr != nil && ctx.Err() != nil {
		// Interrupted by shutdown: hand the job back untouched.
		job.State = StatePending
		job.ClaimedAt = nil
		if err := p.queue.Update(writeCtx, job); err != nil {
			p.stranded = true
			return true, err
		}
		return true, nil
	}

	next, eventType := p.transition(job, sendErr, p.now().UTC())
	if err := p.queue.Update(writeCtx, next); err != nil {
		p.stranded = true
		return true, err
	}
	p.publish(events.Event{Type: eventType, Subject: next.ID, State: string(next.State), Reason: next.FailureReason})
	p.logOutcome(next, sendErr)
	return true, nil
}

func (p *Processor) transition(job Job, sendErr error, now time.Time) (Job, string) {
	job.ClaimedAt = nil
	if sendErr == nil {
		job.State = StateCompleted
		job.FailureReason = ""
		job.NotBeforeSeconds = 0
		job.CompletedAt = &now
		return job, events.TypeJobCompleted
	}
	job.FailureReason = sendErr.Error()

	var flood *forum.AntiFloodError
	switch {
	case errors.As(sendErr, &flood):
		job.AntiFloodCount++
		if p.maxAntiFlood > 0 && job.AntiFloodCount > p.maxAntiFlood {
			return p.fail(job, now), events.TypeJobFailed
		}
		job.State = StatePending
		job.EnqueuedAt = now
		job.NotBeforeSeconds = waitSeconds(flood.RetryAfter)
		return job, events.TypeJobThrottled
	case errors.Is(sendErr, forum.ErrAuthRejected), errors.Is(sendErr, forum.ErrSecurityRejected):
		return p.fail(job, now), events.TypeJobFailed
	default:
		job.RetryCount++
		if job.RetryCount >= p.maxRetries {
			return p.fail(job, now), events.TypeJobFailed
		}
		job.State = StatePending
		job.EnqueuedAt = now
		job.NotBeforeSeconds = waitSeconds(p.retryDelay)
		return job, events.TypeJobRetry
	}
}

func (p *Processor) fail(job Job, now time.Time) Job {
	job.State = StateFailed
	job.NotBeforeSeconds = 0
	job.CompletedAt = &now
	return job
}

func (p *Processor) logOutcome(job Job, sendErr error) {
	fields := []zap.Field{
		zap.String("job", job.ID),
		zap.String("identity", job.IdentityID),
		zap.String("state", string(job.State)),
		zap.Int("retry_count", job.RetryCount),
		zap.Int("anti_flood_count", job.AntiFloodCount),
	}
	switch job.State {
	case StateCompleted:
		p.logger.Info("job delivered", fields...)
	case StateFailed:
		p.logger.Warn("job failed", append(fields, zap.Error(sendErr))...)
	default:
		p.logger.Info("job rescheduled", append(fields, zap.Int("not_before_seconds", job.NotBeforeSeconds), zap.Error(sendErr))...)
	}
}

func (p *Processor) publish(event events.Event) {
	if p.events != nil {
		p.events.Publish(event)
	}
}

func waitSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
