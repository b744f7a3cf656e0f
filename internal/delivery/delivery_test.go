package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/agentworkforce/relaypost/internal/blobstore"
	"github.com/agentworkforce/relaypost/internal/events"
	"github.com/agentworkforce/relaypost/internal/forum"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedSender returns its scripted errors in order, then nil.
type scriptedSender struct {
	mu      sync.Mutex
	results []error
	calls   []string
	block   chan struct{}
	entered chan struct{}
}

func (s *scriptedSender) Send(ctx context.Context, identityID, threadTarget, bodyHTML string) error {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, identityID+" "+threadTarget)
	if len(s.results) == 0 {
		return nil
	}
	err := s.results[0]
	s.results = s.results[1:]
	return err
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestQueue(t *testing.T, clock *fakeClock) (*Queue, *blobstore.MemoryStore) {
	t.Helper()
	blobs := blobstore.NewMemoryStore()
	queue, err := NewQueue(blobs, QueueOptions{Clock: clock.Now, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return queue, blobs
}

func newTestProcessor(t *testing.T, queue *Queue, sender Sender, clock *fakeClock, opts ProcessorOptions) *Processor {
	t.Helper()
	opts.Clock = clock.Now
	opts.Logger = zaptest.NewLogger(t)
	processor, err := NewProcessor(queue, sender, opts)
	require.NoError(t, err)
	return processor
}

func TestQueueEnqueueListAndGet(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)

	first, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "one")
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := queue.Enqueue(ctx, "acct-2", "/threads/b.2/", "two")
	require.NoError(t, err)

	jobs, err := queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, first, jobs[0].ID)
	assert.Equal(t, second, jobs[1].ID)
	assert.Equal(t, StatePending, jobs[0].State)
	assert.Equal(t, clock.Now().Add(-time.Second), jobs[0].EnqueuedAt)

	job, err := queue.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "two", job.BodyHTML)

	_, err = queue.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = queue.Enqueue(ctx, "", "/threads/a.1/", "x")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestQueueRemove(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)

	id, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "one")
	require.NoError(t, err)
	_, claimed, err := queue.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	assert.ErrorIs(t, queue.Remove(ctx, id), ErrJobInFlight)

	job, err := queue.Get(ctx, id)
	require.NoError(t, err)
	job.State = StatePending
	require.NoError(t, queue.Update(ctx, job))
	require.NoError(t, queue.Remove(ctx, id))
	assert.ErrorIs(t, queue.Remove(ctx, id), ErrJobNotFound)
}

func TestQueueSweepCompleted(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)

	ids := make([]string, 3)
	for i := range ids {
		id, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "body")
		require.NoError(t, err)
		ids[i] = id
	}
	old := clock.Now()
	for _, id := range ids[:2] {
		job, err := queue.Get(ctx, id)
		require.NoError(t, err)
		job.State = StateCompleted
		job.CompletedAt = &old
		require.NoError(t, queue.Update(ctx, job))
	}
	clock.Advance(2 * time.Hour)
	recent := clock.Now()
	job, err := queue.Get(ctx, ids[1])
	require.NoError(t, err)
	job.CompletedAt = &recent
	require.NoError(t, queue.Update(ctx, job))

	removed, err := queue.SweepCompleted(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	jobs, err := queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[1], jobs[0].ID)
	assert.Equal(t, ids[2], jobs[1].ID)
}

func TestQueueRejectsCorruptBlob(t *testing.T) {
	ctx := context.Background()
	queue, blobs := newTestQueue(t, newFakeClock())

	require.NoError(t, blobs.Set(ctx, QueueKey, []byte(`[{"id":"x","status":"exploded"}]`)))
	_, err := queue.List(ctx)
	assert.ErrorIs(t, err, ErrInvalidQueue)
}

func TestQueueRecoverInFlight(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)

	staleID, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "stale")
	require.NoError(t, err)
	_, _, err = queue.ClaimNext(ctx)
	require.NoError(t, err)
	clock.Advance(5 * time.Second)
	freshID, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "fresh")
	require.NoError(t, err)
	_, _, err = queue.ClaimNext(ctx)
	require.NoError(t, err)

	recovered, err := queue.RecoverInFlight(ctx, time.Second)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, staleID, recovered[0].ID)

	stale, err := queue.Get(ctx, staleID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, stale.State)
	assert.Nil(t, stale.ClaimedAt)
	fresh, err := queue.Get(ctx, freshID)
	require.NoError(t, err)
	assert.Equal(t, StateInFlight, fresh.State)
}

func TestProcessorGenericFailuresExhaustRetries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)
	boom := errors.New("connection reset")
	sender := &scriptedSender{results: []error{boom, boom, boom}}
	processor := newTestProcessor(t, queue, sender, clock, ProcessorOptions{})

	id, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "body")
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		ran, err := processor.AttemptCycle(ctx)
		require.NoError(t, err)
		require.True(t, ran, "attempt %d", attempt)

		job, err := queue.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, attempt, job.RetryCount)
		if attempt < 3 {
			assert.Equal(t, StatePending, job.State)
			assert.Equal(t, 30, job.NotBeforeSeconds)
			assert.Equal(t, clock.Now(), job.EnqueuedAt)
		}
		clock.Advance(30 * time.Second)
	}

	job, err := queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, 3, job.RetryCount)
	assert.Equal(t, boom.Error(), job.FailureReason)

	ran, err := processor.AttemptCycle(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "failed jobs are never retried")
}

func TestProcessorAntiFloodDoesNotCountRetries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)
	flood := &forum.AntiFloodError{RetryAfter: 10 * time.Second}
	sender := &scriptedSender{results: []error{flood, flood, flood, errors.New("never reached")}}
	processor := newTestProcessor(t, queue, sender, clock, ProcessorOptions{})

	id, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "body")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		ran, err := processor.AttemptCycle(ctx)
		require.NoError(t, err)
		require.True(t, ran)
		clock.Advance(10 * time.Second)
	}

	job, err := queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, job.State)
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, 3, job.AntiFloodCount)
}

func TestProcessorAntiFloodWaitFromMessage(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)
	sender := &scriptedSender{results: []error{&forum.AntiFloodError{RetryAfter: 45 * time.Second}}}
	hub := events.NewHub(1)
	feed, cancel := hub.Subscribe(8)
	defer cancel()
	processor := newTestProcessor(t, queue, sender, clock, ProcessorOptions{Events: hub})

	id, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "body")
	require.NoError(t, err)
	_, err = processor.AttemptCycle(ctx)
	require.NoError(t, err)

	job, err := queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, job.State)
	assert.Equal(t, 1, job.AntiFloodCount)
	assert.Equal(t, 45, job.NotBeforeSeconds)
	assert.Equal(t, 0, job.RetryCount)

	assert.Equal(t, events.TypeJobClaimed, (<-feed).Type)
	throttled := <-feed
	assert.Equal(t, events.TypeJobThrottled, throttled.Type)
	assert.Equal(t, id, throttled.Subject)
}

func TestProcessorAntiFloodBound(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)
	flood := &forum.AntiFloodError{RetryAfter: time.Second}
	sender := &scriptedSender{results: []error{flood, flood}}
	processor := newTestProcessor(t, queue, sender, clock, ProcessorOptions{MaxAntiFloodAttempts: 1})

	id, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "body")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := processor.AttemptCycle(ctx)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	job, err := queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, 2, job.AntiFloodCount)
}

func TestProcessorSecurityFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)
	sender := &scriptedSender{results: []error{&forum.SendError{Kind: forum.KindSecurity, Messages: []string{"Security error"}}}}
	processor := newTestProcessor(t, queue, sender, clock, ProcessorOptions{})

	id, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "body")
	require.NoError(t, err)
	_, err = processor.AttemptCycle(ctx)
	require.NoError(t, err)

	job, err := queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, 0, job.RetryCount)
	assert.Contains(t, job.FailureReason, "Security error")
}

func TestProcessorSuccessCompletesJob(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)
	sender := &scriptedSender{}
	processor := newTestProcessor(t, queue, sender, clock, ProcessorOptions{})

	id, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "body")
	require.NoError(t, err)
	ran, err := processor.AttemptCycle(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	job, err := queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	require.NotNil(t, job.CompletedAt)
	assert.Nil(t, job.ClaimedAt)
	assert.Equal(t, []string{"acct-1 /threads/a.1/"}, sender.calls)
}

func TestProcessorRespectsNotBefore(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)
	sender := &scriptedSender{}
	processor := newTestProcessor(t, queue, sender, clock, ProcessorOptions{})

	id, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "body")
	require.NoError(t, err)
	job, err := queue.Get(ctx, id)
	require.NoError(t, err)
	job.NotBeforeSeconds = 30
	require.NoError(t, queue.Update(ctx, job))

	clock.Advance(29 * time.Second)
	ran, err := processor.AttemptCycle(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	clock.Advance(time.Second)
	ran, err = processor.AttemptCycle(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestProcessorPicksEarliestEligibleJob(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)
	sender := &scriptedSender{}
	processor := newTestProcessor(t, queue, sender, clock, ProcessorOptions{})

	_, err := queue.Enqueue(ctx, "acct-1", "/threads/later.1/", "body")
	require.NoError(t, err)
	earlier, err := queue.Enqueue(ctx, "acct-1", "/threads/earlier.2/", "body")
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, "acct-1", "/threads/tied.3/", "body")
	require.NoError(t, err)

	job, err := queue.Get(ctx, earlier)
	require.NoError(t, err)
	job.EnqueuedAt = job.EnqueuedAt.Add(-time.Minute)
	require.NoError(t, queue.Update(ctx, job))

	for i := 0; i < 3; i++ {
		_, err := processor.AttemptCycle(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{
		"acct-1 /threads/earlier.2/",
		"acct-1 /threads/later.1/",
		"acct-1 /threads/tied.3/",
	}, sender.calls)
}

func TestProcessorRunsOneCycleAtATime(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)
	sender := &scriptedSender{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	processor := newTestProcessor(t, queue, sender, clock, ProcessorOptions{})

	_, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "one")
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, "acct-1", "/threads/b.2/", "two")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = processor.AttemptCycle(ctx)
	}()
	<-sender.entered

	ran, err := processor.AttemptCycle(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	close(sender.block)
	<-done
	assert.Equal(t, 1, sender.callCount())
}

func TestProcessorRunWakesOnQueueChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := newFakeClock()
	queue, blobs := newTestQueue(t, clock)
	sender := &scriptedSender{}
	processor := newTestProcessor(t, queue, sender, clock, ProcessorOptions{
		Interval: time.Hour,
		Watcher:  blobs,
	})

	stale, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "orphan")
	require.NoError(t, err)
	_, _, err = queue.ClaimNext(ctx)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	runDone := make(chan error, 1)
	go func() { runDone <- processor.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := queue.Get(ctx, stale)
		return err == nil && job.State == StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sender.callCount())

	_, err = queue.Enqueue(ctx, "acct-1", "/threads/b.2/", "fresh")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sender.callCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-runDone)
}

func TestProcessorRunRecoversFreshlyClaimedJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)
	sender := &scriptedSender{}
	processor := newTestProcessor(t, queue, sender, clock, ProcessorOptions{Interval: 20 * time.Millisecond})

	id, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "orphan")
	require.NoError(t, err)
	_, _, err = queue.ClaimNext(ctx)
	require.NoError(t, err)
	// The previous process died right after claiming; the clock has not moved.

	runDone := make(chan error, 1)
	go func() { runDone <- processor.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, err := queue.Get(ctx, id)
		return err == nil && job.State == StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, sender.callCount())

	cancel()
	require.NoError(t, <-runDone)
}

func TestQueueRecoverInFlightIgnoresClaimTimeWhenAgeIsZero(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)

	id, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "skewed")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, _, err = queue.ClaimNext(ctx)
	require.NoError(t, err)
	clock.Advance(-2 * time.Hour)

	recovered, err := queue.RecoverInFlight(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, id, recovered[0].ID)
}

// failingSets fails the next n Set calls on the wrapped store.
type failingSets struct {
	blobstore.Store
	mu sync.Mutex
	n  int
}

func (f *failingSets) failNext(n int) {
	f.mu.Lock()
	f.n = n
	f.mu.Unlock()
}

func (f *failingSets) Set(ctx context.Context, key string, blob []byte) error {
	f.mu.Lock()
	if f.n > 0 {
		f.n--
		f.mu.Unlock()
		return errors.New("disk full")
	}
	f.mu.Unlock()
	return f.Store.Set(ctx, key, blob)
}

func TestProcessorRecoversJobWhoseOutcomeWasNotWritten(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	blobs := &failingSets{Store: blobstore.NewMemoryStore()}
	queue, err := NewQueue(blobs, QueueOptions{Clock: clock.Now, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	sender := &scriptedSender{}
	processor := newTestProcessor(t, queue, &writeFailingSender{inner: sender, blobs: blobs}, clock, ProcessorOptions{})

	id, err := queue.Enqueue(ctx, "acct-1", "/threads/a.1/", "hello")
	require.NoError(t, err)

	ran, err := processor.AttemptCycle(ctx)
	assert.True(t, ran)
	require.Error(t, err)
	job, err := queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateInFlight, job.State)

	processor.sender = sender
	ran, err = processor.AttemptCycle(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	job, err = queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, 2, sender.callCount())
}

// writeFailingSender makes the write that follows its send fail.
type writeFailingSender struct {
	inner Sender
	blobs *failingSets
}

func (s *writeFailingSender) Send(ctx context.Context, identityID, threadTarget, bodyHTML string) error {
	s.blobs.failNext(1)
	return s.inner.Send(ctx, identityID, threadTarget, bodyHTML)
}

// cancellingSender delivers the reply and then observes shutdown.
type cancellingSender struct {
	cancel context.CancelFunc
	err    error
}

func (s *cancellingSender) Send(context.Context, string, string, string) error {
	s.cancel()
	return s.err
}

func TestProcessorKeepsDeliveredJobCompletedOnShutdown(t *testing.T) {
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	processor := newTestProcessor(t, queue, &cancellingSender{cancel: cancel}, clock, ProcessorOptions{})

	id, err := queue.Enqueue(context.Background(), "acct-1", "/threads/a.1/", "hello")
	require.NoError(t, err)
	ran, err := processor.AttemptCycle(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	job, err := queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.NotNil(t, job.CompletedAt)
}

func TestProcessorHandsBackInterruptedJob(t *testing.T) {
	clock := newFakeClock()
	queue, _ := newTestQueue(t, clock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	processor := newTestProcessor(t, queue, &cancellingSender{cancel: cancel, err: context.Canceled}, clock, ProcessorOptions{})

	id, err := queue.Enqueue(context.Background(), "acct-1", "/threads/a.1/", "hello")
	require.NoError(t, err)
	_, err = processor.AttemptCycle(ctx)
	require.NoError(t, err)

	job, err := queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, job.State)
	assert.Zero(t, job.RetryCount)
	assert.Nil(t, job.ClaimedAt)
}
