package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/core"
)

// Priority bands for scheduled requests. Higher executes sooner; ties are
// FIFO within a band.
const (
	PriorityBackfill = 10
	PriorityPoll     = 50
	PrioritySync     = 80
	PriorityControl  = 90
)

// Response is the outcome of an executed request closure, carrying any
// provider-reported quota metadata alongside the value.
type Response struct {
	Value   any
	Headers *core.QuotaHeaders
}

// Execute performs the outbound call for one scheduled request.
type Execute func(ctx context.Context) (*Response, error)

// Request describes one outbound call to the rate-limited provider.
type Request struct {
	Endpoint   core.Endpoint
	AccountKey string
	Priority   int
	Execute    Execute
}

// Future resolves to the request's response once the drain loop executes it.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

// Wait blocks until the request resolves or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (any, error) {
	if f == nil {
		return nil, errors.New("nil future")
	}
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(value any) {
	f.value = value
	close(f.done)
}

func (f *Future) reject(err error) {
	f.err = err
	close(f.done)
}

type queuedRequest struct {
	id        string
	req       Request
	priority  int
	seq       uint64
	throttles int
	future    *Future
}

// Scheduler serializes every outbound provider call behind one drain loop.
// All callers (stream setup, poller, backfill, on-demand sync) converge here,
// making it the sole authority for quota admission.
type Scheduler struct {
	Tracker *Tracker
	Logger  *zap.Logger

	// Spacing is the politeness delay after each executed request.
	Spacing time.Duration
	// ThrottleBackoff pauses the whole loop after a provider throttle,
	// since a 429 means the local estimate drifted from provider truth.
	ThrottleBackoff time.Duration
	// RequestTimeout bounds a single execution so a hung call cannot stall
	// the loop indefinitely.
	RequestTimeout time.Duration
	// MaxThrottleRetries bounds requeues before a throttled request fails.
	MaxThrottleRetries int

	mu       sync.Mutex
	queue    []*queuedRequest
	seq      uint64
	stopped  bool
	draining bool
}

// Enqueue adds a request to the priority queue and returns a future the
// caller awaits. The scheduler owns the request until it resolves.
func (s *Scheduler) Enqueue(req Request) (*Future, error) {
	if s == nil {
		return nil, errors.New("scheduler is not configured")
	}
	if req.Execute == nil {
		return nil, errors.New("request execute closure is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, core.ErrSchedulerStopped
	}

	s.seq++
	item := &queuedRequest{
		id:       uuid.NewString(),
		req:      req,
		priority: req.Priority,
		seq:      s.seq,
		future:   &Future{done: make(chan struct{})},
	}
	s.insert(item)
	return item.future, nil
}

// insert keeps the queue sorted by priority descending, FIFO within a band.
// Caller holds s.mu.
func (s *Scheduler) insert(item *queuedRequest) {
	idx := sort.Search(len(s.queue), func(i int) bool {
		if s.queue[i].priority != item.priority {
			return s.queue[i].priority < item.priority
		}
		return s.queue[i].seq > item.seq
	})
	s.queue = append(s.queue, nil)
	copy(s.queue[idx+1:], s.queue[idx:])
	s.queue[idx] = item
}

// QueueLen reports the number of pending requests.
func (s *Scheduler) QueueLen() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Draining reports whether the drain loop is active.
func (s *Scheduler) Draining() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// Run executes the drain loop until ctx is cancelled. At most one loop runs;
// a second call returns immediately. On exit, pending requests are rejected
// and further enqueues fail.
func (s *Scheduler) Run(ctx context.Context) {
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	defer s.shutdown()

	for {
		if ctx.Err() != nil {
			return
		}

		item := s.peek()
		if item == nil {
			if !sleepCtx(ctx, 10*time.Millisecond) {
				return
			}
			continue
		}

		// Provider limits apply per endpoint across all accounts, so
		// admission meters the endpoint-global window.
		ok, wait, err := s.Tracker.CanSpend(ctx, item.req.Endpoint, "")
		if err != nil {
			// Store unavailable: admission fails closed, request stays
			// queued. Retry after a short delay.
			s.log().Warn("quota admission unavailable",
				zap.String("endpoint", string(item.req.Endpoint)),
				zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}
		if !ok {
			if wait <= 0 {
				wait = time.Second
			}
			s.log().Debug("quota exhausted, waiting for window reset",
				zap.String("endpoint", string(item.req.Endpoint)),
				zap.Duration("wait", wait))
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		s.pop(item)
		s.execute(ctx, item)

		if s.Spacing > 0 && !sleepCtx(ctx, s.Spacing) {
			return
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, item *queuedRequest) {
	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if s.RequestTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, s.RequestTimeout)
	}
	resp, err := item.req.Execute(execCtx)
	cancel()

	var headers *core.QuotaHeaders
	if resp != nil {
		headers = resp.Headers
	}
	// The attempt went out either way; count it. Conservative over-counting
	// beats silently exceeding the provider quota.
	if recordErr := s.Tracker.Record(ctx, item.req.Endpoint, "", headers); recordErr != nil {
		s.log().Warn("failed to record quota spend",
			zap.String("endpoint", string(item.req.Endpoint)),
			zap.Error(recordErr))
	}

	switch {
	case err == nil:
		var value any
		if resp != nil {
			value = resp.Value
		}
		item.future.resolve(value)

	case errors.Is(err, core.ErrThrottled):
		item.throttles++
		if s.MaxThrottleRetries > 0 && item.throttles > s.MaxThrottleRetries {
			item.future.reject(err)
			return
		}
		// The provider disagrees with our local estimate. Demote the
		// request one band and pause the whole loop briefly rather than
		// risk a per-request retry storm.
		item.priority--
		s.mu.Lock()
		s.seq++
		item.seq = s.seq
		if !s.stopped {
			s.insert(item)
		}
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			item.future.reject(core.ErrSchedulerStopped)
			return
		}

		s.log().Warn("provider throttled request, requeued",
			zap.String("request_id", item.id),
			zap.String("endpoint", string(item.req.Endpoint)),
			zap.Int("priority", item.priority),
			zap.Int("throttles", item.throttles))
		backoff := s.ThrottleBackoff
		if backoff <= 0 {
			backoff = 5 * time.Second
		}
		sleepCtx(ctx, backoff)

	default:
		// One request's failure must not block the rest of the queue.
		item.future.reject(err)
	}
}

func (s *Scheduler) peek() *queuedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	return s.queue[0]
}

func (s *Scheduler) pop(item *queuedRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, queued := range s.queue {
		if queued == item {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// reopen clears the stopped flag ahead of a drain loop restart, so a
// coordinator stopped through the control surface can start again.
func (s *Scheduler) reopen() {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.stopped = true
	s.draining = false
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, item := range pending {
		item.future.reject(core.ErrSchedulerStopped)
	}
}

func (s *Scheduler) log() *zap.Logger {
	if s != nil && s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// sleepCtx sleeps for d unless ctx is cancelled first. Reports false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
