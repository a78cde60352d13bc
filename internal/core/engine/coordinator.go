package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/core"
)

// Provider is the rate-limited API boundary: pull endpoints for account
// lookup and post fetches, plus a filtered push stream.
type Provider interface {
	LookupAccount(ctx context.Context, handle string) (*core.Account, error)
	FetchPosts(ctx context.Context, accountID string, opts core.FetchOptions) (*core.FetchPage, error)
	OpenStream(ctx context.Context, accountIDs []string) (Stream, error)
}

// Stream delivers push events until it fails or is closed.
type Stream interface {
	Next(ctx context.Context) (*core.Post, error)
	Close() error
}

// ItemStore persists ingested posts (idempotent upsert) and backfill cursors.
type ItemStore interface {
	UpsertPosts(ctx context.Context, posts []core.Post) ([]core.Post, error)
	GetBackfillProgress(ctx context.Context, accountID string) (*core.BackfillProgress, error)
	SaveBackfillProgress(ctx context.Context, progress *core.BackfillProgress) error
}

// Notifier receives newly accepted, account-attributed posts. It must not
// block ingestion.
type Notifier interface {
	Notify(posts []core.Post)
}

// State is the coordinator's ingestion mode.
type State string

const (
	StateStarting  State = "starting"
	StateStreaming State = "streaming"
	StatePolling   State = "polling"
	StateStopped   State = "stopped"
)

// CoordinatorConfig tunes the ingestion loops.
type CoordinatorConfig struct {
	PollInterval         time.Duration
	BackfillInterval     time.Duration
	BackfillPageSize     int
	SyncCooldown         time.Duration
	StreamEnabled        bool
	StreamReconnectDelay time.Duration
	EventBuffer          int
	SweepInterval        time.Duration
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 90 * time.Second
	}
	if c.BackfillInterval <= 0 {
		c.BackfillInterval = 30 * time.Second
	}
	if c.BackfillPageSize <= 0 {
		c.BackfillPageSize = 100
	}
	if c.SyncCooldown <= 0 {
		c.SyncCooldown = defaultSyncCooldown
	}
	if c.StreamReconnectDelay <= 0 {
		c.StreamReconnectDelay = 30 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return c
}

// Coordinator drives ingestion: it prefers a streaming connection, falls
// back to polling on stream failure, and runs an adaptive backfill loop
// sized by remaining quota. Every pull call goes through the scheduler.
type Coordinator struct {
	Scheduler *Scheduler
	Tracker   *Tracker
	Cache     *FreshnessCache
	Provider  Provider
	Store     ItemStore
	Notifier  Notifier
	Accounts  []core.Account
	Logger    *zap.Logger
	Config    CoordinatorConfig
	Clock     func() time.Time

	mu         sync.Mutex
	state      State
	progress   map[string]*core.BackfillProgress
	order      []string
	nextIdx    int
	pollActive bool
	stream     Stream
	cancel     context.CancelFunc
	guard      *SyncGuard
	events     chan core.Post
	wg         sync.WaitGroup
	started    bool
}

// Status is the operational snapshot consumed by the HTTP surface.
type Status struct {
	State       State           `json:"state"`
	QueueLength int             `json:"queue_length"`
	Draining    bool            `json:"draining"`
	Endpoints   []EndpointUsage `json:"endpoints"`
}

// EndpointUsage reports one endpoint's window consumption.
type EndpointUsage struct {
	Endpoint  core.Endpoint `json:"endpoint"`
	Used      int           `json:"used"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	ResetIn   string        `json:"reset_in"`
}

// Start brings up the scheduler drain loop, the stream (or the polling
// fallback), the backfill loop, and the cache sweeper.
func (c *Coordinator) Start(ctx context.Context) error {
	if c == nil || c.Scheduler == nil || c.Provider == nil || c.Store == nil {
		return errors.New("coordinator is not configured")
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.started = true
	c.state = StateStarting
	c.Config = c.Config.withDefaults()
	c.guard = &SyncGuard{Cooldown: c.Config.SyncCooldown, Clock: c.Clock}
	c.events = make(chan core.Post, c.Config.EventBuffer)
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.loadProgress(runCtx); err != nil {
		return err
	}

	c.Scheduler.reopen()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Scheduler.Run(runCtx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.ingestLoop(runCtx)
	}()

	if c.Config.StreamEnabled {
		stream, err := c.connectStream(runCtx)
		if err != nil {
			c.log().Warn("stream setup failed, falling back to polling", zap.Error(err))
			c.setState(StatePolling)
			c.startPolling(runCtx)
			c.startReconnect(runCtx)
		} else {
			c.setStream(stream)
			c.setState(StateStreaming)
			c.startStreamConsumer(runCtx, stream)
		}
	} else {
		c.setState(StatePolling)
		c.startPolling(runCtx)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.backfillLoop(runCtx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sweepLoop(runCtx)
	}()

	return nil
}

// Stop shuts everything down: no new enqueues, stream closed, timers
// cancelled, loops joined.
func (c *Coordinator) Stop() {
	if c == nil {
		return
	}

	c.mu.Lock()
	cancel := c.cancel
	stream := c.stream
	c.stream = nil
	started := c.started
	c.mu.Unlock()

	if !started {
		return
	}
	if stream != nil {
		_ = stream.Close()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state = StateStopped
	c.started = false
	c.mu.Unlock()
	c.log().Info("coordinator stopped")
}

// State reports the current ingestion mode.
func (c *Coordinator) State() State {
	if c == nil {
		return StateStopped
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == "" {
		return StateStopped
	}
	return c.state
}

// Status assembles the operational snapshot.
func (c *Coordinator) Status(ctx context.Context) Status {
	status := Status{
		State:       c.State(),
		QueueLength: c.Scheduler.QueueLen(),
		Draining:    c.Scheduler.Draining(),
	}
	for _, endpoint := range []core.Endpoint{core.EndpointLookup, core.EndpointPosts, core.EndpointStream, core.EndpointRules} {
		used, limit, reset, err := c.Tracker.Usage(ctx, endpoint)
		if err != nil {
			continue
		}
		status.Endpoints = append(status.Endpoints, EndpointUsage{
			Endpoint:  endpoint,
			Used:      used,
			Limit:     limit,
			Remaining: limit - used,
			ResetIn:   reset.Round(time.Second).String(),
		})
	}
	return status
}

// SyncNow fetches fresh posts for the named accounts, collapsing concurrent
// callers and skipping accounts still in cooldown.
func (c *Coordinator) SyncNow(ctx context.Context, accountIDs []string) error {
	if c == nil {
		return errors.New("coordinator is not configured")
	}
	c.mu.Lock()
	guard := c.guard
	c.mu.Unlock()
	if guard == nil {
		return errors.New("coordinator is not started")
	}

	if len(accountIDs) == 0 {
		for _, account := range c.Accounts {
			accountIDs = append(accountIDs, account.ID)
		}
	}

	return guard.Run(ctx, accountIDs, func(ctx context.Context, due []string) error {
		var firstErr error
		for _, accountID := range due {
			if err := c.fetchAccount(ctx, accountID, PrioritySync); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}

// connectStream schedules stream rule setup and connection as pull calls.
func (c *Coordinator) connectStream(ctx context.Context) (Stream, error) {
	ids := make([]string, 0, len(c.Accounts))
	for _, account := range c.Accounts {
		ids = append(ids, account.ID)
	}

	future, err := c.Scheduler.Enqueue(Request{
		Endpoint: core.EndpointStream,
		Priority: PriorityControl,
		Execute: func(context.Context) (*Response, error) {
			// The connection must outlive the per-request timeout, so it
			// binds to the coordinator's run context, not the execution one.
			stream, err := c.Provider.OpenStream(ctx, ids)
			if err != nil {
				return nil, err
			}
			return &Response{Value: stream}, nil
		},
	})
	if err != nil {
		return nil, err
	}

	value, err := future.Wait(ctx)
	if err != nil {
		return nil, err
	}
	stream, ok := value.(Stream)
	if !ok {
		return nil, fmt.Errorf("unexpected stream setup result %T", value)
	}
	return stream, nil
}

func (c *Coordinator) startStreamConsumer(ctx context.Context, stream Stream) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeStream(ctx, stream)
	}()
}

// consumeStream pushes events into the bounded ingest channel. Push delivery
// does not count against the request quota. On stream failure the
// coordinator drops to polling and reconnects in the background.
func (c *Coordinator) consumeStream(ctx context.Context, stream Stream) {
	for {
		post, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log().Warn("stream disconnected, falling back to polling", zap.Error(err))
			_ = stream.Close()
			c.setStream(nil)
			c.setState(StatePolling)
			c.startPolling(ctx)
			c.startReconnect(ctx)
			return
		}
		if post == nil {
			continue
		}
		select {
		case c.events <- *post:
		case <-ctx.Done():
			return
		}
	}
}

// startReconnect retries stream setup indefinitely while polling covers
// ingestion. A successful reconnect takes over without an explicit state
// transition elsewhere: the poll loop observes the state change and exits.
func (c *Coordinator) startReconnect(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if !sleepCtx(ctx, c.Config.StreamReconnectDelay) {
				return
			}
			if c.State() != StatePolling {
				return
			}
			stream, err := c.connectStream(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log().Debug("stream reconnect failed", zap.Error(err))
				continue
			}
			c.log().Info("stream reconnected")
			c.setStream(stream)
			c.setState(StateStreaming)
			c.startStreamConsumer(ctx, stream)
			return
		}
	}()
}

// startPolling launches the poll loop unless one is already running.
func (c *Coordinator) startPolling(ctx context.Context) {
	c.mu.Lock()
	if c.pollActive {
		c.mu.Unlock()
		return
	}
	c.pollActive = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			c.pollActive = false
			c.mu.Unlock()
		}()
		c.pollLoop(ctx)
	}()
}

// pollLoop fetches each account at a fixed interval while the coordinator is
// in polling state, skipping accounts whose cache entry is still fresh.
func (c *Coordinator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.Config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.State() != StatePolling {
			return
		}
		for _, account := range c.Accounts {
			if _, fresh := c.Cache.Get(account.ID); fresh {
				continue
			}
			if err := c.fetchAccount(ctx, account.ID, PriorityPoll); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log().Warn("poll fetch failed",
					zap.String("account_id", account.ID),
					zap.Error(err))
			}
		}
	}
}

// fetchAccount schedules one recent-posts fetch and routes the result
// through the shared ingest path.
func (c *Coordinator) fetchAccount(ctx context.Context, accountID string, priority int) error {
	future, err := c.Scheduler.Enqueue(Request{
		Endpoint:   core.EndpointPosts,
		AccountKey: accountID,
		Priority:   priority,
		Execute: func(ctx context.Context) (*Response, error) {
			page, err := c.Provider.FetchPosts(ctx, accountID, core.FetchOptions{
				MaxResults: c.Config.BackfillPageSize,
			})
			if err != nil {
				// Throttle responses still carry provider quota headers;
				// pass them on so the tracker reconciles.
				if page != nil {
					return &Response{Headers: page.Headers}, err
				}
				return nil, err
			}
			return &Response{Value: page, Headers: page.Headers}, nil
		},
	})
	if err != nil {
		return err
	}

	value, err := future.Wait(ctx)
	if err != nil {
		return err
	}
	page, ok := value.(*core.FetchPage)
	if !ok || page == nil {
		return nil
	}

	c.Cache.Put(accountID, page.Posts)
	return c.acceptPosts(ctx, page.Posts)
}

// ingestLoop drains the bounded event channel so stream and poll deliveries
// share one dedup/persist/notify path.
func (c *Coordinator) ingestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case post := <-c.events:
			if !c.Cache.Merge(post.AccountID, post) {
				continue
			}
			if err := c.acceptPosts(ctx, []core.Post{post}); err != nil {
				c.log().Warn("failed to ingest stream event",
					zap.String("post_id", post.ID),
					zap.Error(err))
			}
		}
	}
}

// acceptPosts upserts posts idempotently and notifies downstream with the
// genuinely new ones.
func (c *Coordinator) acceptPosts(ctx context.Context, posts []core.Post) error {
	if len(posts) == 0 {
		return nil
	}
	inserted, err := c.Store.UpsertPosts(ctx, posts)
	if err != nil {
		return fmt.Errorf("persist posts: %w", err)
	}
	if len(inserted) > 0 && c.Notifier != nil {
		c.Notifier.Notify(inserted)
	}
	return nil
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.Config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cache.Sweep()
		}
	}
}

func (c *Coordinator) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Coordinator) setStream(stream Stream) {
	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
}

func (c *Coordinator) log() *zap.Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}
