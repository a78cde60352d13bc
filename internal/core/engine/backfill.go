package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/core"
)

// loadProgress seeds per-account backfill state from the store, creating
// fresh entries for accounts seen for the first time.
func (c *Coordinator) loadProgress(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.progress = make(map[string]*core.BackfillProgress, len(c.Accounts))
	c.order = c.order[:0]
	for _, account := range c.Accounts {
		progress, err := c.Store.GetBackfillProgress(ctx, account.ID)
		if err != nil {
			return fmt.Errorf("load backfill progress: %w", err)
		}
		if progress == nil {
			progress = &core.BackfillProgress{AccountID: account.ID}
		}
		c.progress[account.ID] = progress
		c.order = append(c.order, account.ID)
	}
	c.nextIdx = 0
	return nil
}

// backfillLoop walks accounts round-robin at low priority, spending only the
// budget the current window can afford, and re-arms itself on an interval
// that stretches as quota usage climbs.
func (c *Coordinator) backfillLoop(ctx context.Context) {
	for {
		if !sleepCtx(ctx, c.backfillDelay(ctx)) {
			return
		}
		if err := c.runBackfillCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log().Warn("backfill cycle failed", zap.Error(err))
		}
	}
}

// backfillDelay bands the re-arm interval by usage fraction. Low usage keeps
// backfill hot; high usage backs off to protect real-time fetches. A simple
// discrete control loop, deliberately no smarter than banded thresholds.
func (c *Coordinator) backfillDelay(ctx context.Context) time.Duration {
	base := c.Config.BackfillInterval
	used, limit, _, err := c.Tracker.Usage(ctx, core.EndpointPosts)
	if err != nil || limit <= 0 {
		return base * 4
	}

	fraction := float64(used) / float64(limit)
	switch {
	case fraction < 0.25:
		return base
	case fraction < 0.50:
		return base * 2
	case fraction < 0.80:
		return base * 4
	default:
		return base * 8
	}
}

// backfillBudget derives how many requests this cycle may spend from the
// remaining quota and the time until the window resets: generous far from
// reset, conservative close to it.
func backfillBudget(available int, untilReset time.Duration, reserve int) int {
	available -= reserve
	if available <= 0 {
		return 0
	}

	var budget int
	switch {
	case untilReset > 10*time.Minute:
		budget = available / 2
	case untilReset > 5*time.Minute:
		budget = available / 4
	default:
		budget = available / 8
		if budget > 5 {
			budget = 5
		}
	}
	if budget < 0 {
		budget = 0
	}
	return budget
}

func (c *Coordinator) runBackfillCycle(ctx context.Context) error {
	used, limit, untilReset, err := c.Tracker.Usage(ctx, core.EndpointPosts)
	if err != nil {
		return err
	}

	// Keep headroom for one poll pass over every account.
	budget := backfillBudget(limit-used, untilReset, len(c.Accounts))
	if budget == 0 {
		return nil
	}

	for i := 0; i < budget; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		progress := c.nextIncomplete()
		if progress == nil {
			c.resetCycleIfDone(ctx)
			return nil
		}
		if err := c.backfillOne(ctx, progress); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log().Warn("backfill fetch failed",
				zap.String("account_id", progress.AccountID),
				zap.Error(err))
		}
	}
	return nil
}

// backfillOne fetches one page older than the account's cursor. An empty
// page marks the account completed; otherwise the cursor advances to the
// oldest item returned.
func (c *Coordinator) backfillOne(ctx context.Context, progress *core.BackfillProgress) error {
	accountID := progress.AccountID
	cursor := progress.Cursor

	future, err := c.Scheduler.Enqueue(Request{
		Endpoint:   core.EndpointPosts,
		AccountKey: accountID,
		Priority:   PriorityBackfill,
		Execute: func(ctx context.Context) (*Response, error) {
			page, err := c.Provider.FetchPosts(ctx, accountID, core.FetchOptions{
				UntilID:    cursor,
				MaxResults: c.Config.BackfillPageSize,
			})
			if err != nil {
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

	c.mu.Lock()
	if len(page.Posts) == 0 {
		progress.Completed = true
	} else {
		progress.Cursor = page.OldestID
	}
	snapshot := *progress
	c.mu.Unlock()

	if err := c.acceptPosts(ctx, page.Posts); err != nil {
		return err
	}
	if err := c.Store.SaveBackfillProgress(ctx, &snapshot); err != nil {
		return fmt.Errorf("save backfill progress: %w", err)
	}
	return nil
}

// nextIncomplete returns the next account in round-robin order that has not
// completed its cycle, or nil when every account is done.
func (c *Coordinator) nextIncomplete() *core.BackfillProgress {
	c.mu.Lock()
	defer c.mu.Unlock()

	for range c.order {
		accountID := c.order[c.nextIdx]
		c.nextIdx = (c.nextIdx + 1) % len(c.order)
		if progress := c.progress[accountID]; progress != nil && !progress.Completed {
			return progress
		}
	}
	return nil
}

// resetCycleIfDone starts a new full cycle once all accounts completed.
func (c *Coordinator) resetCycleIfDone(ctx context.Context) {
	c.mu.Lock()
	for _, progress := range c.progress {
		if !progress.Completed {
			c.mu.Unlock()
			return
		}
	}
	snapshots := make([]core.BackfillProgress, 0, len(c.progress))
	for _, progress := range c.progress {
		progress.Completed = false
		progress.Cursor = ""
		snapshots = append(snapshots, *progress)
	}
	c.nextIdx = 0
	c.mu.Unlock()

	c.log().Info("backfill cycle complete, resetting")
	for i := range snapshots {
		if err := c.Store.SaveBackfillProgress(ctx, &snapshots[i]); err != nil {
			c.log().Warn("failed to persist backfill cycle reset",
				zap.String("account_id", snapshots[i].AccountID),
				zap.Error(err))
		}
	}
}
