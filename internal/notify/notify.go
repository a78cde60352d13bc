// Package notify delivers newly ingested posts to downstream consumers
// without blocking the ingestion path.
package notify

import (
	"sync"

	"go.uber.org/zap"

	"github.com/pulsefeed/pulsefeed/internal/core"
)

const defaultBuffer = 512

// LogNotifier announces accepted posts on the application log and fans them
// out to any registered subscriber channels. Delivery is asynchronous: a
// bounded queue decouples ingestion from slow consumers, and overflow drops
// the oldest batch rather than stalling the caller.
type LogNotifier struct {
	Logger *zap.Logger
	Buffer int

	once    sync.Once
	mu      sync.Mutex
	queue   chan []core.Post
	subs    []chan []core.Post
	dropped int
	done    chan struct{}
}

func (n *LogNotifier) init() {
	n.once.Do(func() {
		buffer := n.Buffer
		if buffer <= 0 {
			buffer = defaultBuffer
		}
		n.queue = make(chan []core.Post, buffer)
		n.done = make(chan struct{})
		go n.dispatch()
	})
}

// Notify enqueues a batch for delivery. Never blocks; under sustained
// backpressure the oldest queued batch is discarded to make room.
func (n *LogNotifier) Notify(posts []core.Post) {
	if n == nil || len(posts) == 0 {
		return
	}
	n.init()

	batch := make([]core.Post, len(posts))
	copy(batch, posts)

	for {
		select {
		case n.queue <- batch:
			return
		default:
		}
		select {
		case <-n.queue:
			n.mu.Lock()
			n.dropped++
			n.mu.Unlock()
		default:
		}
	}
}

// Subscribe returns a channel receiving future batches. Subscribers that
// fall behind miss batches instead of slowing delivery down.
func (n *LogNotifier) Subscribe() <-chan []core.Post {
	n.init()
	ch := make(chan []core.Post, 16)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}

// Dropped reports how many batches were discarded under backpressure.
func (n *LogNotifier) Dropped() int {
	if n == nil {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Close drains the queue and stops the dispatcher. Notify after Close may
// panic; callers stop the coordinator first.
func (n *LogNotifier) Close() {
	if n == nil {
		return
	}
	n.init()
	close(n.queue)
	<-n.done
}

func (n *LogNotifier) dispatch() {
	defer close(n.done)
	for batch := range n.queue {
		logger := n.Logger
		if logger == nil {
			logger = zap.NewNop()
		}
		for _, post := range batch {
			logger.Info("new post",
				zap.String("post_id", post.ID),
				zap.String("account_id", post.AccountID),
				zap.String("handle", post.Handle),
				zap.Time("posted_at", post.PostedAt))
		}

		n.mu.Lock()
		subs := make([]chan []core.Post, len(n.subs))
		copy(subs, n.subs)
		n.mu.Unlock()
		for _, sub := range subs {
			select {
			case sub <- batch:
			default:
			}
		}
	}
}
