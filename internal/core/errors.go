package core

import "errors"

// Sentinel errors for the provider interaction taxonomy. Scheduling-level
// conditions (quota, throttle) are absorbed and retried by the scheduler;
// the rest surface to whoever enqueued the request.
var (
	// ErrThrottled means the provider rejected a request as over quota.
	// The scheduler requeues the request and pauses the drain loop.
	ErrThrottled = errors.New("provider throttled request")

	// ErrNotFound means the provider definitively does not know the
	// requested resource. Not retried.
	ErrNotFound = errors.New("resource not found")

	// ErrStreamClosed means the streaming connection ended. The coordinator
	// falls back to polling and reconnects in the background.
	ErrStreamClosed = errors.New("stream closed")

	// ErrSchedulerStopped rejects enqueues after shutdown began.
	ErrSchedulerStopped = errors.New("scheduler stopped")
)
