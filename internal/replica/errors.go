package replica

import "errors"

var (
	// ErrNoWorkers is returned by NewManager when the worker count is not positive.
	ErrNoWorkers = errors.New("maximum concurrent snapshots must be > 0")
	// ErrQueueClosed is returned by Queue.Pop once the queue is closed and drained,
	// and by Queue.Push after Close.
	ErrQueueClosed = errors.New("request queue closed")
)
