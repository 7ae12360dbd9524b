package replica

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"cvmfsreplica/pkg/timeoutcmd"
)

// Request asks an agent to snapshot one repository. Everything but the
// result is fixed at creation. The result is written once, by the agent that
// popped the request, and read by the repository that issued it.
type Request struct {
	ID         string
	Repository string
	Priority   int
	NTrials    int
	Timeout    time.Duration
	Command    []string
	CreatedAt  time.Time

	// seq breaks ties between requests with equal priority and timestamp.
	seq uint64

	once     sync.Once
	done     chan struct{}
	status   int
	attempts int
	last     timeoutcmd.Result
}

func newRequest(r RepositoryConfig, now time.Time) *Request {
	return &Request{
		ID:         uuid.NewString(),
		Repository: r.Name,
		Priority:   r.Priority,
		NTrials:    r.NTrials,
		Timeout:    r.Timeout,
		Command:    append([]string(nil), r.Command...),
		CreatedAt:  now,
		done:       make(chan struct{}),
	}
}

// complete records the outcome. Only the first call has any effect.
// The result fields are written before done is closed, so a reader that saw
// Done() closed always sees them.
func (r *Request) complete(status, attempts int, last timeoutcmd.Result) bool {
	won := false
	r.once.Do(func() {
		r.status = status
		r.attempts = attempts
		r.last = last
		close(r.done)
		won = true
	})
	return won
}

// Done is closed once the request has a final status.
func (r *Request) Done() <-chan struct{} { return r.done }

// IsDone reports whether the request has completed.
func (r *Request) IsDone() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Status returns the final exit status and true once the request is done.
func (r *Request) Status() (int, bool) {
	if !r.IsDone() {
		return 0, false
	}
	return r.status, true
}

// Attempts is the number of command runs made; valid once done.
func (r *Request) Attempts() int {
	if !r.IsDone() {
		return 0
	}
	return r.attempts
}

// LastResult is the outcome of the final attempt; valid once done.
func (r *Request) LastResult() timeoutcmd.Result {
	if !r.IsDone() {
		return timeoutcmd.Result{}
	}
	return r.last
}

// Wait blocks until the request is done or ctx ends.
func (r *Request) Wait(ctx context.Context) (int, error) {
	select {
	case <-r.done:
		return r.status, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
