// Package plugin defines the collaborators a repository consults around each
// snapshot: acceptance checks before, report sinks and post actions after.
package plugin

import (
	"context"
	"errors"
	"fmt"
)

// AcceptanceCheck decides whether a snapshot may be attempted this cycle.
// Returning an error wrapped with Abort stops the repository for good; any
// other error counts as a rejection.
type AcceptanceCheck interface {
	Verify(ctx context.Context) (bool, error)
}

// ReportSink is told the outcome of every completed request. Errors are
// logged by the caller and otherwise ignored.
type ReportSink interface {
	NotifySuccess(ctx context.Context) error
	NotifyFailure(ctx context.Context, msg string) error
}

// PostAction runs after every completed request.
type PostAction interface {
	Run(ctx context.Context) error
}

// Named is implemented by plugins that want their name in log lines.
type Named interface {
	Name() string
}

// NameOf returns the plugin name or its Go type.
func NameOf(p any) string {
	if n, ok := p.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}

// AbortError marks an acceptance failure that must stop scheduling of the
// repository permanently.
type AbortError struct {
	Err error
}

func (e *AbortError) Error() string {
	if e.Err == nil {
		return "repository aborted"
	}
	return "repository aborted: " + e.Err.Error()
}

func (e *AbortError) Unwrap() error { return e.Err }

// Abort wraps err as an AbortError.
func Abort(err error) error { return &AbortError{Err: err} }

// IsAbort reports whether err carries an AbortError.
func IsAbort(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}

// AcceptanceFunc adapts a function to AcceptanceCheck.
type AcceptanceFunc func(ctx context.Context) (bool, error)

func (f AcceptanceFunc) Verify(ctx context.Context) (bool, error) { return f(ctx) }

// PostFunc adapts a function to PostAction.
type PostFunc func(ctx context.Context) error

func (f PostFunc) Run(ctx context.Context) error { return f(ctx) }

// NotifyAll delivers one outcome to every sink in order and joins the errors.
func NotifyAll(ctx context.Context, sinks []ReportSink, success bool, msg string) error {
	var errs []error
	for _, s := range sinks {
		var err error
		if success {
			err = s.NotifySuccess(ctx)
		} else {
			err = s.NotifyFailure(ctx, msg)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", NameOf(s), err))
		}
	}
	return errors.Join(errs...)
}
