package collector

import (
	"context"
	"fmt"

	"envmonitor/metric"
	"envmonitor/target"
)

// Fetcher is the contract any metric source must satisfy. Fetch queries one
// target and returns either its metric tree or the fault it answered with.
// Implementations must honour ctx cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, t target.Target) (*metric.Response, error)
}

// FetchFunc adapts a plain function to Fetcher.
type FetchFunc func(ctx context.Context, t target.Target) (*metric.Response, error)

func (f FetchFunc) Fetch(ctx context.Context, t target.Target) (*metric.Response, error) {
	return f(ctx, t)
}

// FetchError is a transport level failure while querying a target, timeouts
// included.
type FetchError struct {
	Target target.Target
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Target, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
