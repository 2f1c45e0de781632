package proxyservice

import "context"

// Command is a deferred, zero-argument unit of work returned by the
// synchronous half of a ProxyService operation. Callers schedule it
// themselves (on their own goroutine, worker pool, or inline) so the
// reserve-and-validate phase can return to an HTTP handler before the
// long backend interaction even starts. Collapsing this into a single
// blocking call would defeat the point of the split — preserve it.
type Command func(ctx context.Context) error

// Run executes the command, a convenience for callers that want to
// await it inline (e.g. tests).
func (c Command) Run(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c(ctx)
}
