// Package feed adapts external trade streams to domain.TradeEvent.
//
// A Source streams one pool at a time. Stream blocks until the context is cancelled, the
// stream ends (finite sources such as CSV replay return nil), or the stream fails. Sends on
// out block, so a consumer that stops reading applies backpressure to the source.
package feed

import (
	"context"
	"errors"

	"dex-sonar/internal/domain"
)

// ErrMalformed marks a feed message that could not be turned into a trade event.
var ErrMalformed = errors.New("feed: malformed message")

// Source produces trade events for a pool.
type Source interface {
	Stream(ctx context.Context, pool domain.Pool, out chan<- domain.TradeEvent) error
}

// send delivers e or gives up when ctx is done.
func send(ctx context.Context, out chan<- domain.TradeEvent, e domain.TradeEvent) error {
	select {
	case out <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
