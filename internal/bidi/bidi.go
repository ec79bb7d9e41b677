// Package bidi drops changes that originated from this same migration's
// own apply path, preventing an infinite loop when source and destination
// both run a follow pipeline against each other (bidirectional setups).
package bidi

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/stream"
)

// Filter drops messages whose OriginID matches the configured origin.
type Filter struct {
	originID string
	logger   zerolog.Logger
}

// NewFilter creates a Filter. An empty originID disables filtering: every
// message passes through unchanged.
func NewFilter(originID string, logger zerolog.Logger) *Filter {
	return &Filter{
		originID: originID,
		logger:   logger.With().Str("component", "bidi").Logger(),
	}
}

// Run reads from in and writes every message that did not originate from
// this filter's origin to the returned channel, which is closed once in is
// closed or ctx is cancelled.
func (f *Filter) Run(ctx context.Context, in <-chan stream.Message) <-chan stream.Message {
	out := make(chan stream.Message, cap(in))

	go func() {
		defer close(out)
		var dropped int64
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				if f.originID != "" && msg.OriginID() == f.originID {
					dropped++
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	if f.originID != "" {
		f.logger.Debug().Str("origin", f.originID).Msg("bidirectional loop filter active")
	}
	return out
}
