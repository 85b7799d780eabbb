package multitable

import (
	"context"
	"errors"
	"io"
	"sync"

	"onlineretail/internal/parser/csv"
	"onlineretail/internal/transformer"
)

// GroupStream is the producer half of the pipeline: source rows batched into
// groups.
//
// Ownership:
//   - Every Group received from Groups belongs to the receiver.
//
// Lifecycle:
//   - Groups is closed when the source is exhausted, fails, or ctx is done.
//   - Call Wait after Groups is drained to get the terminal source error.
type GroupStream struct {
	Groups <-chan Group

	wg     sync.WaitGroup
	srcErr error
	accErr error
}

// Wait blocks until the producer goroutines exit and returns the source error:
// a fatal parse error (missing header, or any bad row under the abort policy),
// or the context error when the stream was cancelled. It returns nil when the
// source was read to the end.
func (s *GroupStream) Wait() error {
	s.wg.Wait()
	switch {
	case s.srcErr != nil && !errors.Is(s.srcErr, context.Canceled):
		return s.srcErr
	case s.accErr != nil:
		return s.accErr
	default:
		return s.srcErr
	}
}

// StreamGroups reads src with the CSV row source and batches the records into
// groups of batchSize.
//
// The group channel has capacity channelBuffer (0 means an unbuffered handoff)
// and records flow from the parser to the accumulator over an unbuffered
// channel. While the consumer is busy with a group, the accumulator blocks on
// its next handoff and the parser blocks on its next send, so the source holds
// at most one full group plus channelBuffer groups beyond the one being loaded.
//
// onParseErr is called from the parser goroutine for every bad row.
func StreamGroups(
	ctx context.Context,
	src io.ReadCloser,
	opt csv.Options,
	batchSize int,
	channelBuffer int,
	onParseErr func(line int, err error),
) *GroupStream {
	if channelBuffer < 0 {
		channelBuffer = 0
	}

	recCh := make(chan transformer.Record)
	groupCh := make(chan Group, channelBuffer)
	s := &GroupStream{Groups: groupCh}

	ctx, cancel := context.WithCancel(ctx)

	s.wg.Add(2)

	// Reader: parse rows in file order.
	go func() {
		defer s.wg.Done()
		defer close(recCh)

		s.srcErr = csv.StreamCSVRows(ctx, src, opt, recCh, onParseErr)
		if s.srcErr != nil {
			// A fatal source error must not be followed by a partial group.
			cancel()
		}
	}()

	// Accumulator: batch and hand off.
	go func() {
		defer s.wg.Done()
		defer close(groupCh)

		acc := NewAccumulator(batchSize, groupCh)
		for rec := range recCh {
			if err := acc.Add(ctx, rec); err != nil {
				s.accErr = err
				cancel()
				// Drain so the reader is never stuck on a send.
				for range recCh {
				}
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		s.accErr = acc.Flush(ctx)
	}()

	go func() {
		s.wg.Wait()
		cancel()
	}()

	return s
}
