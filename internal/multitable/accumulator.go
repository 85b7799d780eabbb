package multitable

import (
	"context"
	"fmt"

	"onlineretail/internal/transformer"
)

// DefaultBatchSize is the group capacity used when none is configured.
const DefaultBatchSize = 1000

// Group is one batch of source records loaded in a single transaction.
type Group struct {
	// Seq is the 1-based group number within the run.
	Seq     int
	Records []transformer.Record

	// FirstLine and LastLine are the source lines of the first and last record.
	FirstLine int
	LastLine  int
}

// Len returns the number of records in the group.
func (g Group) Len() int { return len(g.Records) }

// Accumulator buffers records into fixed-size groups and hands each full group
// to out. All accumulation state lives here; two accumulators never share
// anything.
//
// Backpressure:
//   - Add blocks on the send to out until the consumer takes the group. The
//     caller is the one reading from the source, so reading stops while a
//     group is waiting.
//
// Concurrency:
//   - An Accumulator is used by one goroutine.
type Accumulator struct {
	size int
	out  chan<- Group

	buf  []transformer.Record
	seq  int
	rows int
}

// NewAccumulator returns an Accumulator with the given group capacity. A
// capacity <= 0 means DefaultBatchSize.
func NewAccumulator(size int, out chan<- Group) *Accumulator {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &Accumulator{
		size: size,
		out:  out,
		buf:  make([]transformer.Record, 0, size),
	}
}

// Add appends rec. When the buffer reaches capacity the group is handed off
// before Add returns.
//
// Errors:
//   - ctx.Err() when ctx is cancelled while waiting for the consumer. The
//     pending group is dropped.
func (a *Accumulator) Add(ctx context.Context, rec transformer.Record) error {
	a.buf = append(a.buf, rec)
	if len(a.buf) < a.size {
		return nil
	}
	return a.handOff(ctx)
}

// Flush hands off the partial group, if any. Call it once at end of source.
func (a *Accumulator) Flush(ctx context.Context) error {
	if len(a.buf) == 0 {
		return nil
	}
	return a.handOff(ctx)
}

func (a *Accumulator) handOff(ctx context.Context) error {
	a.seq++
	g := Group{
		Seq:       a.seq,
		Records:   a.buf,
		FirstLine: a.buf[0].Line,
		LastLine:  a.buf[len(a.buf)-1].Line,
	}
	// The consumer owns the sent slice; start a fresh one.
	a.buf = make([]transformer.Record, 0, a.size)

	select {
	case a.out <- g:
		a.rows += g.Len()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hand off group %d: %w", g.Seq, ctx.Err())
	}
}

// Groups returns the number of groups formed so far.
func (a *Accumulator) Groups() int { return a.seq }

// Rows returns the number of records handed off so far.
func (a *Accumulator) Rows() int { return a.rows }

// Pending returns the number of buffered records not yet handed off.
func (a *Accumulator) Pending() int { return len(a.buf) }
