package multitable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"onlineretail/internal/apperrors"
	"onlineretail/internal/logging"
	"onlineretail/internal/metrics"
	"onlineretail/internal/storage"
)

// Engine is the entity loader: it writes one group per transaction.
type Engine struct {
	Store  storage.Store
	Logger *zap.Logger

	// Steps is the load plan. Nil means LoadSteps(false).
	Steps []LoadStep
}

// GroupResult describes a committed group.
type GroupResult struct {
	Group int
	Rows  int

	// Inserted is the number of rows each step actually wrote, by step name.
	// Dimension rows that already existed are not counted.
	Inserted map[string]int64

	Duration time.Duration
}

// LoadGroup writes g inside one transaction, running the steps in order, and
// commits. Nothing of g is persisted unless every step succeeds.
//
// Errors:
//   - *apperrors.GroupCommitError for a rolled-back group (constraint
//     violation, malformed value, statement failure). The run may continue.
//   - *apperrors.ConnectionLostError when the session died. Fatal.
//   - ctx.Err() when ctx was cancelled. Fatal.
func (e *Engine) LoadGroup(ctx context.Context, g Group) (GroupResult, error) {
	if e.Store == nil {
		return GroupResult{}, fmt.Errorf("engine: Store is required")
	}
	log := logging.OrNop(e.Logger).With(
		zap.Int("group", g.Seq),
		zap.Int("first_line", g.FirstLine),
		zap.Int("last_line", g.LastLine),
	)

	steps := e.Steps
	if steps == nil {
		steps = LoadSteps(false)
	}

	start := time.Now()
	res := GroupResult{Group: g.Seq, Rows: g.Len(), Inserted: make(map[string]int64, len(steps))}

	tx, err := e.Store.Begin(ctx)
	if err != nil {
		return res, e.groupErr(ctx, g, "begin", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		// The caller's ctx may already be done; rollback must still reach the store.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			log.Warn("stage=group_rollback", zap.Error(rbErr))
		}
	}()

	for _, step := range steps {
		stepStart := time.Now()
		n, err := e.runStep(ctx, tx, step, g)
		metrics.RecordStep(step.Name, stepStatus(err), time.Since(stepStart))
		if err != nil {
			return res, e.groupErr(ctx, g, step.Name, err)
		}
		res.Inserted[step.Name] = n
		log.Debug("stage=step",
			zap.String("step", step.Name),
			zap.Int64("inserted", n),
			zap.Duration("duration", durMS(stepStart)),
		)
	}

	if err := tx.Commit(ctx); err != nil {
		return res, e.groupErr(ctx, g, "commit", err)
	}
	committed = true

	res.Duration = time.Since(start)
	return res, nil
}

// runStep extracts the step's rows from every record and writes them.
func (e *Engine) runStep(ctx context.Context, tx storage.Tx, step LoadStep, g Group) (int64, error) {
	rows := make([][]any, 0, g.Len())
	for _, rec := range g.Records {
		row, ok, err := step.Row(rec)
		if err != nil {
			return 0, fmt.Errorf("line %d: %w", rec.Line, err)
		}
		if ok {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}

	switch step.Kind {
	case KindDimension:
		// First occurrence within the group wins, same as against the table.
		deduped, err := storage.DedupeRowsByColumns(rows, step.Columns, step.ConflictColumns)
		if err != nil {
			return 0, err
		}
		return tx.EnsureDimensionRows(ctx, step.Table, step.Columns, deduped, step.ConflictColumns)
	case KindFact:
		return tx.InsertFactRows(ctx, step.Table, step.Columns, rows, step.ConflictColumns)
	default:
		return 0, fmt.Errorf("step %s: unknown kind %q", step.Name, step.Kind)
	}
}

// groupErr classifies a failure inside a group.
func (e *Engine) groupErr(ctx context.Context, g Group, step string, err error) error {
	if errors.Is(err, apperrors.ErrConnectionLost) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &apperrors.GroupCommitError{
		Group:     g.Seq,
		FirstLine: g.FirstLine,
		LastLine:  g.LastLine,
		Rows:      g.Len(),
		Step:      step,
		Err:       err,
	}
}

func stepStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
