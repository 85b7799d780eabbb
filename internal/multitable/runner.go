package multitable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"onlineretail/internal/apperrors"
	"onlineretail/internal/config"
	"onlineretail/internal/logging"
	"onlineretail/internal/metrics"
	"onlineretail/internal/parser/csv"
	"onlineretail/internal/storage"
	"onlineretail/internal/transformer"
)

// Progress is reported after every committed group.
type Progress struct {
	RunID string
	Group int

	// RowsProcessed counts every record handed to the loader so far,
	// committed or failed.
	RowsProcessed int
	RowsCommitted int
}

// Summary is the outcome of one run.
type Summary struct {
	RunID string

	RowsRead      int
	RowsCommitted int
	RowsFailed    int
	RowsSkipped   int

	GroupsCommitted int
	GroupsFailed    int
	FailedGroups    []*apperrors.GroupCommitError

	Duration time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf(
		"run_id=%s rows_read=%d rows_committed=%d rows_failed=%d rows_skipped=%d groups_committed=%d groups_failed=%d duration=%s",
		s.RunID, s.RowsRead, s.RowsCommitted, s.RowsFailed, s.RowsSkipped,
		s.GroupsCommitted, s.GroupsFailed, s.Duration.Truncate(time.Millisecond),
	)
}

// Runner wires config, store, source and engine into one run.
type Runner struct {
	// NewStore opens the store. Seam for tests; defaults to storage.New.
	NewStore func(ctx context.Context, cfg storage.Config) (storage.Store, error)

	// OpenSource opens the input file. Seam for tests; defaults to csv.Open.
	OpenSource func(path, encoding string) (io.ReadCloser, error)

	Logger *zap.Logger

	// OnProgress, when set, is called after every committed group.
	OnProgress func(Progress)
}

// NewDefaultRunner returns a Runner backed by the registered storage backends
// and the file system.
func NewDefaultRunner(logger *zap.Logger) *Runner {
	return &Runner{
		NewStore:   storage.New,
		OpenSource: csv.Open,
		Logger:     logger,
	}
}

// Run loads cfg.Source.Path into the configured store.
//
// Groups are loaded strictly one at a time, in source order. A failed group is
// rolled back, logged and counted; the run continues unless
// runtime.on_group_error is "abort".
//
// Errors:
//   - Invalid config (wraps apperrors.ErrInvalidConfig).
//   - Store open or table creation failure.
//   - *apperrors.SourceOpenError, *apperrors.SourceParseError (header, or any
//     row under the abort policy), *apperrors.ConnectionLostError.
//   - *apperrors.GroupCommitError under the abort group policy.
//   - ctx.Err() on cancellation.
//
// The returned Summary is filled in as far as the run got, even on error.
func (r *Runner) Run(ctx context.Context, cfg *config.Config) (sum Summary, err error) {
	sum.RunID = uuid.NewString()
	start := time.Now()
	defer func() { sum.Duration = time.Since(start) }()

	if err = config.Err(config.Validate(cfg)); err != nil {
		return sum, err
	}

	log := logging.OrNop(r.Logger).With(zap.String("run_id", sum.RunID), zap.String("job", cfg.Job))

	newStore := r.NewStore
	if newStore == nil {
		newStore = storage.New
	}
	openSource := r.OpenSource
	if openSource == nil {
		openSource = csv.Open
	}

	log.Info("stage=connect",
		zap.String("kind", cfg.Storage.Kind),
		zap.String("dsn", logging.SanitizeDSN(cfg.Storage.DSN)),
	)
	store, err := newStore(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		return sum, fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if cfg.Storage.AutoCreateTables {
		ddlStart := time.Now()
		tables := storage.RetailTables(storage.SchemaOptions{
			AutoCreate:         true,
			DedupeInvoiceItems: cfg.Runtime.DedupeInvoiceItems,
		})
		if err := store.EnsureTables(ctx, tables); err != nil {
			return sum, fmt.Errorf("ensure tables: %w", err)
		}
		log.Info("stage=ddl ok", zap.Duration("duration", durMS(ddlStart)))
	}

	src, err := openSource(cfg.Source.Path, cfg.Parser.Encoding)
	if err != nil {
		return sum, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var skipped atomic.Int64
	abortOnParse := cfg.Parser.OnParseError == csv.PolicyAbort
	onParseErr := func(line int, err error) {
		if abortOnParse || line <= 1 {
			log.Error("stage=parse_error", zap.Int("line", line), zap.Error(err))
			return
		}
		skipped.Add(1)
		metrics.RecordRows("skipped", 1)
		log.Warn("stage=parse_skip", zap.Int("line", line), zap.Error(err))
	}

	stream := StreamGroups(runCtx, src, csvOptions(cfg.Parser), cfg.Runtime.BatchSize, cfg.Runtime.ChannelBuffer, onParseErr)

	engine := &Engine{
		Store:  store,
		Logger: log,
		Steps:  LoadSteps(cfg.Runtime.DedupeInvoiceItems),
	}
	abortOnGroup := cfg.Runtime.OnGroupError == "abort"

	var fatal error
	for g := range stream.Groups {
		n := g.Len()
		sum.RowsRead += n
		metrics.RecordRows("read", n)
		metrics.RecordBatch()

		res, err := engine.LoadGroup(runCtx, g)
		if err == nil {
			sum.RowsCommitted += n
			sum.GroupsCommitted++
			metrics.RecordRows("committed", n)
			log.Info("stage=group_commit",
				zap.Int("group", g.Seq),
				zap.Int("rows", n),
				zap.Int("rows_processed", sum.RowsRead),
				zap.Int64("invoice_items", res.Inserted[StepInvoiceItems]),
				zap.Duration("duration", res.Duration.Truncate(time.Millisecond)),
			)
			if r.OnProgress != nil {
				r.OnProgress(Progress{
					RunID:         sum.RunID,
					Group:         g.Seq,
					RowsProcessed: sum.RowsRead,
					RowsCommitted: sum.RowsCommitted,
				})
			}
			continue
		}

		var gce *apperrors.GroupCommitError
		switch {
		case apperrors.IsFatal(err):
			log.Error("stage=group_fatal",
				zap.Int("group", g.Seq),
				zap.Int("first_line", g.FirstLine),
				zap.Error(err),
			)
		case errors.As(err, &gce):
			sum.RowsFailed += n
			sum.GroupsFailed++
			sum.FailedGroups = append(sum.FailedGroups, gce)
			metrics.RecordRows("failed", n)
			log.Error("stage=group_failed",
				zap.Int("group", gce.Group),
				zap.Int("first_line", gce.FirstLine),
				zap.Int("last_line", gce.LastLine),
				zap.Int("rows", gce.Rows),
				zap.String("step", gce.Step),
				zap.Error(gce.Err),
			)
			if !abortOnGroup {
				continue
			}
		}

		fatal = err
		cancel()
		break
	}
	// Let the producer goroutines exit before asking for their error.
	for range stream.Groups {
	}
	srcErr := stream.Wait()
	sum.RowsSkipped = int(skipped.Load())

	if fatal == nil && srcErr != nil {
		fatal = srcErr
	}

	if fatal != nil {
		log.Error("stage=done status=error",
			zap.Int("rows_processed", sum.RowsRead),
			zap.Int("rows_committed", sum.RowsCommitted),
			zap.Error(fatal),
		)
		return sum, fatal
	}

	log.Info("stage=done status=ok",
		zap.Int("rows_processed", sum.RowsRead),
		zap.Int("rows_committed", sum.RowsCommitted),
		zap.Int("rows_failed", sum.RowsFailed),
		zap.Int("rows_skipped", sum.RowsSkipped),
		zap.Int("groups_failed", sum.GroupsFailed),
	)
	return sum, nil
}

// csvOptions builds the row source options. Configured header entries extend
// and override the dataset defaults.
func csvOptions(p config.ParserConfig) csv.Options {
	hm := transformer.DefaultHeaderMap()
	for from, to := range p.HeaderMap {
		hm[strings.TrimSpace(from)] = strings.TrimSpace(to)
	}
	return csv.Options{
		Comma:        p.CommaRune(),
		LazyQuotes:   p.LazyQuotes,
		TrimSpace:    p.TrimSpace,
		HeaderMap:    hm,
		Required:     transformer.RequiredFields,
		OnParseError: p.OnParseError,
	}
}
