package datadog

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onlineretail/internal/metrics"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last(t *testing.T) datadogV2.MetricPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.payloads, "no payload submitted")
	return f.payloads[len(f.payloads)-1]
}

func idleTicker(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) }

// newTestBackend builds a backend that never flushes on its own and is closed
// when the test ends.
func newTestBackend(t *testing.T, fs *fakeSubmitter, job string, tags ...string) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:   job,
		Tags:      tags,
		submitter: fs,
		now:       func() time.Time { return time.Unix(1291192560, 0) },
		newTicker: idleTicker,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type point struct {
	typ   datadogV2.MetricIntakeType
	value float64
	ts    int64
	tags  []string
}

// seriesIndex keys each series by metric name plus its sorted per-series
// tags, with the backend's base tags removed.
func seriesIndex(t *testing.T, p datadogV2.MetricPayload, baseTags []string) map[string]point {
	t.Helper()
	base := make(map[string]bool, len(baseTags))
	for _, tag := range baseTags {
		base[tag] = true
	}
	out := make(map[string]point, len(p.Series))
	for _, s := range p.Series {
		require.Len(t, s.Points, 1, "series %s", s.Metric)
		require.NotNil(t, s.Type, "series %s", s.Metric)
		var own []string
		for _, tag := range s.Tags {
			if !base[tag] {
				own = append(own, tag)
			}
		}
		sort.Strings(own)
		key := s.Metric
		if len(own) > 0 {
			key += "{" + strings.Join(own, ",") + "}"
		}
		_, dup := out[key]
		require.False(t, dup, "duplicate series %s", key)
		out[key] = point{typ: *s.Type, value: *s.Points[0].Value, ts: *s.Points[0].Timestamp, tags: s.Tags}
	}
	return out
}

// A load of two groups, the second failing at invoice_items, reported through
// the metrics facade the way the runner and engine do.
func TestBackend_LoadRunSeries(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("DD_ENV", "")

	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs, "retail-nightly", "team:retail")
	metrics.SetBackend(b)
	t.Cleanup(func() { metrics.SetBackend(nil) })

	// group 1: all steps commit
	metrics.RecordRows("read", 3)
	metrics.RecordBatch()
	metrics.RecordStep("customers", "ok", 10*time.Millisecond)
	metrics.RecordStep("invoice_items", "ok", 30*time.Millisecond)
	metrics.RecordRows("committed", 3)
	// group 2: customers commit, invoice_items fails
	metrics.RecordRows("read", 2)
	metrics.RecordBatch()
	metrics.RecordStep("customers", "ok", 20*time.Millisecond)
	metrics.RecordStep("invoice_items", "error", 5*time.Millisecond)
	metrics.RecordRows("failed", 2)
	metrics.RecordRows("skipped", 0)

	require.NoError(t, metrics.Flush())
	require.Equal(t, 1, fs.count())

	baseTags := []string{"env:test", "job:retail-nightly", "team:retail"}
	got := seriesIndex(t, fs.last(t), baseTags)

	type want struct {
		key   string
		typ   datadogV2.MetricIntakeType
		value float64
	}
	count, gauge := datadogV2.METRICINTAKETYPE_COUNT, datadogV2.METRICINTAKETYPE_GAUGE
	for _, w := range []want{
		{"etl.step.total{status:ok,step:customers}", count, 2},
		{"etl.step.total{status:ok,step:invoice_items}", count, 1},
		{"etl.step.total{status:error,step:invoice_items}", count, 1},
		{"etl.records.total{kind:read}", count, 5},
		{"etl.records.total{kind:committed}", count, 3},
		{"etl.records.total{kind:failed}", count, 2},
		{"etl.batches.total", count, 2},
		{"etl.step.duration_seconds.p50{status:ok,step:customers}", gauge, 0.02},
		{"etl.step.duration_seconds.max{status:ok,step:customers}", gauge, 0.02},
		{"etl.step.duration_seconds.samples{status:ok,step:customers}", gauge, 2},
		{"etl.step.duration_seconds.p99{status:ok,step:invoice_items}", gauge, 0.03},
		{"etl.step.duration_seconds.samples{status:ok,step:invoice_items}", gauge, 1},
		{"etl.step.duration_seconds.p90{status:error,step:invoice_items}", gauge, 0.005},
		{"etl.step.duration_seconds.samples{status:error,step:invoice_items}", gauge, 1},
	} {
		p, ok := got[w.key]
		if assert.True(t, ok, "missing %s", w.key) {
			assert.Equal(t, w.typ, p.typ, w.key)
			assert.InDelta(t, w.value, p.value, 1e-12, w.key)
		}
	}
	assert.NotContains(t, got, "etl.records.total{kind:skipped}")

	// 7 counters plus 6 duration gauges for each of 3 step/status pairs.
	assert.Len(t, got, 7+3*6)
	for key, p := range got {
		assert.Equal(t, int64(1291192560), p.ts, key)
		assert.Subset(t, p.tags, baseTags, key)
	}
}

func TestBackend_DropsUnknownAndInvalidSamples(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs, "job1")

	b.IncCounter(metrics.BatchesTotal, 0, nil)
	b.IncCounter(metrics.BatchesTotal, -3, nil)
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{})
	b.IncCounter("etl_rows_total", 1, metrics.Labels{"kind": "read"})
	b.ObserveHistogram(metrics.StepDurationSeconds, -1, metrics.Labels{"step": "customers", "status": "ok"})
	b.ObserveHistogram("etl_commit_seconds", 1, nil)

	require.NoError(t, b.Flush())
	assert.Zero(t, fs.count(), "nothing valid was recorded")

	b.IncCounter(metrics.RecordsTotal, 4, metrics.Labels{"kind": "skipped"})
	require.NoError(t, b.Flush())

	got := seriesIndex(t, fs.last(t), b.baseTags)
	assert.Equal(t, map[string]float64{"etl.records.total{kind:skipped}": 4}, values(got))
}

func TestFlush_SubmitsDeltasPerInterval(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs, "job1")

	b.IncCounter(metrics.RecordsTotal, 1000, metrics.Labels{"kind": "committed"})
	require.NoError(t, b.Flush())

	b.IncCounter(metrics.RecordsTotal, 250, metrics.Labels{"kind": "committed"})
	b.IncCounter(metrics.BatchesTotal, 1, nil)
	require.NoError(t, b.Flush())

	require.Equal(t, 2, fs.count())
	assert.Equal(t, map[string]float64{
		"etl.records.total{kind:committed}": 250,
		"etl.batches.total":                 1,
	}, values(seriesIndex(t, fs.last(t), b.baseTags)))
}

func TestFlush_SubmitErrorDropsInterval(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("403 Forbidden")}
	b := newTestBackend(t, fs, "job1")

	metricsStep(b, "products", "error", 0.25)
	require.EqualError(t, b.Flush(), "403 Forbidden")

	// Delivery is at most once: the failed interval is not resubmitted.
	fs.mu.Lock()
	fs.err = nil
	fs.mu.Unlock()
	require.NoError(t, b.Flush())
	assert.Equal(t, 1, fs.count())
}

func metricsStep(b *Backend, step, status string, seconds float64) {
	l := metrics.Labels{"step": step, "status": status}
	b.IncCounter(metrics.StepTotal, 1, l)
	b.ObserveHistogram(metrics.StepDurationSeconds, seconds, l)
}

func values(idx map[string]point) map[string]float64 {
	out := make(map[string]float64, len(idx))
	for k, p := range idx {
		out[k] = p.value
	}
	return out
}

func TestNewBackend_Defaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("DD_ENV", "staging")

	b := newTestBackend(t, &fakeSubmitter{}, "", "service:onlineretail")

	assert.Equal(t, []string{"env:staging", "job:" + DefaultJobName, "service:onlineretail"}, b.baseTags)
	assert.Equal(t, 60*time.Second, b.flushEvery)
}

func TestNewBackend_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := NewBackend(nil, Options{submitter: &fakeSubmitter{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "datadog metrics init: nil context")
}

func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_fallback", env: "", dd: "stage", want: "env:stage"},
		{name: "blank_values_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "unset", want: "env:unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			assert.Equal(t, tc.want, resolveEnvTag())
		})
	}
}

func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()

	commits := []float64{0.012, 0.015, 0.018, 0.020, 0.022, 0.025, 0.031, 0.040, 0.055, 1.900}
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{0.7}, p: 0.95, want: 0.7},
		{name: "p_below_0", s: commits, p: -1, want: 0.012},
		{name: "p_above_1", s: commits, p: 2, want: 1.900},
		{name: "p50", s: commits, p: 0.50, want: 0.025},
		{name: "p90", s: commits, p: 0.90, want: 0.055},
		{name: "p95_slow_commit", s: commits, p: 0.95, want: 1.900},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, percentileNearestRank(tc.s, tc.p))
		})
	}
}

func TestAddPercentiles_SortsCopy(t *testing.T) {
	t.Parallel()

	in := []float64{0.5, 0.1, 0.3}
	var series []datadogV2.MetricSeries
	addPercentiles(&series, []string{"job:x"}, "etl.step.duration_seconds", stepStatusKey("products", "ok"), in, 1)

	require.Len(t, series, 6)
	assert.Equal(t, []float64{0.5, 0.1, 0.3}, in)
	assert.Equal(t, "etl.step.duration_seconds.max", series[4].Metric)
	assert.Equal(t, 0.5, *series[4].Points[0].Value)
	assert.Equal(t, []string{"job:x", "step:products", "status:ok"}, series[4].Tags)

	step, status := splitStepStatusKey("no-separator")
	assert.Equal(t, "no-separator", step)
	assert.Equal(t, "unknown", status)
}

func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
	})
	require.NoError(t, err)

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	require.Eventually(t, func() bool { return fs.count() >= 1 }, time.Second, 2*time.Millisecond,
		"ticker never flushed")

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	require.NoError(t, b.Close())
	assert.GreaterOrEqual(t, fs.count(), 2, "Close flushes what the loop has not")

	// A second Close only flushes, and there is nothing left.
	n := fs.count()
	require.NoError(t, b.Close())
	assert.Equal(t, n, fs.count())
}

func TestBackend_ConcurrentLoaders(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs, "job1")

	workers := runtime.GOMAXPROCS(0) * 4
	const groups = 500

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < groups; j++ {
				b.IncCounter(metrics.BatchesTotal, 1, nil)
				b.IncCounter(metrics.RecordsTotal, 10, metrics.Labels{"kind": "committed"})
				metricsStep(b, "invoice_items", "ok", 0.01)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, b.Flush())
	require.Equal(t, 1, fs.count())

	total := float64(workers * groups)
	got := values(seriesIndex(t, fs.last(t), b.baseTags))
	assert.Equal(t, total, got["etl.batches.total"])
	assert.Equal(t, 10*total, got["etl.records.total{kind:committed}"])
	assert.Equal(t, total, got["etl.step.total{status:ok,step:invoice_items}"])
	assert.Equal(t, total, got["etl.step.duration_seconds.samples{status:ok,step:invoice_items}"])
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty", in: "", want: nil},
		{name: "only_separators", in: " , ,", want: []string{}},
		{
			name: "trims_and_skips_blank_segments",
			in:   " env:prod , ,service:onlineretail,  ,team:retail ",
			want: []string{"env:prod", "service:onlineretail", "team:retail"},
		},
		{name: "single", in: "dataset:uci-online-retail", want: []string{"dataset:uci-online-retail"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ParseTagsCSV(tc.in))
		})
	}
}
