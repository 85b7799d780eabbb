// Package metrics is a tiny process-wide metrics facade.
//
// Core loader code records through the package-level helpers; the concrete
// backend (nop by default, Datadog when configured) is swapped in at startup
// with SetBackend.
package metrics

import (
	"sync"
	"time"
)

// Metric names recorded by the loader.
const (
	RecordsTotal        = "etl_records_total"         // labels: kind=read|committed|failed|skipped
	BatchesTotal        = "etl_batches_total"         // no labels
	StepTotal           = "etl_step_total"            // labels: step, status
	StepDurationSeconds = "etl_step_duration_seconds" // labels: step, status
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process backend. A nil b restores the nop
// backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds delta to a counter.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush forwards to the current backend.
func Flush() error {
	return current().Flush()
}

// RecordStep records one step outcome and its duration.
func RecordStep(step, status string, d time.Duration) {
	l := Labels{"step": step, "status": status}
	b := current()
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRows adds n to etl_records_total{kind}.
func RecordRows(kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordBatch counts one committed or failed group.
func RecordBatch() {
	current().IncCounter(BatchesTotal, 1, nil)
}
