package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = "InvoiceNo,StockCode,Description,Quantity,InvoiceDate,UnitPrice,CustomerID,Country\n" +
	"536365,85123A,WHITE HANGING HEART T-LIGHT HOLDER,6,2010-12-01 08:26:00,2.55,17850,United Kingdom\n"

func writeSample(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "online_retail.csv")
	if err := os.WriteFile(p, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRun_Usage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing_file", nil, "usage: probe -file"},
		{"bad_delimiter", []string{"-file", "x.csv", "-delimiter", ";;"}, "single character"},
		{"bad_backend", []string{"-file", "x.csv", "-backend", "oracle"}, "unknown backend"},
		{"unknown_flag", []string{"-url", "x"}, "flag provided but not defined"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var stdout, stderr bytes.Buffer
			if code := run(tc.args, &stdout, &stderr); code != 2 {
				t.Fatalf("code=%d, want 2", code)
			}
			if !strings.Contains(stderr.String(), tc.want) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.want)
			}
		})
	}
}

func TestRun_Report(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-file", writeSample(t)}, &stdout, &stderr); code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "sampled_rows=1") {
		t.Fatalf("stdout=%q", stdout.String())
	}
}

func TestRun_ConfigOut(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	args := []string{"-file", writeSample(t), "-config-out", "-backend", "sqlite", "-dsn", "file:out.db", "-job", "nightly"}
	if code := run(args, &stdout, &stderr); code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"job: nightly", "kind: sqlite", "dsn: file:out.db", "batch_size: 1000"} {
		if !strings.Contains(out, want) {
			t.Fatalf("config=%q, want contains %q", out, want)
		}
	}
	if !strings.Contains(stderr.String(), "sampled_rows=1") {
		t.Fatalf("report not on stderr: %q", stderr.String())
	}
}

func TestRun_OpenError(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-file", filepath.Join(t.TempDir(), "nope.csv")}, &stdout, &stderr); code != 1 {
		t.Fatalf("code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "probe: open source") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}
