// Command probe samples the head of a retail export and reports how etl will
// read it, optionally emitting a starting config.
//
// It reads a bounded prefix of the file (default 64KB), sniffs the delimiter,
// resolves headers to the loader's canonical fields and counts values the
// loader would reject.
//
// Output modes
//
//   - Default mode: prints the text report to stdout.
//   - Config mode (-config-out): prints a YAML loader config to stdout and the
//     report to stderr, so the output can be redirected into a file.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"onlineretail/internal/probe"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		// path of the CSV export to sample.
		path = fs.String("file", "", "path of the CSV export")

		// maxBytes bounds the sample.
		maxBytes = fs.Int("bytes", probe.DefaultMaxBytes, "number of bytes to sample from the start of the file")

		encoding = fs.String("encoding", "utf-8", "source encoding: utf-8|windows-1252|iso-8859-1")

		// delimiter overrides sniffing; `\t` selects tab.
		delimiter = fs.String("delimiter", "", "field delimiter; empty sniffs it from the header")

		configOut = fs.Bool("config-out", false, "print a YAML loader config instead of the report")
		job       = fs.String("job", "onlineretail", "job name written into the generated config")
		backend   = fs.String("backend", "postgres", "storage backend for the generated config: postgres|mssql|sqlite")
		dsn       = fs.String("dsn", "", "storage DSN for the generated config; empty uses a placeholder")
	)

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*path) == "" {
		fmt.Fprintln(stderr, "usage: probe -file path/to/online_retail.csv [-config-out]")
		return 2
	}

	var delim rune
	switch d := *delimiter; {
	case d == "":
	case d == `\t`:
		delim = '\t'
	case len([]rune(d)) == 1:
		delim = []rune(d)[0]
	default:
		fmt.Fprintf(stderr, "delimiter must be a single character, got %q\n", d)
		return 2
	}

	backendKind := strings.ToLower(strings.TrimSpace(*backend))
	switch backendKind {
	case "postgres", "mssql", "sqlite":
	default:
		fmt.Fprintf(stderr, "unknown backend %q (postgres|mssql|sqlite)\n", *backend)
		return 2
	}

	rep, err := probe.Probe(probe.Options{
		Path:      *path,
		MaxBytes:  *maxBytes,
		Encoding:  *encoding,
		Delimiter: delim,
	})
	if err != nil {
		fmt.Fprintf(stderr, "probe: %v\n", err)
		return 1
	}

	if !*configOut {
		fmt.Fprintln(stdout, rep.String())
		return 0
	}

	fmt.Fprintln(stderr, rep.String())
	if *dsn == "" {
		*dsn = os.Getenv("ETL_STORAGE_DSN")
	}
	out, err := rep.ConfigYAML(*job, backendKind, *dsn)
	if err != nil {
		fmt.Fprintf(stderr, "render config: %v\n", err)
		return 1
	}
	_, _ = stdout.Write(out)
	return 0
}
