// Package csv is the row source: it streams a delimited text file into
// transformer.Record values keyed by canonical field name.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"onlineretail/internal/apperrors"
	"onlineretail/internal/transformer"
)

// Parse error policies.
const (
	PolicySkip  = "skip"
	PolicyAbort = "abort"
)

// Options controls how the source is decoded and how bad rows are handled.
type Options struct {
	// Comma is the field delimiter. Zero means ','.
	Comma rune

	LazyQuotes bool
	TrimSpace  bool

	// HeaderMap renames source headers to canonical names. Headers not in the
	// map are lowercased with spaces replaced by underscores.
	HeaderMap map[string]string

	// Required lists canonical fields that must appear in the header.
	Required []string

	// OnParseError is PolicySkip (default) or PolicyAbort.
	OnParseError string
}

// Open opens path for streaming and applies the configured text decoding.
//
// Errors:
//   - Returns *apperrors.SourceOpenError when the file cannot be opened or the
//     encoding is unknown. Callers treat it as fatal.
func Open(path string, encoding string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &apperrors.SourceOpenError{Path: path, Err: err}
	}
	rc, err := decodeReader(f, encoding)
	if err != nil {
		_ = f.Close()
		return nil, &apperrors.SourceOpenError{Path: path, Err: err}
	}
	return rc, nil
}

func decodeReader(src io.ReadCloser, encoding string) (io.ReadCloser, error) {
	type rc struct {
		io.Reader
		io.Closer
	}

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "utf-8", "utf8":
		return src, nil
	case "windows-1252", "cp1252":
		return &rc{Reader: charmap.Windows1252.NewDecoder().Reader(src), Closer: src}, nil
	case "iso-8859-1", "latin1":
		return &rc{Reader: charmap.ISO8859_1.NewDecoder().Reader(src), Closer: src}, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// StreamCSVRows reads src to EOF and sends one Record per data row to out,
// in file order. src is closed on return.
//
// The header row fixes the field count; a data row with a different count (or
// any other structural CSV error) is a *apperrors.SourceParseError. onErr is
// called for every such row. With PolicySkip the row is dropped and reading
// continues; with PolicyAbort the error is returned.
//
// Cancellation:
//   - The send on out blocks until the consumer receives. A slow consumer
//     therefore stops reading from src.
//   - On ctx cancellation the in-flight record is dropped and ctx.Err() returned.
//
// Errors:
//   - Missing header or missing required columns: *apperrors.SourceParseError
//     at line 1, regardless of policy.
func StreamCSVRows(
	ctx context.Context,
	src io.ReadCloser,
	opt Options,
	out chan<- transformer.Record,
	onErr func(line int, err error),
) error {
	defer src.Close()

	if onErr == nil {
		onErr = func(int, error) {}
	}
	abort := strings.EqualFold(opt.OnParseError, PolicyAbort)

	cr := csv.NewReader(src)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.LazyQuotes = opt.LazyQuotes
	cr.ReuseRecord = true
	// Zero: the header sets the expected field count.
	cr.FieldsPerRecord = 0

	hdr, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("empty source: missing header")
		}
		perr := &apperrors.SourceParseError{Line: 1, Err: fmt.Errorf("read header: %w", err)}
		onErr(1, perr)
		return perr
	}

	names := make([]string, len(hdr))
	seen := make(map[string]struct{}, len(hdr))
	for i, h := range hdr {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		if mapped, ok := opt.HeaderMap[h]; ok {
			h = mapped
		} else {
			h = strings.ReplaceAll(strings.ToLower(h), " ", "_")
		}
		names[i] = h
		seen[h] = struct{}{}
	}

	var missing []string
	for _, req := range opt.Required {
		if _, ok := seen[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		perr := &apperrors.SourceParseError{Line: 1, Err: fmt.Errorf("header missing required columns %v", missing)}
		onErr(1, perr)
		return perr
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			perr := &apperrors.SourceParseError{Line: parseErrLine(err), Err: err}
			onErr(perr.Line, perr)
			if abort {
				return perr
			}
			continue
		}

		line, _ := cr.FieldPos(0)

		fields := make(map[string]string, len(names))
		for i, v := range rec {
			if opt.TrimSpace {
				v = strings.TrimSpace(v)
			}
			fields[names[i]] = v
		}

		select {
		case out <- transformer.Record{Line: line, Fields: fields}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// parseErrLine extracts the starting line of a csv.ParseError.
func parseErrLine(err error) int {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		if pe.StartLine > 0 {
			return pe.StartLine
		}
		return pe.Line
	}
	return 0
}
