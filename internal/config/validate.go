package config

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"onlineretail/internal/apperrors"
)

// Severity classifies a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the dotted config key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// StorageKinds are the backends the loader ships with.
var StorageKinds = []string{"postgres", "sqlite", "mssql"}

var (
	parsePolicies  = []string{"skip", "abort"}
	groupPolicies  = []string{"continue", "abort"}
	encodings      = []string{"utf-8", "utf8", "windows-1252", "cp1252", "iso-8859-1", "latin1"}
	metricsKinds   = []string{"none", "datadog", "dd"}
	logFormats     = []string{"console", "json"}
	logLevels      = []string{"debug", "info", "warn", "error"}
	defaultBatchSz = 1000
)

// Validate checks cfg and returns every issue found, errors and warnings
// mixed, in a stable order. An empty result means cfg is usable.
func Validate(cfg *Config) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if cfg == nil {
		add(SeverityError, "", "config is nil")
		return out
	}

	if strings.TrimSpace(cfg.Job) == "" {
		add(SeverityWarning, "job", "empty; metrics and logs will carry no job name")
	}

	if strings.TrimSpace(cfg.Source.Path) == "" {
		add(SeverityError, "source.path", "required")
	}

	if utf8.RuneCountInString(cfg.Parser.Comma) != 1 && cfg.Parser.Comma != `\t` {
		add(SeverityError, "parser.comma", "must be a single character, got %q", cfg.Parser.Comma)
	} else if r := cfg.Parser.CommaRune(); r == '"' || r == '\r' || r == '\n' {
		add(SeverityError, "parser.comma", "invalid delimiter %q", cfg.Parser.Comma)
	}
	if !oneOf(cfg.Parser.Encoding, encodings) {
		add(SeverityError, "parser.encoding", "unsupported %q (want utf-8|windows-1252|iso-8859-1)", cfg.Parser.Encoding)
	}
	if !oneOf(cfg.Parser.OnParseError, parsePolicies) {
		add(SeverityError, "parser.on_parse_error", "must be skip|abort, got %q", cfg.Parser.OnParseError)
	}
	froms := make([]string, 0, len(cfg.Parser.HeaderMap))
	for from := range cfg.Parser.HeaderMap {
		froms = append(froms, from)
	}
	sort.Strings(froms)
	for _, from := range froms {
		if strings.TrimSpace(cfg.Parser.HeaderMap[from]) == "" {
			add(SeverityError, "parser.header_map."+from, "maps to an empty field name")
		}
	}

	switch {
	case cfg.Storage.Kind == "":
		add(SeverityError, "storage.kind", "required (%s)", strings.Join(StorageKinds, "|"))
	case !oneOf(cfg.Storage.Kind, StorageKinds):
		add(SeverityError, "storage.kind", "unsupported %q (%s)", cfg.Storage.Kind, strings.Join(StorageKinds, "|"))
	}
	if strings.TrimSpace(cfg.Storage.DSN) == "" {
		add(SeverityError, "storage.dsn", "required")
	}

	if cfg.Runtime.BatchSize <= 0 {
		add(SeverityError, "runtime.batch_size", "must be > 0, got %d", cfg.Runtime.BatchSize)
	} else if cfg.Runtime.BatchSize > 100*defaultBatchSz {
		add(SeverityWarning, "runtime.batch_size", "%d rows per transaction is large; a failed group rolls back all of them", cfg.Runtime.BatchSize)
	}
	if cfg.Runtime.ChannelBuffer < 0 {
		add(SeverityError, "runtime.channel_buffer", "must be >= 0, got %d", cfg.Runtime.ChannelBuffer)
	} else if cfg.Runtime.ChannelBuffer > 0 {
		add(SeverityWarning, "runtime.channel_buffer",
			"%d lets the source run up to %d groups ahead of the group being committed; 0 keeps it to one",
			cfg.Runtime.ChannelBuffer, cfg.Runtime.ChannelBuffer+1)
	}
	if !oneOf(cfg.Runtime.OnGroupError, groupPolicies) {
		add(SeverityError, "runtime.on_group_error", "must be continue|abort, got %q", cfg.Runtime.OnGroupError)
	}
	if cfg.Runtime.DedupeInvoiceItems && !cfg.Storage.AutoCreateTables {
		add(SeverityWarning, "runtime.dedupe_invoice_items",
			"requires invoice_items.source_line and a UNIQUE key; existing tables are not altered")
	}

	if !oneOf(cfg.Metrics.Backend, metricsKinds) {
		add(SeverityError, "metrics.backend", "unknown %q (none|datadog)", cfg.Metrics.Backend)
	}
	if cfg.Metrics.FlushEvery < 0 {
		add(SeverityError, "metrics.flush_every", "must be >= 0")
	}

	if !oneOf(strings.ToLower(cfg.Log.Level), logLevels) {
		add(SeverityError, "log.level", "must be debug|info|warn|error, got %q", cfg.Log.Level)
	}
	if !oneOf(strings.ToLower(cfg.Log.Format), logFormats) {
		add(SeverityError, "log.format", "must be console|json, got %q", cfg.Log.Format)
	}

	return out
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Err folds the error-severity issues into one error wrapping
// apperrors.ErrInvalidConfig, or returns nil when there are none.
func Err(issues []Issue) error {
	var msgs []string
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			msgs = append(msgs, iss.Path+": "+iss.Message)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", apperrors.ErrInvalidConfig, strings.Join(msgs, "; "))
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
