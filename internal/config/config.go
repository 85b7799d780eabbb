// Package config loads loader configuration from a YAML (or JSON) file with
// environment variable overrides.
//
// Precedence: environment > file > defaults. Storage DSNs may reference
// environment variables as ${VAR}; they are expanded after loading so secrets
// can stay out of the file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the full loader configuration.
type Config struct {
	// Job names the run in logs and metric tags.
	Job string `yaml:"job" json:"job" env:"ETL_JOB" env-default:"onlineretail"`

	Source  SourceConfig  `yaml:"source" json:"source"`
	Parser  ParserConfig  `yaml:"parser" json:"parser"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Runtime RuntimeConfig `yaml:"runtime" json:"runtime"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

// SourceConfig locates the input file.
type SourceConfig struct {
	Path string `yaml:"path" json:"path" env:"ETL_SOURCE_PATH"`
}

// ParserConfig controls CSV decoding.
type ParserConfig struct {
	Comma      string `yaml:"comma" json:"comma" env:"ETL_PARSER_COMMA" env-default:","`
	LazyQuotes bool   `yaml:"lazy_quotes" json:"lazy_quotes" env:"ETL_PARSER_LAZY_QUOTES"`
	// TrimSpace defaults to true (see Defaults).
	TrimSpace bool   `yaml:"trim_space" json:"trim_space" env:"ETL_PARSER_TRIM_SPACE"`
	Encoding  string `yaml:"encoding" json:"encoding" env:"ETL_PARSER_ENCODING" env-default:"utf-8"`

	// HeaderMap maps source header names to canonical field names. Entries
	// override the built-in dataset mapping.
	HeaderMap map[string]string `yaml:"header_map" json:"header_map"`

	// OnParseError is "skip" (report and continue) or "abort".
	OnParseError string `yaml:"on_parse_error" json:"on_parse_error" env:"ETL_PARSER_ON_PARSE_ERROR" env-default:"skip"`
}

// StorageConfig selects and addresses the backend.
type StorageConfig struct {
	Kind string `yaml:"kind" json:"kind" env:"ETL_STORAGE_KIND" env-default:"postgres"`
	DSN  string `yaml:"dsn" json:"dsn" env:"ETL_STORAGE_DSN"`
	// AutoCreateTables defaults to true (see Defaults).
	AutoCreateTables bool `yaml:"auto_create_tables" json:"auto_create_tables" env:"ETL_STORAGE_AUTO_CREATE_TABLES"`
}

// RuntimeConfig tunes grouping and failure handling.
type RuntimeConfig struct {
	BatchSize     int `yaml:"batch_size" json:"batch_size" env:"ETL_BATCH_SIZE" env-default:"1000"`
	ChannelBuffer int `yaml:"channel_buffer" json:"channel_buffer" env:"ETL_CHANNEL_BUFFER"`

	// OnGroupError is "continue" (log and keep going) or "abort".
	OnGroupError string `yaml:"on_group_error" json:"on_group_error" env:"ETL_ON_GROUP_ERROR" env-default:"continue"`

	// DedupeInvoiceItems makes invoice item inserts idempotent on
	// (invoice_id, stock_code, source_line).
	DedupeInvoiceItems bool `yaml:"dedupe_invoice_items" json:"dedupe_invoice_items" env:"ETL_DEDUPE_INVOICE_ITEMS"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	Backend    string        `yaml:"backend" json:"backend" env:"METRICS_BACKEND" env-default:"none"`
	Tags       []string      `yaml:"tags" json:"tags" env:"METRICS_TAGS" env-separator:","`
	FlushEvery time.Duration `yaml:"flush_every" json:"flush_every" env:"METRICS_FLUSH_EVERY" env-default:"60s"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" json:"format" env:"LOG_FORMAT" env-default:"console"`
}

// Defaults returns a Config with the defaults cleanenv cannot express:
// booleans that default to true.
func Defaults() *Config {
	return &Config{
		Parser:  ParserConfig{TrimSpace: true},
		Storage: StorageConfig{AutoCreateTables: true},
	}
}

// Load reads path (YAML or JSON, by extension) and applies environment
// overrides. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("read env: %w", err)
		}
		cfg.finalize()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := Parse(path, data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data into cfg (format chosen by path's extension), then
// applies environment overrides and defaults.
//
// cfg should come from Defaults.
func Parse(path string, data []byte, cfg *Config) error {
	r := bytes.NewReader(data)
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = cleanenv.ParseJSON(r, cfg)
	case ".yaml", ".yml", "":
		err = cleanenv.ParseYAML(r, cfg)
	default:
		return fmt.Errorf("unsupported config format %q (yaml|json)", ext)
	}
	if err != nil {
		return err
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return fmt.Errorf("read env: %w", err)
	}
	cfg.finalize()
	return nil
}

func (c *Config) finalize() {
	c.Storage.DSN = os.ExpandEnv(c.Storage.DSN)
	c.Storage.Kind = strings.ToLower(strings.TrimSpace(c.Storage.Kind))
	c.Parser.Encoding = strings.ToLower(strings.TrimSpace(c.Parser.Encoding))
	c.Parser.OnParseError = strings.ToLower(strings.TrimSpace(c.Parser.OnParseError))
	c.Runtime.OnGroupError = strings.ToLower(strings.TrimSpace(c.Runtime.OnGroupError))
	c.Metrics.Backend = strings.ToLower(strings.TrimSpace(c.Metrics.Backend))
}

// CommaRune returns the parser delimiter as a rune.
func (p ParserConfig) CommaRune() rune {
	if p.Comma == `\t` {
		return '\t'
	}
	r := []rune(p.Comma)
	if len(r) == 0 {
		return ','
	}
	return r[0]
}
