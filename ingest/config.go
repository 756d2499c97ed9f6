package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/docingest/chunk"
	"github.com/hazyhaar/docingest/docpipe"
	"github.com/hazyhaar/docingest/filegate"
	"github.com/hazyhaar/docingest/guard"
	"github.com/hazyhaar/docingest/observability"
	"github.com/hazyhaar/docingest/shield"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DOCINGEST_"

// Config aggregates the stage configurations. Stage options are flattened
// into the top level of the YAML file; zero values take each stage's
// defaults.
type Config struct {
	// Listen is the HTTP address for serve (default ":8090").
	Listen string `yaml:"listen"`

	// EventsDB is an optional SQLite file receiving every stage event.
	EventsDB string `yaml:"events_db"`

	// DocumentType is the chunking category used when a request names none.
	DocumentType string `yaml:"document_type"`

	// BatchConcurrency bounds IngestBatch fan-out (default: the slot pool size).
	BatchConcurrency int `yaml:"batch_concurrency"`

	// MCPRoot confines the path argument of MCP tools to a directory.
	// Empty allows any readable path.
	MCPRoot string `yaml:"mcp_root"`

	// RateLimit bounds upload requests per client on the HTTP surface.
	RateLimit shield.RateLimit `yaml:",inline"`

	Gate    filegate.Config `yaml:",inline"`
	Guard   guard.Config    `yaml:",inline"`
	Extract docpipe.Config  `yaml:",inline"`
	Chunk   chunk.Config    `yaml:",inline"`

	Logger  *slog.Logger          `yaml:"-"`
	Emitter observability.Emitter `yaml:"-"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Listen:       ":8090",
		DocumentType: chunk.DefaultDocumentType,
	}
}

// LoadConfig builds a Config from DefaultConfig, the YAML file at path (if
// path is not empty), then DOCINGEST_* environment variables. envFiles are
// loaded into the environment first without overriding variables already
// set; with none given, a .env in the working directory is used if present.
func LoadConfig(path string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overlays DOCINGEST_<OPTION> variables, where OPTION is the
// upper-cased YAML key. Sizes accept humanized values ("50MB") and
// durations Go syntax ("45s").
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, o := range c.envOptions() {
		v, ok := lookup(EnvPrefix + strings.ToUpper(o.key))
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := o.set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("env %s%s=%q: %w", EnvPrefix, strings.ToUpper(o.key), v, err)
		}
	}
	return nil
}

type envOption struct {
	key string
	set func(string) error
}

func (c *Config) envOptions() []envOption {
	return []envOption{
		{"listen", setString(&c.Listen)},
		{"events_db", setString(&c.EventsDB)},
		{"document_type", setString(&c.DocumentType)},
		{"batch_concurrency", setInt(&c.BatchConcurrency)},
		{"mcp_root", setString(&c.MCPRoot)},
		{"rate_limit_requests", setInt(&c.RateLimit.Requests)},
		{"rate_limit_window", setDuration(&c.RateLimit.Window)},
		{"trust_proxy", setBool(&c.RateLimit.TrustProxy)},
		{"min_file_size", setBytes(&c.Gate.MinFileSize)},
		{"max_file_size", setBytes(&c.Gate.MaxFileSize)},
		{"allowed_types", func(v string) error {
			c.Gate.AllowedTypes = splitList(v)
			return nil
		}},
		{"allow_utf8_text", setBool(&c.Gate.AllowUTF8Text)},
		{"max_concurrent_uploads", setInt(&c.Guard.MaxConcurrent)},
		{"memory_warning_ratio", setFloat(&c.Guard.MemoryWarningRatio)},
		{"memory_critical_ratio", setFloat(&c.Guard.MemoryCriticalRatio)},
		{"memory_limit_bytes", func(v string) error {
			n, err := humanize.ParseBytes(v)
			if err != nil {
				return err
			}
			c.Guard.MemoryLimitBytes = n
			return nil
		}},
		{"breaker_threshold", setInt(&c.Guard.BreakerThreshold)},
		{"breaker_reset_timeout", setDuration(&c.Guard.BreakerResetTimeout)},
		{"breaker_half_open_max", setInt(&c.Guard.BreakerHalfOpenMax)},
		{"min_text_density", setInt(&c.Extract.MinTextDensity)},
		{"min_printable_ratio", setFloat(&c.Extract.MinPrintableRatio)},
		{"words_per_page", setInt(&c.Extract.WordsPerPage)},
		{"ocr_language", setString(&c.Extract.OCRLanguage)},
		{"ocr_confidence_threshold", setFloat(&c.Extract.OCRConfidenceThreshold)},
		{"extraction_timeout", setDuration(&c.Extract.DefaultTimeout)},
		{"max_extraction_timeout", setDuration(&c.Extract.MaxTimeout)},
		{"languages", func(v string) error {
			c.Extract.Languages = splitList(v)
			return nil
		}},
	}
}

// Validate checks the options that were set. Zero values are left to the
// stage defaults.
func (c *Config) Validate() error {
	minSize, maxSize := orDefault(c.Gate.MinFileSize, filegate.DefaultMinFileSize), orDefault(c.Gate.MaxFileSize, filegate.DefaultMaxFileSize)
	switch {
	case c.Gate.MinFileSize < 0 || c.Gate.MaxFileSize < 0:
		return fmt.Errorf("file size limits must not be negative")
	case minSize >= maxSize:
		return fmt.Errorf("min_file_size %s must be below max_file_size %s",
			humanize.IBytes(uint64(minSize)), humanize.IBytes(uint64(maxSize)))
	case c.Guard.MaxConcurrent < 0:
		return fmt.Errorf("max_concurrent_uploads must be > 0")
	case c.BatchConcurrency < 0:
		return fmt.Errorf("batch_concurrency must be > 0")
	case c.RateLimit.Requests < 0 || c.RateLimit.Window < 0:
		return fmt.Errorf("rate limit settings must not be negative")
	}

	warn := orDefault(c.Guard.MemoryWarningRatio, guard.DefaultMemoryWarningRatio)
	crit := orDefault(c.Guard.MemoryCriticalRatio, guard.DefaultMemoryCriticalRatio)
	if warn <= 0 || crit > 1 || warn >= crit {
		return fmt.Errorf("memory ratios must satisfy 0 < warning (%.2f) < critical (%.2f) <= 1", warn, crit)
	}
	if c.Guard.BreakerThreshold < 0 || c.Guard.BreakerHalfOpenMax < 0 || c.Guard.BreakerResetTimeout < 0 {
		return fmt.Errorf("breaker settings must not be negative")
	}

	if t := c.Extract.OCRConfidenceThreshold; t < 0 || t > 100 {
		return fmt.Errorf("ocr_confidence_threshold %.1f out of [0, 100]", t)
	}
	if r := c.Extract.MinPrintableRatio; r < 0 || r > 1 {
		return fmt.Errorf("min_printable_ratio %.2f out of [0, 1]", r)
	}
	if c.Extract.DefaultTimeout < 0 || c.Extract.MaxTimeout < 0 {
		return fmt.Errorf("extraction timeouts must not be negative")
	}
	if m := c.Extract.MaxTimeout; m > 0 && c.Extract.DefaultTimeout > m {
		return fmt.Errorf("extraction_timeout %s exceeds max_extraction_timeout %s", c.Extract.DefaultTimeout, m)
	}
	if err := c.Chunk.Validate(); err != nil {
		return err
	}
	return nil
}

func orDefault[T int64 | float64](v, def T) T {
	if v == 0 {
		return def
	}
	return v
}

func setString(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setBytes(dst *int64) func(string) error {
	return func(v string) error {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return err
		}
		*dst = int64(n)
		return nil
	}
}

func setFloat(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
