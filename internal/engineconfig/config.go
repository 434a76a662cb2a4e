// Package engineconfig holds the typed subset of the configuration shape
// that the engine itself reads, loaded from the process environment.
package engineconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the engine's own knobs. Check catalog parsing lives in
// internal/catalogyaml; `extends` merging and schema validation are not
// part of this package.
type Config struct {
	MaxParallelism int
	FailFast       bool
	LoopBudget     int
	CheckTimeout   time.Duration
	ExprTimeout    time.Duration
	TagInclude     []string
	TagExclude     []string
	Frontends      []string
	AIProvider     string
	AIModel        string
	Logging        LoggingConfig
}

// LoggingConfig selects the handler and level for the run logger.
type LoggingConfig struct {
	Level  string
	Format string
}

// Default returns the engine's built-in defaults.
func Default() Config {
	return Config{
		MaxParallelism: 3,
		FailFast:       false,
		LoopBudget:     1000,
		CheckTimeout:   0,
		ExprTimeout:    5 * time.Second,
		Logging:        LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads engine configuration from the process environment,
// optionally loading a .env file first (ignored if absent).
func Load(envFile string) Config {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()

	if v := os.Getenv("VISOR_MAX_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxParallelism = n
		}
	}
	if v := os.Getenv("VISOR_FAIL_FAST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.FailFast = b
		}
	}
	if v := os.Getenv("VISOR_LOOP_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LoopBudget = n
		}
	}
	if v := os.Getenv("VISOR_CHECK_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CheckTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("VISOR_EXPR_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ExprTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("VISOR_TAG_INCLUDE"); v != "" {
		cfg.TagInclude = splitCSV(v)
	}
	if v := os.Getenv("VISOR_TAG_EXCLUDE"); v != "" {
		cfg.TagExclude = splitCSV(v)
	}
	if v := os.Getenv("VISOR_FRONTENDS"); v != "" {
		cfg.Frontends = splitCSV(v)
	}
	if v := os.Getenv("VISOR_AI_PROVIDER"); v != "" {
		cfg.AIProvider = v
	}
	if v := os.Getenv("VISOR_AI_MODEL"); v != "" {
		cfg.AIModel = v
	}
	if v := os.Getenv("VISOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VISOR_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	return cfg
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
