// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the validated server configuration.
type Config struct {
	LogLevel string `validate:"oneof=debug info warn error"`
	HTTPPort string `validate:"required,numeric"`

	// GRPCPort empty disables the gRPC listener.
	GRPCPort string `validate:"omitempty,numeric"`

	// Timeout bounds one pipeline run.
	Timeout   time.Duration `validate:"gte=0"`
	MinLength int           `validate:"gte=1"`

	// CacheSize zero disables the result cache.
	CacheSize int           `validate:"gte=0"`
	CacheTTL  time.Duration `validate:"gte=0"`

	// RateLimit is requests per second across all clients; zero disables it.
	RateLimit float64 `validate:"gte=0"`
	RateBurst int     `validate:"gte=0"`

	AdminKey     string        `validate:"omitempty,startswith=gdn_,min=8"`
	APIKeys      []string      `validate:"dive,startswith=gdn_,min=8"`
	AuthCacheTTL time.Duration `validate:"gte=0"`

	PostgresDSN   string
	ClickHouseDSN string

	PolicyFile string `validate:"omitempty,file"`
	RulesFile  string `validate:"omitempty,file"`
	KBFile     string `validate:"omitempty,file"`
}

// AuthEnabled reports whether any key source is configured. Without one the
// server accepts unauthenticated requests.
func (c *Config) AuthEnabled() bool {
	return c.PostgresDSN != "" || c.AdminKey != "" || len(c.APIKeys) > 0
}

var validate = validator.New()

// Load reads optional .env files, then the process environment. Missing
// .env files are ignored; variables already set win over file values.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return FromLookup(os.Getenv)
}

// FromLookup builds a Config from getenv.
func FromLookup(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}
	c := &Config{
		LogLevel:      strings.ToLower(p.str("GUARDIAN_LOG_LEVEL", "info")),
		HTTPPort:      p.str("GUARDIAN_HTTP_PORT", "8080"),
		GRPCPort:      p.str("GUARDIAN_GRPC_PORT", "9090"),
		Timeout:       p.millis("GUARDIAN_TIMEOUT_MS", 2000),
		MinLength:     p.intVal("GUARDIAN_MIN_LENGTH", 10),
		CacheSize:     p.intVal("GUARDIAN_CACHE_SIZE", 10000),
		CacheTTL:      p.seconds("GUARDIAN_CACHE_TTL_S", 3600),
		RateLimit:     p.floatVal("GUARDIAN_RATE_LIMIT", 0),
		RateBurst:     p.intVal("GUARDIAN_RATE_BURST", 0),
		AdminKey:      p.str("GUARDIAN_ADMIN_KEY", ""),
		APIKeys:       p.list("GUARDIAN_API_KEYS"),
		AuthCacheTTL:  p.seconds("GUARDIAN_AUTH_CACHE_TTL_S", 30),
		PostgresDSN:   p.str("POSTGRES_DSN", ""),
		ClickHouseDSN: p.str("CLICKHOUSE_DSN", ""),
		PolicyFile:    p.str("GUARDIAN_POLICY_FILE", ""),
		RulesFile:     p.str("GUARDIAN_RULES_FILE", ""),
		KBFile:        p.str("GUARDIAN_KB_FILE", ""),
	}
	if p.err != nil {
		return nil, fmt.Errorf("config: %w", p.err)
	}
	if c.RateLimit > 0 && c.RateBurst == 0 {
		c.RateBurst = max(1, int(c.RateLimit))
	}
	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// parser keeps the first conversion error.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) intVal(key string, def int) int {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return i
}

func (p *parser) floatVal(key string, def float64) float64 {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %q is not a number", key, v)
	}
	return f
}

func (p *parser) millis(key string, def int) time.Duration {
	return time.Duration(p.intVal(key, def)) * time.Millisecond
}

func (p *parser) seconds(key string, def int) time.Duration {
	return time.Duration(p.intVal(key, def)) * time.Second
}

// list splits a comma-separated value, dropping blanks.
func (p *parser) list(key string) []string {
	var out []string
	for _, s := range strings.Split(p.getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
