// Package config loads the docstore configuration from a TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/stevemurr/docstore/document"
)

// Config is the docstore configuration.
type Config struct {
	// Backend is one of sqlite, memory or postgres.
	Backend string `toml:"backend"`
	// DSN is the database location. For sqlite it defaults to
	// DataDir/docstore.db.
	DSN     string `toml:"dsn"`
	DataDir string `toml:"data-dir"`
	Listen  string `toml:"listen"`
	// LockTimeout bounds lock waits, for example "5s".
	LockTimeout   time.Duration `toml:"lock-timeout"`
	VersionScheme string        `toml:"version-scheme"`
	LogLevel      string        `toml:"log-level"`
	// AllowedOrigins lists the CORS origins; "*" allows every origin.
	AllowedOrigins []string `toml:"allowed-origins"`
	// RateLimit is the number of requests per second the HTTP server
	// accepts. Zero disables the limit.
	RateLimit    float64 `toml:"rate-limit"`
	MaxOpenConns int     `toml:"max-open-conns"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Backend:        "sqlite",
		DataDir:        "./data",
		Listen:         "0.0.0.0:8080",
		LockTimeout:    5 * time.Second,
		VersionScheme:  "counter",
		LogLevel:       "info",
		AllowedOrigins: []string{"*"},
	}
}

// Load reads the file at path, if path is not empty, over the defaults, then
// applies the DOCSTORE_* environment variables and validates the result.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config %s contains undefined items: %s", path, strings.Join(keys, ", "))
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("DOCSTORE_BACKEND", &c.Backend)
	str("DOCSTORE_DSN", &c.DSN)
	str("DOCSTORE_DATA_DIR", &c.DataDir)
	str("DOCSTORE_LISTEN", &c.Listen)
	str("DOCSTORE_VERSION_SCHEME", &c.VersionScheme)
	str("DOCSTORE_LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup("DOCSTORE_ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = c.AllowedOrigins[:0]
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}
	if v, ok := lookup("DOCSTORE_LOCK_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DOCSTORE_LOCK_TIMEOUT: %w", err)
		}
		c.LockTimeout = d
	}
	if v, ok := lookup("DOCSTORE_RATE_LIMIT"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("DOCSTORE_RATE_LIMIT: %w", err)
		}
		c.RateLimit = f
	}
	if v, ok := lookup("DOCSTORE_MAX_OPEN_CONNS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DOCSTORE_MAX_OPEN_CONNS: %w", err)
		}
		c.MaxOpenConns = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Backend {
	case "sqlite", "memory":
	case "postgres":
		if c.DSN == "" {
			return errors.New("postgres backend requires a dsn")
		}
	default:
		return fmt.Errorf("unknown backend %q (supported: sqlite, memory, postgres)", c.Backend)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock-timeout must be positive, got %s", c.LockTimeout)
	}
	if _, err := document.GeneratorByName(c.VersionScheme); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate-limit must not be negative, got %g", c.RateLimit)
	}
	if c.MaxOpenConns < 0 {
		return fmt.Errorf("max-open-conns must not be negative, got %d", c.MaxOpenConns)
	}
	return nil
}

// DataSource returns the DSN passed to the store.
func (c *Config) DataSource() string {
	if c.DSN == "" && c.Backend == "sqlite" {
		return filepath.Join(c.DataDir, "docstore.db")
	}
	return c.DSN
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("invalid log-level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Generator returns the version generator of VersionScheme.
func (c *Config) Generator() (document.Generator, error) {
	return document.GeneratorByName(c.VersionScheme)
}
