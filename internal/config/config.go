// Package config loads branchctl settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/joho/godotenv"
)

// Lock backends understood by LOCK_BACKEND.
const (
	LockBackendPostgres = "postgres"
	LockBackendRedis    = "redis"
)

// minConnsWithPostgresLock is the smallest pool that can run with the postgres lock
// backend: the advisory lock pins one connection for the whole run and the ledger and
// chunk transactions need another.
const minConnsWithPostgresLock = 2

// Config is the validated runtime configuration of a branchctl invocation.
type Config struct {
	DatabaseURL    string `validate:"required" env:"DATABASE_URL"`
	MigrationsPath string `validate:"required" env:"MIGRATIONS_PATH"`
	DBMinConns     int32  `validate:"gte=0,ltefield=DBMaxConns" env:"DB_MIN_CONNS"`
	DBMaxConns     int32  `validate:"gte=1" env:"DB_MAX_CONNS"`

	ChunkSize    int           `validate:"gte=1,lte=100000" env:"CHUNK_SIZE"`
	ChunkTimeout time.Duration `validate:"gte=1s" env:"CHUNK_TIMEOUT"`

	LockBackend string        `validate:"oneof=postgres redis" env:"LOCK_BACKEND"`
	RedisAddr   string        `validate:"required_if=LockBackend redis" env:"REDIS_ADDR"`
	LockTTL     time.Duration `validate:"gte=1s" env:"LOCK_TTL"`

	ServiceName      string  `validate:"required" env:"SERVICE_NAME"`
	ExporterEndpoint string  `env:"OTEL_EXPORTER_ENDPOINT"`
	TraceProbability float64 `validate:"gte=0,lte=1" env:"OTEL_TRACE_PROBABILITY"`
	LogLevel         string  `validate:"oneof=debug info warn error" env:"LOG_LEVEL"`
}

// Default returns the configuration used when no variable overrides it.
func Default() Config {
	return Config{
		MigrationsPath:   "db/migrations",
		DBMinConns:       1,
		DBMaxConns:       10,
		ChunkSize:        200,
		ChunkTimeout:     30 * time.Second,
		LockBackend:      LockBackendPostgres,
		LockTTL:          30 * time.Second,
		ServiceName:      "branchctl",
		TraceProbability: 1,
		LogLevel:         "info",
	}
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading env file: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup, applying defaults and validating the result.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	cfg.DatabaseURL = p.str("DATABASE_URL", "")
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			p.str("POSTGRES_USER", "postgres"),
			p.str("POSTGRES_PASSWORD", "postgres"),
			p.str("POSTGRES_HOST", "localhost"),
			p.str("POSTGRES_PORT", "5432"),
			p.str("POSTGRES_DB", "branchctl"),
		)
	}
	cfg.MigrationsPath = p.str("MIGRATIONS_PATH", cfg.MigrationsPath)
	cfg.DBMinConns = p.int32("DB_MIN_CONNS", cfg.DBMinConns)
	cfg.DBMaxConns = p.int32("DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.ChunkSize = p.integer("CHUNK_SIZE", cfg.ChunkSize)
	cfg.ChunkTimeout = p.duration("CHUNK_TIMEOUT", cfg.ChunkTimeout)
	cfg.LockBackend = strings.ToLower(p.str("LOCK_BACKEND", cfg.LockBackend))
	cfg.RedisAddr = p.str("REDIS_ADDR", "")
	cfg.LockTTL = p.duration("LOCK_TTL", cfg.LockTTL)
	cfg.ServiceName = p.str("SERVICE_NAME", cfg.ServiceName)
	cfg.ExporterEndpoint = p.str("OTEL_EXPORTER_ENDPOINT", "")
	cfg.TraceProbability = p.float("OTEL_TRACE_PROBABILITY", cfg.TraceProbability)
	cfg.LogLevel = strings.ToLower(p.str("LOG_LEVEL", cfg.LogLevel))

	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field constraint and reports all violations at once,
// naming each variable by its environment key.
func (c Config) Validate() error {
	v, trans := newValidator()
	err := v.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Translate(trans))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func newValidator() (*validator.Validate, ut.Translator) {
	english := en.New()
	uni := ut.New(english, english)
	trans, _ := uni.GetTranslator("en")

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	_ = en_translations.RegisterDefaultTranslations(v, trans)

	v.RegisterStructValidation(validateLockPool, Config{})
	_ = v.RegisterTranslation(tagLockPool, trans,
		func(ut ut.Translator) error {
			return ut.Add(tagLockPool, "{0} must be at least {1} when LOCK_BACKEND is postgres", true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			msg, _ := ut.T(tagLockPool, fe.Field(), fe.Param())
			return msg
		},
	)
	return v, trans
}

const tagLockPool = "lock_pool"

func validateLockPool(sl validator.StructLevel) {
	c, ok := sl.Current().Interface().(Config)
	if !ok || c.LockBackend != LockBackendPostgres {
		return
	}
	if c.DBMaxConns < minConnsWithPostgresLock {
		sl.ReportError(c.DBMaxConns, "DB_MAX_CONNS", "DBMaxConns", tagLockPool,
			strconv.Itoa(minConnsWithPostgresLock))
	}
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v, ok := p.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return def
	}
	return n
}

func (p *parser) int32(key string, def int32) int32 {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a 32-bit integer", key, raw))
		return def
	}
	return int32(n)
}

func (p *parser) float(key string, def float64) float64 {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a number", key, raw))
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a duration", key, raw))
		return def
	}
	return d
}
