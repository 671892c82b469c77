package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/courseshop/api/internal/platform/config"
)

const (
	defaultPingTimeout   = 5 * time.Second
	defaultSlowThreshold = 500 * time.Millisecond
)

// Option customises Open behaviour.
type Option func(*openConfig)

type openConfig struct {
	logger      *zap.Logger
	pingTimeout time.Duration
	dialector   gorm.Dialector
}

// WithLogger routes gorm logs through the supplied zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *openConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithPingTimeout overrides the timeout used for the startup connectivity check.
func WithPingTimeout(timeout time.Duration) Option {
	return func(cfg *openConfig) {
		if timeout > 0 {
			cfg.pingTimeout = timeout
		}
	}
}

// WithDialector replaces the postgres dialector, primarily for tests.
func WithDialector(d gorm.Dialector) Option {
	return func(cfg *openConfig) {
		cfg.dialector = d
	}
}

// Open connects to Postgres, applies pool limits and verifies connectivity.
func Open(ctx context.Context, cfg config.DatabaseConfig, opts ...Option) (*gorm.DB, error) {
	if ctx == nil {
		return nil, errors.New("database: context is required")
	}
	oc := openConfig{logger: zap.NewNop(), pingTimeout: defaultPingTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&oc)
		}
	}

	dialector := oc.dialector
	if dialector == nil {
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			return nil, errors.New("database: dsn is required")
		}
		dialector = postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: cfg.SimpleProtocol})
	}

	slow := cfg.SlowQueryThreshold
	if slow <= 0 {
		slow = defaultSlowThreshold
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 NewGormLogger(oc.logger, slow),
		TranslateError:         true,
		SkipDefaultTransaction: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, oc.pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, WrapError("ping", err)
	}
	return db, nil
}

// Close releases the pool behind db.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks connectivity; used by readiness probes.
func Ping(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("database: db is nil")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return WrapError("ping", sqlDB.PingContext(ctx))
}
