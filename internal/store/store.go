// Package store persists session results so `fortress history` can show
// what happened across runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/psantana5/fortress/internal/report"
)

// Store defines session history persistence.
// The memory, SQLite and PostgreSQL stores implement it.
type Store interface {
	Save(ctx context.Context, r *report.Result) error
	Get(ctx context.Context, sessionID string) (*report.Result, error)
	Recent(ctx context.Context, n int) ([]*report.Result, error)
	Close() error
}

var ErrNotFound = errors.New("session not found")

// Config selects and tunes a backend
type Config struct {
	// Type is "memory", "sqlite" or "postgres". Empty infers from DSN.
	Type string
	// DSN is a file path for SQLite or a connection string for PostgreSQL
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open returns the store described by cfg
func Open(cfg Config) (Store, error) {
	kind := cfg.Type
	if kind == "" {
		switch {
		case cfg.DSN == "":
			kind = "memory"
		case strings.HasPrefix(cfg.DSN, "postgres://"), strings.HasPrefix(cfg.DSN, "postgresql://"):
			kind = "postgres"
		default:
			kind = "sqlite"
		}
	}

	switch kind {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		return NewSQLiteStore(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgreSQLStore(cfg)
	default:
		return nil, fmt.Errorf("unknown store type %q", kind)
	}
}
