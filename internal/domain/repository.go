// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for durable persistence.
// Case writes are conditional on the stored version so concurrent
// instances never overwrite each other's transitions.
type Repository interface {
	// Event operations
	SaveEvent(ctx context.Context, ev *Event) error
	GetEvent(ctx context.Context, eventID string) (*Event, error)

	// Case operations
	InsertCase(ctx context.Context, c *Case) error
	UpdateCase(ctx context.Context, c *Case, expectedVersion int64) error
	GetCase(ctx context.Context, caseID string) (*Case, error)
	ListCases(ctx context.Context, since time.Time) ([]*Case, error)

	// Prevention rule operations
	SaveRuleSet(ctx context.Context, rs RuleSet) error
	LoadRuleSet(ctx context.Context) (*RuleSet, error)

	// Learning feedback
	SaveLearningState(ctx context.Context, st LearningState) error
	LoadLearningState(ctx context.Context) (*LearningState, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver" validate:"oneof=sqlite postgres"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}
