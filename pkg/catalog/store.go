// Package catalog is the durable record of every holding and the files it
// contains, backed by a relational database. The store exposes a
// session-scoped API: each message handler opens one session, and all of
// its writes commit atomically or roll back wholly.
package catalog

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/cedadev/nlds/internal/database"
)

// Config selects and configures the catalog database.
type Config = database.Config

// Store holds the catalog database connection.
type Store struct {
	db     *gorm.DB
	config *Config
}

// Open connects to the catalog database and migrates the schema.
func Open(config *Config) (*Store, error) {
	if config == nil {
		config = &Config{}
	}
	config.ApplyDefaults("catalog.db")
	db, err := database.Open(config, allModels()...)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return &Store{db: db, config: config}, nil
}

// DB returns the underlying GORM database connection, for advanced
// queries and testing.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return database.Close(s.db)
}

// Session is a per-message unit of work. Every method on Session runs
// inside the session's transaction.
type Session struct {
	db *gorm.DB
}

// WithSession runs fn inside one database transaction; a non-nil error
// rolls the whole session back.
func (s *Store) WithSession(ctx context.Context, fn func(tx *Session) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Session{db: tx})
	})
}

func isUniqueConstraintError(err error) bool {
	return database.IsUniqueConstraintError(err)
}
