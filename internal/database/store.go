// Package database is the authoritative relational store for appservices,
// users and room ownership. The process-local caches in internal/directory
// sit in front of it; everything here goes straight to Postgres.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Store wraps the Postgres connection pool.
type Store struct {
	db *sql.DB
}

// Connect opens a Postgres pool and verifies connectivity.
func Connect(ctx context.Context, uri string) (*Store, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing pool, mainly for tests.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
