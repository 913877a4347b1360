// Package store selects and wires a concrete persisted backend (sqlite3 or
// postgres) for a Runtime's fact and branch storage, implementing the
// combined fact.Store + branch.Store + txn.ChainStore surface those
// packages require.
package store

import (
	"context"
	"errors"

	"github.com/commontoolsinc/runtime/internal/branch"
	"github.com/commontoolsinc/runtime/internal/config"
	"github.com/commontoolsinc/runtime/internal/fact"
	"github.com/commontoolsinc/runtime/internal/store/postgres"
	"github.com/commontoolsinc/runtime/internal/store/sqlite3"
	"github.com/commontoolsinc/runtime/internal/txn"
)

// Backend bundles the three persistence interfaces a concrete store
// backend satisfies, plus lifecycle close.
type Backend interface {
	fact.Store
	branch.Store
	txn.ChainStore
	Close()
}

// New opens the backend selected by cfg. Exactly one of cfg.SQLite,
// cfg.Postgres must be set.
func New(ctx context.Context, cfg config.Store) (Backend, error) {
	switch {
	case cfg.SQLite != nil && cfg.Postgres != nil:
		return nil, errors.New("store: both sqlite and postgres configured, pick one")
	case cfg.SQLite != nil:
		return sqlite3.New(ctx, cfg.SQLite)
	case cfg.Postgres != nil:
		return postgres.New(ctx, cfg.Postgres)
	default:
		return nil, errors.New("store: no backend configured")
	}
}
