// Package config loads the minimal settings needed to wire a runtime:
// which store backend to use, how the server binds, and whether this
// process takes part in a cluster. Recipe/request surfaces (CLI flags,
// transport framing) are not this package's concern.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Store Store `cfg:"store"`

	Server Server `cfg:"server"`

	// DefaultSpace is the memory space created/opened when none is
	// specified on the command line or by a client request.
	DefaultSpace string `cfg:"default_space" default:"local"`
}

type Server struct {
	Port string `cfg:"port" default:"8787"`
	Host string `cfg:"host"`

	// Alan, if set, enables distributed clustering via UDP peer discovery,
	// used to hold the per-space exclusive write lock around transaction
	// processing and to broadcast branch-head changes between replicas.
	Alan *alan.Config `cfg:"alan"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// EncryptionKey, if set, enables AES-256-GCM at-rest encryption
	// (internal/crypto) for every document's fact body, sealed before it
	// reaches the fact store and transparently decrypted on read — the
	// coarse, whole-document policy a schema's `ifc.classification` label
	// would eventually gate per field if this module grew that plumbing.
	// The key can be any non-empty string; it is derived to 32 bytes via
	// SHA-256 internally. When empty, no encryption is applied.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("CT_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
