package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/secvault/internal/common"
	"github.com/dmitrijs2005/secvault/internal/cryptox"
	"github.com/dmitrijs2005/secvault/internal/keycache"
	"github.com/dmitrijs2005/secvault/internal/logging"
	"github.com/dmitrijs2005/secvault/internal/unblock"
	"github.com/dmitrijs2005/secvault/internal/vault/postgres/migrations"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// StoreOptions configures Open.
type StoreOptions struct {
	// DSN is the PostgreSQL connection string (pgx).
	DSN string
	// KeyMethod is the store key method URI used when the store is
	// provisioned for the first time, e.g. "kdf:argon2id". Later opens
	// use the method recorded in the config table.
	KeyMethod string
	// PassKey is the secret the store key is derived from.
	PassKey []byte
	// Profile selects the active profile; empty selects the stored
	// default.
	Profile string
	// MaxConnections bounds the pool; sessions suspend when it is
	// exhausted. Zero keeps the driver default.
	MaxConnections int
}

// Open connects to the database, runs the schema migrations, resolves
// the store key and returns a ready backend. The first open records the
// store key method and creates the default profile; later opens verify
// the pass key by unwrapping the active profile's stored key.
func Open(ctx context.Context, opts StoreOptions, logger logging.Logger) (*Backend, error) {
	db, err := sql.Open("pgx", opts.DSN)
	if err != nil {
		return nil, dbErr(err)
	}
	if opts.MaxConnections > 0 {
		db.SetMaxOpenConns(opts.MaxConnections)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, dbErr(err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	backend, err := initBackend(ctx, db, opts, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return backend, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}

	return goose.UpContext(ctx, db, ".")
}

func initBackend(ctx context.Context, db *sql.DB, opts StoreOptions, logger logging.Logger) (*Backend, error) {
	// The recorded store key reference wins over the configured method:
	// the store must keep resolving the key it was provisioned with.
	var recordedRef string
	err := db.QueryRowContext(ctx, qGetConfig, configStoreKey).Scan(&recordedRef)
	firstRun := errors.Is(err, sql.ErrNoRows)
	if err != nil && !firstRun {
		return nil, dbErr(err)
	}

	methodURI := opts.KeyMethod
	if !firstRun {
		methodURI = recordedRef
	}
	method, err := cryptox.ParseStoreKeyMethod(methodURI)
	if err != nil {
		return nil, err
	}

	var storeKey *cryptox.StoreKey
	var storeRef string
	if err := unblock.Do(ctx, func() error {
		var err error
		storeKey, storeRef, err = method.Resolve(opts.PassKey)
		return err
	}); err != nil {
		return nil, err
	}

	cache := keycache.New(storeKey)
	backend := NewBackend(db, opts.Profile, cache, logger)

	if firstRun {
		if _, err := db.ExecContext(ctx, qUpsertConfig, configStoreKey, storeRef); err != nil {
			return nil, dbErr(err)
		}

		name, err := backend.CreateProfile(ctx, opts.Profile)
		if err != nil {
			return nil, err
		}
		if _, err := db.ExecContext(ctx, qUpsertConfig, configDefaultProfile, name); err != nil {
			return nil, dbErr(err)
		}
		backend.activeProfile = name
		logger.Info(ctx, "store provisioned", "default_profile", name)
		return backend, nil
	}

	active := opts.Profile
	if active == "" {
		active, err = backend.GetDefaultProfile(ctx)
		if err != nil {
			return nil, err
		}
	}
	backend.activeProfile = active

	// A wrong pass key must fail here, not on the first entry access.
	if _, _, err := backend.resolveProfile(ctx, active); err != nil {
		if errors.Is(err, common.ErrorCrypto) {
			return nil, fmt.Errorf("%w: pass key does not open this store", common.ErrorCrypto)
		}
		return nil, err
	}
	return backend, nil
}
