// Package postgres implements the vault Backend over PostgreSQL using
// the pgx stdlib driver.
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
	"github.com/dmitrijs2005/secvault/internal/vault"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// Config table row names.
const (
	configDefaultProfile = "default_profile"
	configStoreKey       = "key"
)

// scanPageSize is the batch size of Backend.Scan cursors.
const scanPageSize = 32

// Backend is the PostgreSQL store: a connection pool plus the shared
// profile key cache.
type Backend struct {
	db            *sql.DB
	activeProfile string
	cache         *keycache.Cache
	logger        logging.Logger
}

var _ vault.Backend = (*Backend)(nil)

// NewBackend wraps an open pool. Most callers use Open instead, which
// also provisions the schema and resolves the store key.
func NewBackend(db *sql.DB, activeProfile string, cache *keycache.Cache, logger logging.Logger) *Backend {
	return &Backend{
		db:            db,
		activeProfile: activeProfile,
		cache:         cache,
		logger:        logger,
	}
}

// DB exposes the underlying pool for auxiliary services (backups).
func (b *Backend) DB() *sql.DB {
	return b.db
}

// dbErr maps driver failures onto the store error taxonomy.
func dbErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", common.ErrorDuplicate, pgErr.ConstraintName)
	}
	return fmt.Errorf("db error: %w", errors.Join(common.ErrorBackend, err))
}

// resolveProfile returns the id and decrypted key for a profile,
// reading the stored row through the pool on a cache miss.
func (b *Backend) resolveProfile(ctx context.Context, name string) (int64, *cryptox.ProfileKey, error) {
	return b.cache.Resolve(ctx, name, func(ctx context.Context) (int64, []byte, error) {
		var id int64
		var encKey []byte
		err := b.db.QueryRowContext(ctx, qGetProfile, name).Scan(&id, &encKey)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, fmt.Errorf("%w: unknown profile %q", common.ErrorNotFound, name)
		}
		if err != nil {
			return 0, nil, dbErr(err)
		}
		return id, encKey, nil
	})
}

// CreateProfile generates a profile key, wraps it under the current
// store key and inserts the profile row. The wrap is CPU-bound and runs
// through the worker pool.
func (b *Backend) CreateProfile(ctx context.Context, name string) (string, error) {
	if name == "" {
		name = uuid.NewString()
	}

	storeKey := b.cache.StoreKey()
	var profileKey *cryptox.ProfileKey
	var encKey []byte
	if err := unblock.Do(ctx, func() error {
		profileKey = cryptox.NewProfileKey()
		var err error
		encKey, err = storeKey.WrapProfileKey(profileKey)
		return err
	}); err != nil {
		return "", err
	}

	var id int64
	if err := b.db.QueryRowContext(ctx, qInsertProfile, name, encKey).Scan(&id); err != nil {
		return "", dbErr(err)
	}

	b.cache.AddProfile(name, id, profileKey)
	b.logger.Info(ctx, "profile created", "name", name)
	return name, nil
}

// GetActiveProfile returns the profile sessions fall back to.
func (b *Backend) GetActiveProfile() string {
	return b.activeProfile
}

// GetDefaultProfile reads the default profile name from the config
// table.
func (b *Backend) GetDefaultProfile(ctx context.Context) (string, error) {
	var name string
	err := b.db.QueryRowContext(ctx, qGetConfig, configDefaultProfile).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: default profile is not configured", common.ErrorUnsupported)
	}
	if err != nil {
		return "", dbErr(err)
	}
	return name, nil
}

// SetDefaultProfile updates the default profile name in the config
// table.
func (b *Backend) SetDefaultProfile(ctx context.Context, name string) error {
	res, err := b.db.ExecContext(ctx, qUpdateConfigProfile, name)
	if err != nil {
		return dbErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: configuration data not found", common.ErrorUnsupported)
	}
	return nil
}

// ListProfiles returns all profile names in creation order.
func (b *Backend) ListProfiles(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, qGetProfileNames)
	if err != nil {
		return nil, fmt.Errorf("%w: configuration data not found", common.ErrorUnsupported)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, dbErr(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err)
	}
	return names, nil
}

// RemoveProfile deletes a profile row; entries and tags follow through
// the schema cascade. Removing an unknown profile returns false.
func (b *Backend) RemoveProfile(ctx context.Context, name string) (bool, error) {
	res, err := b.db.ExecContext(ctx, qDeleteProfile, name)
	if err != nil {
		return false, dbErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbErr(err)
	}
	if n == 0 {
		return false, nil
	}

	b.cache.RemoveProfile(name)
	b.logger.Info(ctx, "profile removed", "name", name)
	return true, nil
}

// Scan streams decrypted entries matching opts through a paged cursor.
// Pages are read with fresh pool connections, so a long-lived Scan does
// not pin one.
func (b *Backend) Scan(ctx context.Context, opts vault.ScanOptions) (*vault.Scan, error) {
	profile := opts.Profile
	if profile == "" {
		profile = b.activeProfile
	}

	pid, key, err := b.resolveProfile(ctx, profile)
	if err != nil {
		return nil, err
	}

	encCategory, encFilter, err := encryptQueryTerms(ctx, key, opts.Category, opts.TagFilter)
	if err != nil {
		return nil, err
	}

	offset := opts.Offset
	remaining := opts.Limit
	finished := false

	return vault.NewScan(func(ctx context.Context) ([]vault.Entry, error) {
		if finished {
			return nil, nil
		}

		pageLimit := int64(scanPageSize)
		if opts.Limit > 0 && remaining < pageLimit {
			pageLimit = remaining
		}
		if pageLimit <= 0 {
			return nil, nil
		}

		query, args := buildItemQuery(qListItems, pid, opts.Kind, encCategory, encFilter)
		query = appendOrder(query, opts.OrderBy, opts.Descending)
		query, args = appendLimitOffset(query, args, pageLimit, offset)

		rows, err := b.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, dbErr(err)
		}
		batch, err := loadEntries(ctx, b.db, key, rows)
		if err != nil {
			return nil, err
		}

		offset += int64(len(batch))
		if opts.Limit > 0 {
			remaining -= int64(len(batch))
		}
		if int64(len(batch)) < pageLimit {
			finished = true
		}
		return batch, nil
	}), nil
}

// Session checks one connection out of the pool, suspending while the
// pool is exhausted. Transactional sessions are not supported by this
// backend and are rejected rather than silently downgraded.
func (b *Backend) Session(ctx context.Context, profile string, transactional bool) (vault.Session, error) {
	if transactional {
		return nil, fmt.Errorf("%w: the postgres backend does not support transactional sessions", common.ErrorUnsupported)
	}
	if profile == "" {
		profile = b.activeProfile
	}

	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, dbErr(err)
	}
	return newSession(b.cache, profile, conn), nil
}

// Close releases the pool.
func (b *Backend) Close(ctx context.Context) error {
	if err := b.db.Close(); err != nil {
		return dbErr(err)
	}
	return nil
}
