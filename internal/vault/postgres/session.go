package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/secvault/internal/common"
	"github.com/dmitrijs2005/secvault/internal/cryptox"
	"github.com/dmitrijs2005/secvault/internal/dbx"
	"github.com/dmitrijs2005/secvault/internal/keycache"
	"github.com/dmitrijs2005/secvault/internal/unblock"
	"github.com/dmitrijs2005/secvault/internal/vault"
)

// Session is a borrowed pool connection scoped to one profile. The
// profile key is resolved lazily through the shared cache on the first
// entry operation.
type Session struct {
	cache   *keycache.Cache
	profile string
	conn    *sql.Conn
	closed  bool
}

var _ vault.Session = (*Session)(nil)

func newSession(cache *keycache.Cache, profile string, conn *sql.Conn) *Session {
	return &Session{
		cache:   cache,
		profile: profile,
		conn:    conn,
	}
}

// acquireKey resolves the session profile's id and key, reading the
// profile row over the session connection on a cache miss.
func (s *Session) acquireKey(ctx context.Context) (int64, *cryptox.ProfileKey, error) {
	return s.cache.Resolve(ctx, s.profile, func(ctx context.Context) (int64, []byte, error) {
		var id int64
		var encKey []byte
		err := s.conn.QueryRowContext(ctx, qGetProfile, s.profile).Scan(&id, &encKey)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, fmt.Errorf("%w: unknown profile %q", common.ErrorNotFound, s.profile)
		}
		if err != nil {
			return 0, nil, dbErr(err)
		}
		return id, encKey, nil
	})
}

// Update applies one entry mutation. Insert and Replace write the row
// and its tag set inside a local transaction, so a concurrent reader
// never observes the value updated but the tags not yet replaced.
func (s *Session) Update(ctx context.Context, kind vault.EntryKind, op vault.EntryOperation, category, name string, value []byte, tags []vault.EntryTag, expiryMS int64) error {
	if s.closed {
		return common.ErrorSessionClosed
	}

	pid, key, err := s.acquireKey(ctx)
	if err != nil {
		return err
	}

	switch op {
	case vault.OpInsert, vault.OpReplace:
		var encCategory, encName, encValue []byte
		var encTags []encTag
		if err := unblock.Do(ctx, func() error {
			var err error
			if encCategory, err = key.EncryptCategory([]byte(category)); err != nil {
				return err
			}
			if encName, err = key.EncryptName([]byte(name)); err != nil {
				return err
			}
			if encValue, err = key.EncryptValue([]byte(category), []byte(name), value); err != nil {
				return err
			}
			encTags, err = encryptTags(key, tags)
			return err
		}); err != nil {
			return err
		}

		var expiry any
		if expiryMS > 0 {
			expiry = time.Now().Add(time.Duration(expiryMS) * time.Millisecond).UTC()
		}

		return dbx.WithTx(ctx, s.conn, nil, func(ctx context.Context, tx dbx.DBTX) error {
			var itemID int64
			if op == vault.OpInsert {
				if err := tx.QueryRowContext(ctx, qInsertItem, pid, int16(kind), encCategory, encName, encValue, expiry).Scan(&itemID); err != nil {
					return dbErr(err)
				}
			} else {
				if err := tx.QueryRowContext(ctx, qUpsertItem, pid, int16(kind), encCategory, encName, encValue, expiry).Scan(&itemID); err != nil {
					return dbErr(err)
				}
				// Replace discards every tag the row had before.
				if _, err := tx.ExecContext(ctx, qDeleteTags, itemID); err != nil {
					return dbErr(err)
				}
			}

			for _, t := range encTags {
				if _, err := tx.ExecContext(ctx, qInsertTag, itemID, t.name, t.value, t.plaintext); err != nil {
					return dbErr(err)
				}
			}
			return nil
		})

	case vault.OpRemove:
		var encCategory, encName []byte
		if err := unblock.Do(ctx, func() error {
			var err error
			if encCategory, err = key.EncryptCategory([]byte(category)); err != nil {
				return err
			}
			encName, err = key.EncryptName([]byte(name))
			return err
		}); err != nil {
			return err
		}

		// Removing an entry that does not exist is not an error.
		if _, err := s.conn.ExecContext(ctx, qDeleteItem, pid, int16(kind), encCategory, encName); err != nil {
			return dbErr(err)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown entry operation", common.ErrorUnsupported)
	}
}

// Fetch returns the decrypted entry for an identity tuple, or nil when
// no live row matches.
func (s *Session) Fetch(ctx context.Context, kind vault.EntryKind, category, name string, forUpdate bool) (*vault.Entry, error) {
	if s.closed {
		return nil, common.ErrorSessionClosed
	}

	pid, key, err := s.acquireKey(ctx)
	if err != nil {
		return nil, err
	}

	var encCategory, encName []byte
	if err := unblock.Do(ctx, func() error {
		var err error
		if encCategory, err = key.EncryptCategory([]byte(category)); err != nil {
			return err
		}
		encName, err = key.EncryptName([]byte(name))
		return err
	}); err != nil {
		return nil, err
	}

	query := qFetchItem
	if forUpdate {
		query += " FOR UPDATE"
	}

	var itemID int64
	var encValue []byte
	err = s.conn.QueryRowContext(ctx, query, pid, int16(kind), encCategory, encName).Scan(&itemID, &encValue)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err)
	}

	rawTags, err := loadTags(ctx, s.conn, itemID)
	if err != nil {
		return nil, err
	}

	entry := &vault.Entry{Kind: kind, Category: category, Name: name}
	if err := unblock.Do(ctx, func() error {
		var err error
		if entry.Value, err = key.DecryptValue([]byte(category), []byte(name), encValue); err != nil {
			return err
		}
		entry.Tags, err = decryptTags(key, rawTags)
		return err
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// FetchAll returns all decrypted entries matching the predicates.
func (s *Session) FetchAll(ctx context.Context, kind vault.EntryKind, category string, filter *vault.TagFilter, limit int64, orderBy vault.OrderBy, descending bool, forUpdate bool) ([]vault.Entry, error) {
	if s.closed {
		return nil, common.ErrorSessionClosed
	}

	pid, key, err := s.acquireKey(ctx)
	if err != nil {
		return nil, err
	}

	encCategory, encFilter, err := encryptQueryTerms(ctx, key, category, filter)
	if err != nil {
		return nil, err
	}

	query, args := buildItemQuery(qListItems, pid, kind, encCategory, encFilter)
	query = appendOrder(query, orderBy, descending)
	query, args = appendLimitOffset(query, args, limit, 0)
	if forUpdate {
		query += " FOR UPDATE"
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr(err)
	}
	return loadEntries(ctx, s.conn, key, rows)
}

// Count returns the number of live entries matching the predicates.
func (s *Session) Count(ctx context.Context, kind vault.EntryKind, category string, filter *vault.TagFilter) (int64, error) {
	if s.closed {
		return 0, common.ErrorSessionClosed
	}

	pid, key, err := s.acquireKey(ctx)
	if err != nil {
		return 0, err
	}

	encCategory, encFilter, err := encryptQueryTerms(ctx, key, category, filter)
	if err != nil {
		return 0, err
	}

	query, args := buildItemQuery(qCountItems, pid, kind, encCategory, encFilter)

	var n int64
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, dbErr(err)
	}
	return n, nil
}

// RemoveAll deletes entries matching the predicates; their tags follow
// through the schema cascade. Returns the number of removed rows.
func (s *Session) RemoveAll(ctx context.Context, kind vault.EntryKind, category string, filter *vault.TagFilter) (int64, error) {
	if s.closed {
		return 0, common.ErrorSessionClosed
	}

	pid, key, err := s.acquireKey(ctx)
	if err != nil {
		return 0, err
	}

	encCategory, encFilter, err := encryptQueryTerms(ctx, key, category, filter)
	if err != nil {
		return 0, err
	}

	sub, args := buildItemQuery(qSelectItemIDs, pid, kind, encCategory, encFilter)
	query := fmt.Sprintf(`DELETE FROM items WHERE id IN (%s)`, sub)

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, dbErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbErr(err)
	}
	return n, nil
}

// Ping verifies the borrowed connection is alive.
func (s *Session) Ping(ctx context.Context) error {
	if s.closed {
		return common.ErrorSessionClosed
	}
	if err := s.conn.PingContext(ctx); err != nil {
		return dbErr(err)
	}
	return nil
}

// Close returns the connection to the pool. The session runs in
// autocommit mode, so commit has nothing left to apply; the connection
// is released regardless of its value.
func (s *Session) Close(ctx context.Context, commit bool) error {
	if s.closed {
		return nil
	}
	s.closed = true
	_ = commit

	if err := s.conn.Close(); err != nil {
		return dbErr(err)
	}
	return nil
}

// encryptTags converts tags into their stored representation:
// plaintext tags keep their raw bytes, the rest are deterministically
// encrypted so filters can compare them.
func encryptTags(key *cryptox.ProfileKey, tags []vault.EntryTag) ([]encTag, error) {
	out := make([]encTag, 0, len(tags))
	for _, t := range tags {
		if t.Plaintext {
			out = append(out, encTag{name: []byte(t.Name), value: []byte(t.Value), plaintext: true})
			continue
		}
		name, err := key.EncryptTagField([]byte(t.Name))
		if err != nil {
			return nil, err
		}
		value, err := key.EncryptTagField([]byte(t.Value))
		if err != nil {
			return nil, err
		}
		out = append(out, encTag{name: name, value: value})
	}
	return out, nil
}

func decryptTags(key *cryptox.ProfileKey, raw []encTag) ([]vault.EntryTag, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]vault.EntryTag, 0, len(raw))
	for _, t := range raw {
		if t.plaintext {
			out = append(out, vault.EntryTag{Name: string(t.name), Value: string(t.value), Plaintext: true})
			continue
		}
		name, err := key.DecryptTagField(t.name)
		if err != nil {
			return nil, err
		}
		value, err := key.DecryptTagField(t.value)
		if err != nil {
			return nil, err
		}
		out = append(out, vault.EntryTag{Name: string(name), Value: string(value)})
	}
	return out, nil
}

// encryptQueryTerms prepares the stored-representation forms of the
// optional category and tag predicates. The whole batch runs through
// the worker pool once.
func encryptQueryTerms(ctx context.Context, key *cryptox.ProfileKey, category string, filter *vault.TagFilter) ([]byte, []encTag, error) {
	var encCategory []byte
	var encFilter []encTag

	err := unblock.Do(ctx, func() error {
		if category != "" {
			var err error
			if encCategory, err = key.EncryptCategory([]byte(category)); err != nil {
				return err
			}
		}
		if filter != nil {
			var err error
			encFilter, err = encryptTags(key, filter.AllOf)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return encCategory, encFilter, nil
}

// loadTags reads the stored tag rows of one item.
func loadTags(ctx context.Context, q dbx.DBTX, itemID int64) ([]encTag, error) {
	rows, err := q.QueryContext(ctx, qFetchTags, itemID)
	if err != nil {
		return nil, dbErr(err)
	}
	defer rows.Close()

	var tags []encTag
	for rows.Next() {
		var t encTag
		if err := rows.Scan(&t.name, &t.value, &t.plaintext); err != nil {
			return nil, dbErr(err)
		}
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err)
	}
	return tags, nil
}

type itemRow struct {
	id       int64
	kind     int16
	category []byte
	name     []byte
	value    []byte
	tags     []encTag
}

// loadEntries drains an item result set (id, kind, category, name,
// value projection), loads each row's tags and decrypts everything in
// one offloaded batch.
func loadEntries(ctx context.Context, q dbx.DBTX, key *cryptox.ProfileKey, rows *sql.Rows) ([]vault.Entry, error) {
	defer rows.Close()

	var items []itemRow
	for rows.Next() {
		var it itemRow
		if err := rows.Scan(&it.id, &it.kind, &it.category, &it.name, &it.value); err != nil {
			return nil, dbErr(err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err)
	}
	rows.Close()

	for i := range items {
		tags, err := loadTags(ctx, q, items[i].id)
		if err != nil {
			return nil, err
		}
		items[i].tags = tags
	}

	entries := make([]vault.Entry, 0, len(items))
	err := unblock.Do(ctx, func() error {
		for _, it := range items {
			category, err := key.DecryptCategory(it.category)
			if err != nil {
				return err
			}
			name, err := key.DecryptName(it.name)
			if err != nil {
				return err
			}
			value, err := key.DecryptValue(category, name, it.value)
			if err != nil {
				return err
			}
			tags, err := decryptTags(key, it.tags)
			if err != nil {
				return err
			}
			entries = append(entries, vault.Entry{
				Kind:     vault.EntryKind(it.kind),
				Category: string(category),
				Name:     string(name),
				Value:    value,
				Tags:     tags,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
