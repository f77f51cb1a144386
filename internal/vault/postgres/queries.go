package postgres

import (
	"fmt"
	"strings"

	"github.com/dmitrijs2005/secvault/internal/vault"
)

// Fixed SQL statements. The list/count/delete statements over items are
// assembled dynamically by buildItemQuery below because kind, category
// and tag predicates are all optional.
const (
	qGetConfig           = `SELECT value FROM config WHERE name = $1`
	qUpsertConfig        = `INSERT INTO config (name, value) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`
	qUpdateConfigProfile = `UPDATE config SET value = $1 WHERE name = 'default_profile'`
	qUpdateConfigKey     = `UPDATE config SET value = $1 WHERE name = 'key'`

	qGetProfile       = `SELECT id, profile_key FROM profiles WHERE name = $1`
	qGetProfiles      = `SELECT id, profile_key FROM profiles ORDER BY id`
	qGetProfileNames  = `SELECT name FROM profiles ORDER BY id`
	qInsertProfile    = `INSERT INTO profiles (name, profile_key) VALUES ($1, $2) RETURNING id`
	qUpdateProfileKey = `UPDATE profiles SET profile_key = $1 WHERE id = $2`
	qDeleteProfile    = `DELETE FROM profiles WHERE name = $1`

	qInsertItem = `INSERT INTO items (profile_id, kind, category, name, value, expiry) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	qUpsertItem = `INSERT INTO items (profile_id, kind, category, name, value, expiry) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (profile_id, kind, category, name) DO UPDATE SET value = EXCLUDED.value, expiry = EXCLUDED.expiry RETURNING id`
	qDeleteItem = `DELETE FROM items WHERE profile_id = $1 AND kind = $2 AND category = $3 AND name = $4`
	qFetchItem  = `SELECT id, value FROM items WHERE profile_id = $1 AND kind = $2 AND category = $3 AND name = $4 AND (expiry IS NULL OR expiry > now())`

	qInsertTag  = `INSERT INTO items_tags (item_id, name, value, plaintext) VALUES ($1, $2, $3, $4)`
	qDeleteTags = `DELETE FROM items_tags WHERE item_id = $1`
	qFetchTags  = `SELECT name, value, plaintext FROM items_tags WHERE item_id = $1 ORDER BY id`
)

// Projections for the dynamic item statements.
const (
	qListItems     = `SELECT i.id, i.kind, i.category, i.name, i.value FROM items i`
	qCountItems    = `SELECT COUNT(*) FROM items i`
	qSelectItemIDs = `SELECT i.id FROM items i`
)

// encTag is a tag in its stored representation: raw bytes for plaintext
// tags, ciphertext for the rest.
type encTag struct {
	name      []byte
	value     []byte
	plaintext bool
}

// buildItemQuery assembles "<projection> WHERE ..." for the optional
// kind, category and tag predicates. Expired rows are always excluded.
// Tag predicates compare against the stored representation, so callers
// must pass already-encrypted terms for non-plaintext tags.
func buildItemQuery(projection string, profileID int64, kind vault.EntryKind, encCategory []byte, tags []encTag) (string, []any) {
	var sb strings.Builder
	args := []any{profileID}

	sb.WriteString(projection)
	sb.WriteString(` WHERE i.profile_id = $1 AND (i.expiry IS NULL OR i.expiry > now())`)

	if kind != vault.KindAny {
		args = append(args, int16(kind))
		fmt.Fprintf(&sb, " AND i.kind = $%d", len(args))
	}
	if encCategory != nil {
		args = append(args, encCategory)
		fmt.Fprintf(&sb, " AND i.category = $%d", len(args))
	}
	for _, t := range tags {
		args = append(args, t.name, t.value, t.plaintext)
		fmt.Fprintf(&sb,
			" AND EXISTS (SELECT 1 FROM items_tags t WHERE t.item_id = i.id AND t.name = $%d AND t.value = $%d AND t.plaintext = $%d)",
			len(args)-2, len(args)-1, len(args))
	}

	return sb.String(), args
}

func appendOrder(query string, orderBy vault.OrderBy, descending bool) string {
	// OrderByID is the only sortable column; encrypted columns have no
	// meaningful order.
	_ = orderBy
	query += " ORDER BY i.id"
	if descending {
		query += " DESC"
	}
	return query
}

func appendLimitOffset(query string, args []any, limit, offset int64) (string, []any) {
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
