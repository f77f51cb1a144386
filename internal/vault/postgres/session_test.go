package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/secvault/internal/common"
	"github.com/dmitrijs2005/secvault/internal/cryptox"
	"github.com/dmitrijs2005/secvault/internal/keycache"
	"github.com/dmitrijs2005/secvault/internal/vault"
	"github.com/jackc/pgx/v5/pgconn"
)

// newSessionWithMock builds a session over a mocked checked-out
// connection with the profile key already cached, so tests only expect
// the statements of the operation under test.
func newSessionWithMock(t *testing.T) (*Session, sqlmock.Sqlmock, *sql.DB, *cryptox.ProfileKey) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}

	cache := keycache.New(newTestStoreKey(t))
	pk := cryptox.NewProfileKey()
	cache.AddProfile("default", 1, pk)

	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatalf("db.Conn error: %v", err)
	}
	return newSession(cache, "default", conn), mock, db, pk
}

func encIdentity(t *testing.T, pk *cryptox.ProfileKey, category, name string) ([]byte, []byte) {
	t.Helper()
	encCategory, err := pk.EncryptCategory([]byte(category))
	if err != nil {
		t.Fatalf("encrypt category: %v", err)
	}
	encName, err := pk.EncryptName([]byte(name))
	if err != nil {
		t.Fatalf("encrypt name: %v", err)
	}
	return encCategory, encName
}

func TestUpdate_Insert(t *testing.T) {
	s, mock, db, pk := newSessionWithMock(t)
	defer db.Close()

	encCategory, encName := encIdentity(t, pk, "login", "github")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(qInsertItem)).
		WithArgs(int64(1), int16(vault.KindItem), encCategory, encName, sqlmock.AnyArg(), nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
	mock.ExpectExec(regexp.QuoteMeta(qInsertTag)).
		WithArgs(int64(10), sqlmock.AnyArg(), sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Update(context.Background(), vault.KindItem, vault.OpInsert, "login", "github",
		[]byte("hunter2"), []vault.EntryTag{{Name: "env", Value: "prod"}}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdate_InsertDuplicate(t *testing.T) {
	s, mock, db, _ := newSessionWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(qInsertItem)).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "items_profile_id_kind_category_name_key"})
	mock.ExpectRollback()

	err := s.Update(context.Background(), vault.KindItem, vault.OpInsert, "login", "github",
		[]byte("hunter2"), nil, 0)
	if !errors.Is(err, common.ErrorDuplicate) {
		t.Fatalf("want ErrorDuplicate, got %v", err)
	}
}

func TestUpdate_ReplaceDropsOldTags(t *testing.T) {
	s, mock, db, pk := newSessionWithMock(t)
	defer db.Close()

	encCategory, encName := encIdentity(t, pk, "login", "github")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(qUpsertItem)).
		WithArgs(int64(1), int16(vault.KindItem), encCategory, encName, sqlmock.AnyArg(), nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))
	mock.ExpectExec(regexp.QuoteMeta(qDeleteTags)).
		WithArgs(int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(qInsertTag)).
		WithArgs(int64(10), []byte("env"), []byte("prod"), true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Update(context.Background(), vault.KindItem, vault.OpReplace, "login", "github",
		[]byte("rotated"), []vault.EntryTag{{Name: "env", Value: "prod", Plaintext: true}}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdate_InsertWithExpiry(t *testing.T) {
	s, mock, db, _ := newSessionWithMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(qInsertItem)).
		WithArgs(int64(1), int16(vault.KindItem), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectCommit()

	err := s.Update(context.Background(), vault.KindItem, vault.OpInsert, "login", "github",
		[]byte("v"), nil, 60_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdate_RemoveSilentOnMissing(t *testing.T) {
	s, mock, db, pk := newSessionWithMock(t)
	defer db.Close()

	encCategory, encName := encIdentity(t, pk, "login", "gone")

	mock.ExpectExec(regexp.QuoteMeta(qDeleteItem)).
		WithArgs(int64(1), int16(vault.KindItem), encCategory, encName).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Update(context.Background(), vault.KindItem, vault.OpRemove, "login", "gone", nil, nil, 0)
	if err != nil {
		t.Fatalf("removing a missing entry must be silent, got %v", err)
	}
}

func TestUpdate_LazyKeyAcquisition(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	storeKey := newTestStoreKey(t)
	cache := keycache.New(storeKey)
	pk := cryptox.NewProfileKey()
	blob, err := storeKey.WrapProfileKey(pk)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatalf("db.Conn error: %v", err)
	}
	s := newSession(cache, "default", conn)

	// The first operation reads the profile row over the session
	// connection; the key then lands in the shared cache.
	mock.ExpectQuery(regexp.QuoteMeta(qGetProfile)).
		WithArgs("default").
		WillReturnRows(sqlmock.NewRows([]string{"id", "profile_key"}).AddRow(int64(7), blob))
	mock.ExpectExec(regexp.QuoteMeta(qDeleteItem)).
		WithArgs(int64(7), int16(vault.KindItem), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.Update(context.Background(), vault.KindItem, vault.OpRemove, "c", "n", nil, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	id, _, ok := cache.GetProfile("default")
	if !ok || id != 7 {
		t.Fatalf("profile not cached after first use: ok=%v id=%d", ok, id)
	}
}

func TestFetch_RoundTrip(t *testing.T) {
	s, mock, db, pk := newSessionWithMock(t)
	defer db.Close()

	encCategory, encName := encIdentity(t, pk, "login", "github")
	encValue, err := pk.EncryptValue([]byte("login"), []byte("github"), []byte("hunter2"))
	if err != nil {
		t.Fatalf("encrypt value: %v", err)
	}
	encTagName, err := pk.EncryptTagField([]byte("env"))
	if err != nil {
		t.Fatalf("encrypt tag: %v", err)
	}
	encTagValue, err := pk.EncryptTagField([]byte("prod"))
	if err != nil {
		t.Fatalf("encrypt tag: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(qFetchItem)).
		WithArgs(int64(1), int16(vault.KindItem), encCategory, encName).
		WillReturnRows(sqlmock.NewRows([]string{"id", "value"}).AddRow(int64(10), encValue))
	mock.ExpectQuery(regexp.QuoteMeta(qFetchTags)).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"name", "value", "plaintext"}).
			AddRow(encTagName, encTagValue, false).
			AddRow([]byte("team"), []byte("infra"), true))

	entry, err := s.Fetch(context.Background(), vault.KindItem, "login", "github", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry == nil {
		t.Fatal("want entry, got nil")
	}
	if string(entry.Value) != "hunter2" {
		t.Fatalf("unexpected value: %q", entry.Value)
	}
	if len(entry.Tags) != 2 {
		t.Fatalf("want 2 tags, got %d", len(entry.Tags))
	}
	if entry.Tags[0].Name != "env" || entry.Tags[0].Value != "prod" || entry.Tags[0].Plaintext {
		t.Fatalf("unexpected tag: %+v", entry.Tags[0])
	}
	if entry.Tags[1].Name != "team" || entry.Tags[1].Value != "infra" || !entry.Tags[1].Plaintext {
		t.Fatalf("unexpected tag: %+v", entry.Tags[1])
	}
}

func TestFetch_MissingReturnsNil(t *testing.T) {
	s, mock, db, _ := newSessionWithMock(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(qFetchItem)).
		WillReturnError(sql.ErrNoRows)

	entry, err := s.Fetch(context.Background(), vault.KindItem, "login", "missing", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry != nil {
		t.Fatalf("want nil entry, got %+v", entry)
	}
}

func TestFetch_ForUpdate(t *testing.T) {
	s, mock, db, pk := newSessionWithMock(t)
	defer db.Close()

	encValue, err := pk.EncryptValue([]byte("c"), []byte("n"), []byte("v"))
	if err != nil {
		t.Fatalf("encrypt value: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(qFetchItem) + ` FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "value"}).AddRow(int64(10), encValue))
	mock.ExpectQuery(regexp.QuoteMeta(qFetchTags)).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"name", "value", "plaintext"}))

	entry, err := s.Fetch(context.Background(), vault.KindItem, "c", "n", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry == nil || string(entry.Value) != "v" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFetchAll(t *testing.T) {
	s, mock, db, pk := newSessionWithMock(t)
	defer db.Close()

	encCategory, encName := encIdentity(t, pk, "login", "github")
	encValue, err := pk.EncryptValue([]byte("login"), []byte("github"), []byte("hunter2"))
	if err != nil {
		t.Fatalf("encrypt value: %v", err)
	}

	mock.ExpectQuery(`SELECT i\.id, i\.kind, i\.category, i\.name, i\.value FROM items i WHERE .* ORDER BY i\.id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "category", "name", "value"}).
			AddRow(int64(10), int16(vault.KindItem), encCategory, encName, encValue))
	mock.ExpectQuery(regexp.QuoteMeta(qFetchTags)).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"name", "value", "plaintext"}))

	entries, err := s.FetchAll(context.Background(), vault.KindItem, "login", nil, 0, vault.OrderByID, false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "github" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestCount(t *testing.T) {
	s, mock, db, _ := newSessionWithMock(t)
	defer db.Close()

	query, _ := buildItemQuery(qCountItems, 1, vault.KindItem, nil, nil)

	mock.ExpectQuery(regexp.QuoteMeta(query)).
		WithArgs(int64(1), int16(vault.KindItem)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(5)))

	n, err := s.Count(context.Background(), vault.KindItem, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Fatalf("want 5, got %d", n)
	}
}

func TestCount_WithTagFilter(t *testing.T) {
	s, mock, db, _ := newSessionWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM items i WHERE .* AND EXISTS \(SELECT 1 FROM items_tags t WHERE .*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))

	filter := &vault.TagFilter{AllOf: []vault.EntryTag{{Name: "env", Value: "prod"}}}
	n, err := s.Count(context.Background(), vault.KindAny, "", filter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2, got %d", n)
	}
}

func TestRemoveAll(t *testing.T) {
	s, mock, db, _ := newSessionWithMock(t)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM items WHERE id IN \(SELECT i\.id FROM items i WHERE .*\)`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.RemoveAll(context.Background(), vault.KindAny, "login", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("want 3, got %d", n)
	}
}

func TestPing(t *testing.T) {
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.MonitorPingsOption(true),
	)
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()

	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatalf("db.Conn error: %v", err)
	}
	s := newSession(keycache.New(newTestStoreKey(t)), "default", conn)

	mock.ExpectPing()

	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	s, _, db, _ := newSessionWithMock(t)
	defer db.Close()

	if err := s.Close(context.Background(), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Close(context.Background(), false); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	s, _, db, _ := newSessionWithMock(t)
	defer db.Close()

	if err := s.Close(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.Update(context.Background(), vault.KindItem, vault.OpInsert, "c", "n", nil, nil, 0); !errors.Is(err, common.ErrorSessionClosed) {
		t.Fatalf("want ErrorSessionClosed, got %v", err)
	}
	if _, err := s.Fetch(context.Background(), vault.KindItem, "c", "n", false); !errors.Is(err, common.ErrorSessionClosed) {
		t.Fatalf("want ErrorSessionClosed, got %v", err)
	}
	if _, err := s.Count(context.Background(), vault.KindAny, "", nil); !errors.Is(err, common.ErrorSessionClosed) {
		t.Fatalf("want ErrorSessionClosed, got %v", err)
	}
	if _, err := s.RemoveAll(context.Background(), vault.KindAny, "", nil); !errors.Is(err, common.ErrorSessionClosed) {
		t.Fatalf("want ErrorSessionClosed, got %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, common.ErrorSessionClosed) {
		t.Fatalf("want ErrorSessionClosed, got %v", err)
	}
}
