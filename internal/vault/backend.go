package vault

import "context"

// ScanOptions parameterizes Backend.Scan.
type ScanOptions struct {
	// Profile selects the profile to scan; empty means the active one.
	Profile string
	// Kind restricts matches to one entry kind; KindAny matches all.
	Kind EntryKind
	// Category restricts matches to one category; empty matches all.
	Category string
	// TagFilter, when set, restricts matches to entries carrying every
	// listed tag.
	TagFilter *TagFilter
	// Offset and Limit page through the result; Limit <= 0 means no
	// limit.
	Offset int64
	Limit  int64
	// OrderBy and Descending control result ordering.
	OrderBy    OrderBy
	Descending bool
}

// Backend owns the connection pool and the profile key cache of one
// store. Implementations exist per storage engine; each must satisfy
// the same encrypted CRUD contract regardless of its query dialect.
type Backend interface {
	// CreateProfile registers a new profile with a fresh profile key.
	// An empty name is replaced with a random one. Creating an existing
	// name fails with common.ErrorDuplicate.
	CreateProfile(ctx context.Context, name string) (string, error)

	// GetActiveProfile returns the profile sessions fall back to.
	GetActiveProfile() string

	// GetDefaultProfile reads the stored default profile name.
	GetDefaultProfile(ctx context.Context) (string, error)

	// SetDefaultProfile stores the default profile name.
	SetDefaultProfile(ctx context.Context, name string) error

	// ListProfiles returns all profile names.
	ListProfiles(ctx context.Context) ([]string, error)

	// RemoveProfile deletes a profile and all its entries. Removing an
	// unknown name returns false, not an error.
	RemoveProfile(ctx context.Context, name string) (bool, error)

	// Rekey re-wraps every profile key under a store key derived from
	// method and passKey, then records the new key reference.
	Rekey(ctx context.Context, method string, passKey []byte) error

	// Scan streams decrypted entries matching opts.
	Scan(ctx context.Context, opts ScanOptions) (*Scan, error)

	// Session borrows one connection scoped to a profile. Transactional
	// sessions are rejected with common.ErrorUnsupported by backends
	// that do not implement them.
	Session(ctx context.Context, profile string, transactional bool) (Session, error)

	// Close releases the pool.
	Close(ctx context.Context) error
}

// Session is a bound execution context: one borrowed connection plus a
// lazily resolved profile key. Operations after Close fail with
// common.ErrorSessionClosed. A Session is not safe for concurrent use.
type Session interface {
	// Update applies one entry mutation. expiryMS, when positive, sets
	// the entry to expire that many milliseconds from now. Removing a
	// non-existent entry succeeds silently; inserting over an existing
	// identity fails with common.ErrorDuplicate.
	Update(ctx context.Context, kind EntryKind, op EntryOperation, category, name string, value []byte, tags []EntryTag, expiryMS int64) error

	// Fetch returns the decrypted entry for an identity tuple, or nil
	// when it does not exist or has expired.
	Fetch(ctx context.Context, kind EntryKind, category, name string, forUpdate bool) (*Entry, error)

	// FetchAll returns decrypted entries matching the given predicates.
	FetchAll(ctx context.Context, kind EntryKind, category string, filter *TagFilter, limit int64, orderBy OrderBy, descending bool, forUpdate bool) ([]Entry, error)

	// Count returns the number of entries matching the predicates.
	Count(ctx context.Context, kind EntryKind, category string, filter *TagFilter) (int64, error)

	// RemoveAll deletes entries matching the predicates and returns how
	// many rows were removed.
	RemoveAll(ctx context.Context, kind EntryKind, category string, filter *TagFilter) (int64, error)

	// Ping verifies the borrowed connection is alive.
	Ping(ctx context.Context) error

	// Close releases the connection back to the pool regardless of the
	// commit outcome. Close is idempotent.
	Close(ctx context.Context, commit bool) error
}
