// Package vault defines the storage-engine-agnostic surface of the
// encrypted entry store: the entry model, filters, and the Backend and
// Session capability interfaces every engine variant implements.
package vault

// EntryKind partitions the item namespace by record category. Key
// material records and generic data records never collide even when
// they share a category and name.
type EntryKind int16

const (
	// KindAny is a filter wildcard; it is never stored.
	KindAny  EntryKind = 0
	KindKey  EntryKind = 1
	KindItem EntryKind = 2
)

// EntryOperation selects the row mutation performed by Session.Update.
type EntryOperation int

const (
	OpInsert EntryOperation = iota
	OpReplace
	OpRemove
)

// EntryTag is a searchable attribute attached to an entry. Plaintext
// tags are stored in clear for indexed lookups; all others are stored
// encrypted like the entry value. A tag belongs to exactly one entry.
type EntryTag struct {
	Name      string
	Value     string
	Plaintext bool
}

// Entry is a single decrypted record. Its identity within a profile is
// the (kind, category, name) tuple.
type Entry struct {
	Kind     EntryKind
	Category string
	Name     string
	Value    []byte
	Tags     []EntryTag
}

// TagFilter restricts list operations to entries carrying all listed
// tags. Values of non-plaintext tags are encrypted with the profile key
// before comparison, so matching happens on the stored representation.
type TagFilter struct {
	AllOf []EntryTag
}

// OrderBy names a sortable column for list operations. Encrypted
// columns cannot be ordered meaningfully, so only the insertion order
// surrogate is available.
type OrderBy int

const (
	OrderByID OrderBy = iota
)
