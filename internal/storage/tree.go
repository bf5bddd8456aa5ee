// Package storage exposes the ordered byte-keyed store every other service
// persists through. Keys compare bytewise (SQLite BLOB ordering), so
// fixed-width big-endian counters embedded in keys sort numerically and
// prefix ranges stay contiguous.
package storage

import (
	"errors"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const scanBatchSize = 256

// Record is the single persisted row shape: an opaque ordered key mapping to
// an opaque value.
type Record struct {
	Key   []byte `gorm:"column:key;primaryKey;type:blob"`
	Value []byte `gorm:"column:value;type:blob;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "kv_records"
}

// Store wraps the database handle and hands out named keyspaces.
type Store struct {
	db          *gorm.DB
	incrementMu sync.Mutex
}

// New wraps an opened database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Tree returns the keyspace registered under name. Names must not contain the
// separator byte.
type Tree struct {
	store  *Store
	prefix []byte
}

// Tree returns a view over the keyspace registered under name.
func (s *Store) Tree(name string) *Tree {
	prefix := make([]byte, 0, len(name)+1)
	prefix = append(prefix, name...)
	prefix = append(prefix, Separator)
	return &Tree{store: s, prefix: prefix}
}

func (t *Tree) fullKey(key []byte) []byte {
	full := make([]byte, 0, len(t.prefix)+len(key))
	full = append(full, t.prefix...)
	full = append(full, key...)
	return full
}

// Get returns the value stored under key, or nil when absent. Values must be
// non-empty: an empty value reads back as nil and cannot be told apart from an
// absent key.
func (t *Tree) Get(key []byte) ([]byte, error) {
	var record Record
	err := t.store.db.Where("key = ?", t.fullKey(key)).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record.Value, nil
}

// Insert stores value under key, replacing any previous value.
func (t *Tree) Insert(key, value []byte) error {
	record := Record{Key: t.fullKey(key), Value: value}
	return t.store.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&record).Error
}

// Remove deletes the value stored under key. Removing an absent key is not an
// error.
func (t *Tree) Remove(key []byte) error {
	return t.store.db.Where("key = ?", t.fullKey(key)).Delete(&Record{}).Error
}

// Increment adds one to the counter stored under key and returns the new
// value. Missing counters start at zero.
func (t *Tree) Increment(key []byte) (uint64, error) {
	t.store.incrementMu.Lock()
	defer t.store.incrementMu.Unlock()

	raw, err := t.Get(key)
	if err != nil {
		return 0, err
	}
	var current uint64
	if raw != nil {
		current, err = DecodeCount(raw)
		if err != nil {
			return 0, err
		}
	}
	next := current + 1
	if err := t.Insert(key, EncodeCount(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// Scan iterates keys carrying prefix, starting at from (inclusive) when from
// is non-nil, in ascending or descending key order. The iterator is lazy,
// fetches in batches and stops as soon as the prefix no longer matches.
func (t *Tree) Scan(prefix, from []byte, reverse bool) *Iterator {
	return &Iterator{
		tree:    t,
		prefix:  t.fullKey(prefix),
		start:   from,
		reverse: reverse,
	}
}

// Iterator walks an ordered key range. Next reports false at the end of the
// range or on error; Err distinguishes the two.
type Iterator struct {
	tree    *Tree
	prefix  []byte
	start   []byte
	reverse bool

	cursor  []byte
	started bool
	done    bool
	batch   []Record
	index   int
	err     error
}

// Next advances the iterator and returns the next key (tree prefix stripped)
// and value.
func (it *Iterator) Next() (key, value []byte, ok bool) {
	if it.err != nil {
		return nil, nil, false
	}
	if it.index >= len(it.batch) {
		if it.done || !it.fetch() {
			return nil, nil, false
		}
	}
	record := it.batch[it.index]
	it.index++
	it.cursor = record.Key
	return record.Key[len(it.tree.prefix):], record.Value, true
}

// Err returns the first storage error encountered, if any.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) fetch() bool {
	query := it.tree.store.db.Model(&Record{}).Limit(scanBatchSize)

	if it.reverse {
		query = query.Order("key DESC").Where("key >= ?", it.prefix)
		switch {
		case it.started:
			query = query.Where("key < ?", it.cursor)
		case it.start != nil:
			query = query.Where("key <= ?", it.tree.fullKey(it.start))
		default:
			if upper := prefixUpperBound(it.prefix); upper != nil {
				query = query.Where("key < ?", upper)
			}
		}
	} else {
		query = query.Order("key ASC")
		if upper := prefixUpperBound(it.prefix); upper != nil {
			query = query.Where("key < ?", upper)
		}
		switch {
		case it.started:
			query = query.Where("key > ?", it.cursor)
		case it.start != nil:
			query = query.Where("key >= ?", it.tree.fullKey(it.start))
		default:
			query = query.Where("key >= ?", it.prefix)
		}
	}

	var batch []Record
	if err := query.Find(&batch).Error; err != nil {
		it.err = err
		return false
	}

	// Keys outside the prefix mark the end of the range.
	matched := batch[:0]
	for _, record := range batch {
		if !hasPrefix(record.Key, it.prefix) {
			it.done = true
			break
		}
		matched = append(matched, record)
	}

	it.started = true
	it.batch = matched
	it.index = 0
	if len(matched) == 0 {
		it.done = true
		return false
	}
	return true
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}
