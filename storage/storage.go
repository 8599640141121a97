// Package storage wraps an ordered key-value engine. All chain state
// lives in one database directory; callers carve it into key-spaces
// with single-byte prefixes.
package storage

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = lerrors.ErrNotFound

// Getter is the read half shared by the database, snapshots and
// overlays.
type Getter interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
}

// Finder adds ordered range scans over a key prefix.
type Finder interface {
	Getter
	Find(prefix []byte) Iterator
}

type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

type Database struct {
	path string
	db   *leveldb.DB
	log  *zap.Logger
}

// Open opens (creating if missing) the database directory, recovering
// from a corrupted manifest if needed.
func Open(path string, log *zap.Logger) (*Database, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: 64,
		BlockCacheCapacity:     8 * opt.MiB,
		WriteBuffer:            4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	})
	if _, corrupted := err.(*lerrors.ErrCorrupted); corrupted {
		log.Warn("recovering corrupted database", zap.String("path", path))
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open storage at %s: %w", path, err)
	}
	return &Database{path: path, db: db, log: log}, nil
}

func (d *Database) Path() string {
	return d.path
}

func (d *Database) Get(key []byte) ([]byte, error) {
	v, err := d.db.Get(key, nil)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (d *Database) Has(key []byte) (bool, error) {
	return d.db.Has(key, nil)
}

func (d *Database) Put(key, value []byte) error {
	if err := d.db.Put(key, value, nil); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	return nil
}

func (d *Database) Delete(key []byte) error {
	if err := d.db.Delete(key, nil); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Find iterates keys under prefix in ascending byte order.
func (d *Database) Find(prefix []byte) Iterator {
	return &ldbIterator{it: d.db.NewIterator(util.BytesPrefix(prefix), nil)}
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Batch accumulates writes applied atomically by Write. A committed
// batch is synced so a block either fully lands or not at all.
type Batch struct {
	d *Database
	b *leveldb.Batch
}

func (d *Database) NewBatch() *Batch {
	return &Batch{d: d, b: new(leveldb.Batch)}
}

func (b *Batch) Put(key, value []byte) {
	b.b.Put(key, value)
}

func (b *Batch) Delete(key []byte) {
	b.b.Delete(key)
}

func (b *Batch) Len() int {
	return b.b.Len()
}

func (b *Batch) Write() error {
	if err := b.d.db.Write(b.b, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("batch write: %w", err)
	}
	return nil
}

// Snapshot is a consistent read-only view; reads never block writers.
type Snapshot struct {
	s *leveldb.Snapshot
}

func (d *Database) Snapshot() (*Snapshot, error) {
	s, err := d.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return &Snapshot{s: s}, nil
}

func (s *Snapshot) Get(key []byte) ([]byte, error) {
	return s.s.Get(key, nil)
}

func (s *Snapshot) Has(key []byte) (bool, error) {
	return s.s.Has(key, nil)
}

func (s *Snapshot) Find(prefix []byte) Iterator {
	return &ldbIterator{it: s.s.NewIterator(util.BytesPrefix(prefix), nil)}
}

func (s *Snapshot) Release() {
	s.s.Release()
}

type ldbIterator struct {
	it iterator.Iterator
}

func (i *ldbIterator) Next() bool    { return i.it.Next() }
func (i *ldbIterator) Key() []byte   { return i.it.Key() }
func (i *ldbIterator) Value() []byte { return i.it.Value() }
func (i *ldbIterator) Release()      { i.it.Release() }
func (i *ldbIterator) Error() error  { return i.it.Error() }
