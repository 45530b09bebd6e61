package storage

import (
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// levelStore adapts a goleveldb handle to go-ethereum's key-value store
// contract so the trie database and the raw side ledgers share one file.
type levelStore struct {
	db *leveldb.DB
}

var _ ethdb.KeyValueStore = (*levelStore)(nil)

var syncMarkerKey = []byte("storage/sync-marker")

func (s *levelStore) Has(key []byte) (bool, error) {
	return s.db.Has(key, nil)
}

func (s *levelStore) Get(key []byte) ([]byte, error) {
	return s.db.Get(key, nil)
}

func (s *levelStore) Put(key []byte, value []byte) error {
	return s.db.Put(key, value, nil)
}

func (s *levelStore) Delete(key []byte) error {
	return s.db.Delete(key, nil)
}

// DeleteRange removes all keys in [start, end). goleveldb has no native range
// tombstone, so the keys present at call time are collected and deleted in a
// single batch.
func (s *levelStore) DeleteRange(start, end []byte) error {
	iter := s.db.NewIterator(&util.Range{Start: start, Limit: end}, nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

func (s *levelStore) NewBatch() ethdb.Batch {
	return &levelBatch{db: s.db, b: new(leveldb.Batch)}
}

func (s *levelStore) NewBatchWithSize(size int) ethdb.Batch {
	return &levelBatch{db: s.db, b: leveldb.MakeBatch(size)}
}

// NewIterator iterates keys carrying the given prefix, starting at
// prefix+start.
func (s *levelStore) NewIterator(prefix []byte, start []byte) ethdb.Iterator {
	r := util.BytesPrefix(prefix)
	r.Start = append(r.Start, start...)
	return s.db.NewIterator(r, nil)
}

func (s *levelStore) Stat() (string, error) {
	return s.db.GetProperty("leveldb.stats")
}

func (s *levelStore) Compact(start []byte, limit []byte) error {
	return s.db.CompactRange(util.Range{Start: start, Limit: limit})
}

// SyncKeyValue forces the journal to disk. goleveldb exposes no standalone
// sync call, so a synchronous write of an internal marker key is used.
func (s *levelStore) SyncKeyValue() error {
	return s.db.Put(syncMarkerKey, nil, &opt.WriteOptions{Sync: true})
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

type levelBatch struct {
	db   *leveldb.DB
	b    *leveldb.Batch
	size int
}

func (b *levelBatch) Put(key []byte, value []byte) error {
	b.b.Put(key, value)
	b.size += len(key) + len(value)
	return nil
}

func (b *levelBatch) Delete(key []byte) error {
	b.b.Delete(key)
	b.size += len(key)
	return nil
}

// DeleteRange queues deletions for the keys currently present in [start, end).
func (b *levelBatch) DeleteRange(start, end []byte) error {
	iter := b.db.NewIterator(&util.Range{Start: start, Limit: end}, nil)
	defer iter.Release()
	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		b.b.Delete(key)
		b.size += len(key)
	}
	return iter.Error()
}

func (b *levelBatch) ValueSize() int {
	return b.size
}

func (b *levelBatch) Write() error {
	return b.db.Write(b.b, nil)
}

func (b *levelBatch) Reset() {
	b.b.Reset()
	b.size = 0
}

func (b *levelBatch) Replay(w ethdb.KeyValueWriter) error {
	replay := &batchReplayer{writer: w}
	if err := b.b.Replay(replay); err != nil {
		return err
	}
	return replay.failure
}

// batchReplayer bridges goleveldb's error-less replay callbacks onto the
// error-returning key-value writer.
type batchReplayer struct {
	writer  ethdb.KeyValueWriter
	failure error
}

func (r *batchReplayer) Put(key, value []byte) {
	if r.failure != nil {
		return
	}
	r.failure = r.writer.Put(key, value)
}

func (r *batchReplayer) Delete(key []byte) {
	if r.failure != nil {
		return
	}
	r.failure = r.writer.Delete(key)
}
