package storage

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/syndtr/goleveldb/leveldb"
)

// ErrKeyNotFound is returned by Get when the key is absent from the store.
var ErrKeyNotFound = errors.New("storage: key not found")

// Database is the key-value store backing the state trie and the module's
// side ledgers (audit receipts, node metadata). The trie database returned by
// TrieDB shares the same underlying storage as the raw Put/Get surface so a
// single file holds the complete node state.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Delete(key []byte) error
	TrieDB() *triedb.Database
	Close()
}

// --- In-memory database (tests, ephemeral nodes) ---

// MemDB keeps all data in memory on top of go-ethereum's memory database so
// the trie layer and raw accessors observe the same writes.
type MemDB struct {
	kv     ethdb.Database
	once   sync.Once
	trieDB *triedb.Database
}

func NewMemDB() *MemDB {
	return &MemDB{kv: rawdb.NewMemoryDatabase()}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	return db.kv.Put(key, value)
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	ok, err := db.kv.Has(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	return db.kv.Get(key)
}

func (db *MemDB) Has(key []byte) (bool, error) {
	return db.kv.Has(key)
}

func (db *MemDB) Delete(key []byte) error {
	return db.kv.Delete(key)
}

func (db *MemDB) TrieDB() *triedb.Database {
	db.once.Do(func() {
		db.trieDB = triedb.NewDatabase(db.kv, triedb.HashDefaults)
	})
	return db.trieDB
}

func (db *MemDB) Close() {}

// --- Persistent database ---

// LevelDB is a persistent store using goleveldb. The trie database runs on
// the same file through an adapter satisfying go-ethereum's key-value
// contract.
type LevelDB struct {
	db     *leveldb.DB
	once   sync.Once
	trieDB *triedb.Database
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (ldb *LevelDB) Has(key []byte) (bool, error) {
	return ldb.db.Has(key, nil)
}

func (ldb *LevelDB) Delete(key []byte) error {
	return ldb.db.Delete(key, nil)
}

func (ldb *LevelDB) TrieDB() *triedb.Database {
	ldb.once.Do(func() {
		backend := rawdb.NewDatabase(&levelStore{db: ldb.db})
		ldb.trieDB = triedb.NewDatabase(backend, triedb.HashDefaults)
	})
	return ldb.trieDB
}

func (ldb *LevelDB) Close() {
	ldb.db.Close()
}
