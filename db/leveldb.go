package db

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB wraps a LevelDB instance
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates a new LevelDB instance
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{ErrorIfMissing: false})
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// NewMemLevelDB opens a LevelDB backed by memory, used by tests and dry runs
func NewMemLevelDB() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// Put stores a key-value pair in the database
func (l *LevelDB) Put(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

// Get retrieves a value by key from the database
func (l *LevelDB) Get(key []byte) ([]byte, error) {
	data, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return data, err
}

// Delete removes a key
func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

// Iterate walks keys under prefix in order until fn returns false
func (l *LevelDB) Iterate(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		more, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

// Update runs fn inside an exclusive transaction. Nothing is written unless
// fn returns nil; other writers block until the transaction ends.
func (l *LevelDB) Update(fn func(tx *Txn) error) error {
	tr, err := l.db.OpenTransaction()
	if err != nil {
		return err
	}
	if err := fn(&Txn{tr: tr}); err != nil {
		tr.Discard()
		return err
	}
	return tr.Commit()
}

// Close shuts down the database connection
func (l *LevelDB) Close() error {
	return l.db.Close()
}

// Txn is the view handed to Update callbacks
type Txn struct {
	tr *leveldb.Transaction
}

// Get returns nil, nil for missing keys
func (t *Txn) Get(key []byte) ([]byte, error) {
	data, err := t.tr.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return data, err
}

func (t *Txn) Put(key, value []byte) error {
	return t.tr.Put(key, value, nil)
}

func (t *Txn) Delete(key []byte) error {
	return t.tr.Delete(key, nil)
}
