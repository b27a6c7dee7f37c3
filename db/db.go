package db

// DB defines the interface for database operations
type DB interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Iterate(prefix []byte, fn func(key, value []byte) (bool, error)) error
	Update(fn func(tx *Txn) error) error
	Close() error
}

var _ DB = (*LevelDB)(nil)
