package storagecache

import (
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	dberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"go.uber.org/zap"
)

type storagePrefix byte

const (
	// storageValues is the record space for cached query values.
	storageValues storagePrefix = iota
)

func dbKey(key string) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(storageValues)
	copy(out[1:], key)
	return out
}

// openDB returns the leveldb store backing the persisted tier. An empty path
// yields ephemeral in-memory storage.
func openDB(path string, logger *zap.Logger) (*leveldb.DB, error) {
	if path == "" {
		return leveldb.Open(storage.NewMemStorage(), nil)
	}

	path = filepath.Join(path, "storage_cache")
	opts := &opt.Options{OpenFilesCacheCapacity: 5}
	db, err := leveldb.OpenFile(path, opts)
	if _, corrupted := err.(*dberrors.ErrCorrupted); corrupted {
		logger.Info("persisted cache is corrupted, trying to recover", zap.String("path", path))
		db, err = leveldb.RecoverFile(path, nil)
	}
	return db, err
}
