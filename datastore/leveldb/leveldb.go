// Package leveldb implements the persistent indexes on top of LevelDB
package leveldb

import (
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	log "github.com/sirupsen/logrus"
)

var ErrCorrupted = fmt.Errorf("corrupted")

type levelDB struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
}

func keyWithPrefix(prefix, s string) []byte {
	return append([]byte(prefix), []byte(s)...)
}

func initLevelDb(path string) (*leveldb.DB, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}

	// Open or create the new DB
	db, err := leveldb.OpenFile(path, opts)
	if errors.IsCorrupted(err) {
		log.Warnf("LevelDB at %s is corrupted, recovering", path)
		db, err = leveldb.RecoverFile(path, nil)
	}

	if err != nil {
		return nil, err
	}

	log.Infof("Opened LevelDB at %s", path)

	return db, nil
}

func (l *levelDB) Path() string {
	return l.path
}

func (l *levelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
