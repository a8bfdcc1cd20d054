/*
	Package badger registers a storage engine for Badger databases under the badger://
	scheme.  A database directory can only be opened by one process at a time, so locks
	handed out by these stores are process local.
*/
package badger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver"
	"github.com/dgraph-io/badger/v3"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/storage"
)

// SyncPeriod is how often buffered writes are synced to disk.
var SyncPeriod = 30 * time.Second

func init() {
	ver, err := semver.Make("0.2.0")
	if err != nil {
		cebra.Errorf("Unable to make semver in badger: %v\n", err)
	}
	e := &Engine{name: "badger", desc: "BadgerDB", semver: ver, open: make(map[string]*BadgerDB)}
	storage.RegisterEngine(e)
}

// --- Engine Implementation ------

type Engine struct {
	name   string
	desc   string
	semver semver.Version

	mu   sync.Mutex
	open map[string]*BadgerDB
}

func (e *Engine) GetName() string {
	return e.name
}

func (e *Engine) GetDescription() string {
	return e.desc
}

func (e *Engine) GetSemVer() semver.Version {
	return e.semver
}

func (e *Engine) Schemes() []string {
	return []string{"badger"}
}

func (e *Engine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

// NewStore returns a badger store for a reference badger:///path.  Opening a path that is
// already open in this process returns a handle on the same database.
func (e *Engine) NewStore(ctx context.Context, ref string, create bool) (storage.Store, error) {
	path := strings.TrimPrefix(ref, "badger://")
	if path == "" {
		return nil, fmt.Errorf("badger reference %q has no path", ref)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, found := e.open[path]; found {
		db.refs++
		return &handle{BadgerDB: db, engine: e}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if !create {
			return nil, fmt.Errorf("%w: no badger database at %s", cebra.ErrDatasetUnavailable, path)
		}
		cebra.Infof("Database not already at path (%s). Creating directory...\n", path)
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("can't make directory at %s: %v", path, err)
		}
	}
	opts := badger.DefaultOptions(path).
		WithNumVersionsToKeep(1).
		WithSyncWrites(false).
		WithLogger(logger{})

	cebra.Infof("Opening badger @ path %s\n", path)
	bdp, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	db := &BadgerDB{
		directory:  path,
		bdp:        bdp,
		locks:      make(map[string]chan struct{}),
		stopSyncCh: make(chan struct{}),
		refs:       1,
	}
	go syncPeriodically(db)
	e.open[path] = db
	return &handle{BadgerDB: db, engine: e}, nil
}

func (e *Engine) release(db *BadgerDB) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	db.refs--
	if db.refs > 0 {
		return nil
	}
	delete(e.open, db.directory)
	close(db.stopSyncCh)
	err := db.bdp.Close()
	cebra.Infof("Closed Badger DB @ %s\n", db.directory)
	return err
}

// Periodically sync to prevent too many writes from being buffered if the process crashes.
func syncPeriodically(db *BadgerDB) {
	ticker := time.NewTicker(SyncPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-db.stopSyncCh:
			cebra.Debugf("Stopping sync goroutine for badger @ %s\n", db.directory)
			return
		case <-ticker.C:
			if err := db.bdp.Sync(); err != nil {
				cebra.Errorf("Sync of badger @ %s failed: %v\n", db.directory, err)
			}
		}
	}
}

// BadgerDB is an open database shared by all handles on its directory.
type BadgerDB struct {
	directory string
	bdp       *badger.DB

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	stopSyncCh chan struct{}
	refs       int
}

// handle is one opened reference to a BadgerDB.
type handle struct {
	*BadgerDB
	engine *Engine
	once   sync.Once
}

func (h *handle) String() string {
	return fmt.Sprintf("badger @ %s", h.directory)
}

func (h *handle) Close() error {
	var err error
	h.once.Do(func() {
		err = h.engine.release(h.BadgerDB)
	})
	return err
}

func (db *BadgerDB) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := db.bdp.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		if err == nil && value == nil {
			value = []byte{}
		}
		return err
	})
	return value, err
}

func (db *BadgerDB) Put(ctx context.Context, key string, value []byte) error {
	return db.bdp.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (db *BadgerDB) Delete(ctx context.Context, key string) error {
	return db.bdp.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (db *BadgerDB) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := db.bdp.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

func (db *BadgerDB) Locker(name string) (storage.Locker, error) {
	db.locksMu.Lock()
	defer db.locksMu.Unlock()
	ch, found := db.locks[name]
	if !found {
		ch = make(chan struct{}, 1)
		db.locks[name] = ch
	}
	return chanLocker(ch), nil
}

type chanLocker chan struct{}

func (c chanLocker) Lock(ctx context.Context) error {
	select {
	case c <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c chanLocker) Unlock() error {
	select {
	case <-c:
		return nil
	default:
		return fmt.Errorf("unlock of unlocked badger lock")
	}
}

// logger routes badger's logging through the cebra logger.
type logger struct{}

func (logger) Errorf(format string, args ...interface{}) {
	cebra.Errorf("badger: "+format, args...)
}

func (logger) Warningf(format string, args ...interface{}) {
	cebra.Warningf("badger: "+format, args...)
}

func (logger) Infof(format string, args ...interface{}) {
	cebra.Debugf("badger: "+format, args...)
}

func (logger) Debugf(format string, args ...interface{}) {
	cebra.Debugf("badger: "+format, args...)
}
