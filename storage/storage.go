/*
	Package storage provides a small key-value interface over the backends that can hold
	a pyramid: local directories and in-memory buckets through gocloud blob, Google Cloud
	Storage buckets, and Badger databases.  Engines register themselves by URL scheme and
	stores are opened by reference:

		/path/to/dir  or  file:///path/to/dir    local directory (blob, file locks)
		mem://name                               process-local bucket (tests)
		gs://bucket/prefix                       Google Cloud Storage (no locks)
		badger:///path/to/db                     Badger database (requires storage/badger)

	Values are opaque []byte; serialization happens above this level.
*/
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blang/semver"

	"github.com/dokempf/CebraEM/cebra"
)

// Store is a flat key-value namespace.  Get returns a nil slice and nil error for a
// missing key.  Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix in lexicographic order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Locker returns a named advisory lock shared by every process using the store.
	// Stores that cannot provide one return cebra.ErrLockUnsupported.
	Locker(name string) (Locker, error)

	Close() error
	String() string
}

// Locker is an exclusive lock that can be abandoned through its context.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock() error
}

// Engine opens stores for one or more URL schemes.
type Engine interface {
	GetName() string
	GetDescription() string
	GetSemVer() semver.Version

	// Schemes returns the URL schemes handled, without "://".
	Schemes() []string

	// NewStore opens the store at ref, creating it if allowed and necessary.
	NewStore(ctx context.Context, ref string, create bool) (Store, error)

	fmt.Stringer
}

var (
	enginesMu       sync.RWMutex
	availEngines    = make(map[string]Engine)
	enginesByScheme = make(map[string]Engine)
)

// RegisterEngine registers an Engine for its schemes.  Re-registering a scheme replaces
// the previous engine.
func RegisterEngine(e Engine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	availEngines[e.GetName()] = e
	for _, scheme := range e.Schemes() {
		enginesByScheme[scheme] = e
	}
}

// GetEngine returns an Engine of the given name.
func GetEngine(name string) Engine {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	return availEngines[name]
}

// EnginesAvailable returns a description of the available storage engines.
func EnginesAvailable() string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	var engines []string
	for _, e := range availEngines {
		engines = append(engines, e.String())
	}
	sort.Strings(engines)
	return strings.Join(engines, "; ")
}

// Scheme returns the scheme of a store reference, "file" for plain paths.
func Scheme(ref string) string {
	if i := strings.Index(ref, "://"); i > 0 {
		return ref[:i]
	}
	return "file"
}

// Open returns the store for a reference.  If create is false and nothing exists at the
// reference, the returned error wraps cebra.ErrDatasetUnavailable.
func Open(ctx context.Context, ref string, create bool) (Store, error) {
	scheme := Scheme(ref)
	enginesMu.RLock()
	e, found := enginesByScheme[scheme]
	enginesMu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: no storage engine for scheme %q in %q", cebra.ErrDatasetUnavailable, scheme, ref)
	}
	store, err := e.NewStore(ctx, ref, create)
	if err != nil {
		return nil, err
	}
	cebra.Debugf("Opened %s using engine %s\n", store, e)
	return store, nil
}

// WithLock runs fn while holding the named lock of the store.  The lock is released even
// if fn panics.
func WithLock(ctx context.Context, s Store, name string, fn func() error) (err error) {
	locker, err := s.Locker(name)
	if err != nil {
		return err
	}
	if err := locker.Lock(ctx); err != nil {
		return fmt.Errorf("unable to acquire lock %q on %s: %w", name, s, err)
	}
	defer func() {
		if unlockErr := locker.Unlock(); unlockErr != nil && err == nil {
			err = fmt.Errorf("unable to release lock %q on %s: %w", name, s, unlockErr)
		}
	}()
	return fn()
}

// Exists returns true if a key is present.
func Exists(ctx context.Context, s Store, key string) (bool, error) {
	value, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return value != nil, nil
}
