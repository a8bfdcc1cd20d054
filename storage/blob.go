package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blang/semver"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
	"gocloud.dev/gcp"

	"github.com/dokempf/CebraEM/cebra"
)

// LockDir is the directory, relative to a local store root, holding lock files.
const LockDir = ".locks"

func init() {
	ver, err := semver.Make("0.2.0")
	if err != nil {
		cebra.Errorf("Unable to make semver in blob engine: %v\n", err)
	}
	RegisterEngine(blobEngine{"blob", "gocloud blob buckets (local, memory, gcs)", ver})
}

type blobEngine struct {
	name   string
	desc   string
	semver semver.Version
}

func (e blobEngine) GetName() string {
	return e.name
}

func (e blobEngine) GetDescription() string {
	return e.desc
}

func (e blobEngine) GetSemVer() semver.Version {
	return e.semver
}

func (e blobEngine) Schemes() []string {
	return []string{"file", "mem", "gs"}
}

func (e blobEngine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

// memory buckets live for the life of the process so separate opens see the same data.
var (
	memMu      sync.Mutex
	memBuckets = make(map[string]*memBucket)
)

type memBucket struct {
	bucket *blob.Bucket
	locks  *localLocks
}

// ResetMemory discards all in-memory buckets.
func ResetMemory() {
	memMu.Lock()
	defer memMu.Unlock()
	for _, mb := range memBuckets {
		mb.bucket.Close()
	}
	memBuckets = make(map[string]*memBucket)
}

// dirLocks shares local locks between stores opened on the same directory.
var (
	dirLocksMu sync.Mutex
	dirLocks   = make(map[string]*localLocks)
)

func localLocksFor(dir string) *localLocks {
	dirLocksMu.Lock()
	defer dirLocksMu.Unlock()
	l, found := dirLocks[dir]
	if !found {
		l = newLocalLocks()
		dirLocks[dir] = l
	}
	return l
}

func localPath(ref string) (string, error) {
	if !strings.HasPrefix(ref, "file://") {
		return filepath.Abs(ref)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return filepath.Abs(filepath.Join(u.Host, u.Path))
}

func (e blobEngine) NewStore(ctx context.Context, ref string, create bool) (Store, error) {
	switch Scheme(ref) {
	case "mem":
		name := strings.TrimPrefix(ref, "mem://")
		memMu.Lock()
		defer memMu.Unlock()
		mb, found := memBuckets[name]
		if !found {
			if !create {
				return nil, fmt.Errorf("%w: no memory store %q", cebra.ErrDatasetUnavailable, name)
			}
			mb = &memBucket{bucket: memblob.OpenBucket(nil), locks: newLocalLocks()}
			memBuckets[name] = mb
		}
		return &blobStore{ref: ref, bucket: mb.bucket, locks: mb.locks, shared: true}, nil

	case "gs":
		return openGCS(ctx, ref)

	default:
		dir, err := localPath(ref)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if !create {
				return nil, fmt.Errorf("%w: no directory at %s", cebra.ErrDatasetUnavailable, dir)
			}
			cebra.Infof("Store not already at path (%s). Creating directory...\n", dir)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("can't make directory at %s: %v", dir, err)
			}
		}
		bucket, err := fileblob.OpenBucket(dir, nil)
		if err != nil {
			return nil, err
		}
		return &blobStore{ref: dir, bucket: bucket, dir: dir, locks: localLocksFor(dir)}, nil
	}
}

func openGCS(ctx context.Context, ref string) (Store, error) {
	rest := strings.TrimPrefix(ref, "gs://")
	parts := strings.SplitN(rest, "/", 2)
	creds, err := gcp.DefaultCredentials(ctx)
	if err != nil {
		return nil, err
	}
	client, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
	if err != nil {
		return nil, err
	}
	bucket, err := gcsblob.OpenBucket(ctx, client, parts[0], nil)
	if err != nil {
		cebra.Errorf("Can't open bucket reference @ %q: %v\n", ref, err)
		return nil, err
	}
	if len(parts) == 2 && parts[1] != "" {
		bucket = blob.PrefixedBucket(bucket, strings.TrimSuffix(parts[1], "/")+"/")
	}
	return &blobStore{ref: ref, bucket: bucket}, nil
}

// blobStore is a Store over a gocloud bucket.  Writes of whole objects are atomic for the
// file and gcs drivers.
type blobStore struct {
	ref    string
	bucket *blob.Bucket
	dir    string // set for local stores
	locks  *localLocks
	shared bool // bucket outlives the store
}

func (s *blobStore) String() string {
	return fmt.Sprintf("blob store @ %s", s.ref)
}

func (s *blobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, nil
		}
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *blobStore) Put(ctx context.Context, key string, value []byte) error {
	return s.bucket.WriteAll(ctx, key, value, nil)
}

func (s *blobStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

func (s *blobStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if obj.IsDir || strings.HasPrefix(obj.Key, LockDir+"/") {
			continue
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *blobStore) Locker(name string) (Locker, error) {
	if s.locks == nil {
		return nil, fmt.Errorf("%w: %s", cebra.ErrLockUnsupported, s)
	}
	local := s.locks.get(name)
	if s.dir == "" {
		return local, nil
	}
	return newFileLock(local, filepath.Join(s.dir, LockDir), name), nil
}

func (s *blobStore) Close() error {
	if s.shared {
		return nil
	}
	return s.bucket.Close()
}
