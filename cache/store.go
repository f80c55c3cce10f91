// Package cache implements the identity-scoped read-through cache: canonical
// key derivation, a durable blob store bucketed under a versioned namespace,
// and the read path that serves hits without a network round-trip.
package cache

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultBucket names the blob-store namespace. Bumping it is the hard
// cache-format migration mechanism: old buckets simply stop being read.
const DefaultBucket = "dynamic-v2"

// hotEntries is the size of the in-memory front over the file store.
const hotEntries = 256

// Entry is one cached read response. The key embeds the identity scope that
// was active at write time, so entries written under one scope are unreachable
// under any other.
type Entry struct {
	Key      string          `json:"key"`
	Scope    string          `json:"scope"`
	StoredAt time.Time       `json:"stored_at"`
	Body     json.RawMessage `json:"body"`
}

// FreshWithin reports whether the entry is younger than the given window.
// Advisory only: staleness never blocks a hit from being served.
func (e *Entry) FreshWithin(window time.Duration) bool {
	return window <= 0 || time.Since(e.StoredAt) <= window
}

// Store is the blob store the read-through cache writes into.
type Store interface {
	Read(key string) (*Entry, bool)
	Write(key string, e *Entry) error
	Delete(key string) error
	// Wipe removes every entry regardless of scope. Idempotent.
	Wipe() error
}

// FileStore keeps one JSON file per entry under baseDir/bucket, with an LRU
// front for hot keys. Writes go through a temp file and rename so a crash
// never leaves a torn entry.
type FileStore struct {
	dir string
	hot *lru.Cache[string, *Entry]
	log zerolog.Logger
}

type FileStoreOption func(*FileStore)

func WithStoreLogger(l zerolog.Logger) FileStoreOption {
	return func(fs *FileStore) { fs.log = l }
}

// NewFileStore opens (creating if needed) the bucket directory. An empty
// bucket name selects DefaultBucket.
func NewFileStore(baseDir, bucket string, opts ...FileStoreOption) (*FileStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	dir := filepath.Join(baseDir, bucket)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache bucket: %w", err)
	}
	hot, err := lru.New[string, *Entry](hotEntries)
	if err != nil {
		return nil, err
	}
	fs := &FileStore{dir: dir, hot: hot, log: zerolog.Nop()}
	for _, o := range opts {
		o(fs)
	}
	return fs, nil
}

// Read implements Store.
func (fs *FileStore) Read(key string) (*Entry, bool) {
	if e, ok := fs.hot.Get(key); ok {
		return e, true
	}
	b, err := os.ReadFile(fs.path(key))
	if err != nil {
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		fs.log.Debug().Str("key", key).Err(err).Msg("dropping undecodable cache entry")
		_ = os.Remove(fs.path(key))
		return nil, false
	}
	fs.hot.Add(key, &e)
	return &e, true
}

// Write implements Store.
func (fs *FileStore) Write(key string, e *Entry) error {
	e.Key = key
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	fp := fs.path(key)
	tmp := fp + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, fp); err != nil {
		return err
	}
	fs.hot.Add(key, e)
	return nil
}

// Delete implements Store.
func (fs *FileStore) Delete(key string) error {
	fs.hot.Remove(key)
	if err := os.Remove(fs.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Wipe implements Store: the whole bucket goes, whatever scope wrote into it.
func (fs *FileStore) Wipe() error {
	fs.hot.Purge()
	if err := os.RemoveAll(fs.dir); err != nil {
		return err
	}
	return os.MkdirAll(fs.dir, 0o700)
}

func (fs *FileStore) path(key string) string {
	return filepath.Join(fs.dir, fileName(key)+".json")
}

// fileName makes a key safe for use as a filename. Long keys collapse to a
// hash to stay under filesystem limits; shorter keys keep a readable
// sanitized form but carry a hash suffix so distinct keys that sanitize to
// the same string ("/a/b" vs "/a_b") never share a file.
func fileName(key string) string {
	sum := md5.Sum([]byte(key))
	if len(key) > 200 {
		return fmt.Sprintf("long_%x", sum)
	}
	unsafe := []string{"/", "\\", ":", "?", "&", "=", "#", "<", ">", "|", "*", "\"", " "}
	name := key
	for _, ch := range unsafe {
		name = strings.ReplaceAll(name, ch, "_")
	}
	return fmt.Sprintf("%s_%x", name, sum[:4])
}
