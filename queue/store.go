// Package queue holds write operations made while offline: a durable,
// insertion-ordered record store plus the syncer that replays it against the
// network when connectivity returns.
package queue

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cadenzahq/offline/transport"
)

const (
	// DBName is the on-disk name of the record store.
	DBName = "cadenza-requests"
	// SchemaVersion is written into the store's marker file on first use.
	SchemaVersion = 1
)

// Write is one not-yet-delivered mutating request. ID is assigned at enqueue
// time and strictly increases, so ascending ID order is insertion order is
// delivery order. ClientID correlates delivery notifications with whatever
// optimistic state the caller created.
type Write struct {
	ID         uint64      `json:"id"`
	ClientID   string      `json:"client_id"`
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

type schemaMarker struct {
	Database string `json:"database"`
	Version  int    `json:"version"`
}

// Store persists queued writes, one JSON file per record, under
// baseDir/cadenza-requests. The directory and schema marker are created
// lazily on the first Enqueue; a record, once persisted, survives restarts
// until delivered or explicitly removed.
type Store struct {
	dir string
	log zerolog.Logger

	mu     sync.Mutex
	nextID uint64
	ready  bool
}

type StoreOption func(*Store)

func WithStoreLogger(l zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = l }
}

// Open points a store at baseDir. Nothing touches the filesystem until the
// first enqueue.
func Open(baseDir string, opts ...StoreOption) *Store {
	s := &Store{
		dir: filepath.Join(baseDir, DBName),
		log: zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// init creates the store directory, writes the schema marker, and recovers
// the id counter from whatever records already exist. Caller holds s.mu.
func (s *Store) init() error {
	if s.ready {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	marker := filepath.Join(s.dir, "schema.json")
	if _, err := os.Stat(marker); os.IsNotExist(err) {
		b, _ := json.Marshal(schemaMarker{Database: DBName, Version: SchemaVersion})
		if err := os.WriteFile(marker, b, 0o600); err != nil {
			return err
		}
	}
	ids, err := s.recordIDs()
	if err != nil {
		return err
	}
	if n := len(ids); n > 0 {
		s.nextID = ids[n-1]
	}
	s.ready = true
	return nil
}

// Enqueue persists a new record and returns it. A failure here means the
// write was NOT safely queued and must be surfaced to the user.
func (s *Store) Enqueue(method, url string, header http.Header, body []byte) (Write, error) {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return Write{}, fmt.Errorf("enqueue: method %s is not a queueable write", method)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.init(); err != nil {
		return Write{}, transport.StorageError("queue init", err)
	}

	s.nextID++
	w := Write{
		ID:         s.nextID,
		ClientID:   uuid.NewString(),
		Method:     method,
		URL:        url,
		Header:     header,
		Body:       body,
		EnqueuedAt: time.Now(),
	}
	if err := s.persist(w); err != nil {
		s.nextID--
		return Write{}, transport.StorageError("queue enqueue", err)
	}
	s.log.Debug().Uint64("id", w.ID).Str("method", method).Str("url", url).Msg("write queued")
	return w, nil
}

func (s *Store) persist(w Write) error {
	b, err := json.Marshal(w)
	if err != nil {
		return err
	}
	fp := s.recordPath(w.ID)
	tmp := fp + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, fp)
}

// Drain re-reads the persisted records in ascending id order. Each call is a
// fresh snapshot of current state, so a partially-replayed queue can be
// drained again from whatever remains.
func (s *Store) Drain() ([]Write, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.recordIDs()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, transport.StorageError("queue drain", err)
	}

	out := make([]Write, 0, len(ids))
	for _, id := range ids {
		b, err := os.ReadFile(s.recordPath(id))
		if err != nil {
			if os.IsNotExist(err) {
				continue // removed concurrently
			}
			return nil, transport.StorageError("queue drain", err)
		}
		var w Write
		if err := json.Unmarshal(b, &w); err != nil {
			// Corrupt record: skip but leave it on disk rather than
			// silently dropping a write.
			s.log.Error().Uint64("id", id).Err(err).Msg("undecodable queued write")
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// Remove deletes a record after successful delivery, or as an explicit
// caller-driven discard of a write that can never succeed.
func (s *Store) Remove(id uint64) error {
	if err := os.Remove(s.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return transport.StorageError("queue remove", err)
	}
	return nil
}

// Len reports how many writes are pending.
func (s *Store) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.recordIDs()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, transport.StorageError("queue len", err)
	}
	return len(ids), nil
}

func (s *Store) recordPath(id uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%08d.json", id))
}

// recordIDs returns the ids of all persisted records in ascending order.
func (s *Store) recordIDs() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || name == "schema.json" {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
