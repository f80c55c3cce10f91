// Package session persists the identity markers the invalidation controller
// reacts to (credential, app build version, last successful login) and owns
// the decision of when the cache namespace must be swept.
package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/cadenzahq/offline/transport"
)

// DefaultLoginMaxAge is the security-hygiene window: a login after this much
// silence sweeps the cache even when nothing else changed.
const DefaultLoginMaxAge = 7 * 24 * time.Hour

// ErrNoCredential is returned by Token when nobody is logged in.
var ErrNoCredential = errors.New("session: no credential stored")

// Markers are the persisted bits consumed at login time.
type Markers struct {
	Credential string    `json:"credential,omitempty"`
	AppVersion string    `json:"app_version,omitempty"`
	LastLogin  time.Time `json:"last_login,omitempty"`
}

// Store keeps the markers in one JSON file, written atomically.
type Store struct {
	path string
	log  zerolog.Logger
	mu   sync.Mutex
}

type StoreOption func(*Store)

func WithStoreLogger(l zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = l }
}

func OpenStore(baseDir string, opts ...StoreOption) *Store {
	s := &Store{
		path: filepath.Join(baseDir, "session.json"),
		log:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) load() Markers {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return Markers{}
	}
	var m Markers
	if err := json.Unmarshal(b, &m); err != nil {
		s.log.Warn().Err(err).Msg("unreadable session markers, starting clean")
		return Markers{}
	}
	return m
}

func (s *Store) save(m Markers) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Markers returns the current persisted markers.
func (s *Store) Markers() Markers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Token implements oauth2.TokenSource over the stored credential, which is
// what the identity scope resolver consumes.
func (s *Store) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	m := s.load()
	s.mu.Unlock()
	if m.Credential == "" {
		return nil, ErrNoCredential
	}
	return &oauth2.Token{AccessToken: m.Credential}, nil
}

// Wiper is the one cache operation the controller needs.
type Wiper interface {
	Wipe() error
}

// Controller decides when the whole cache namespace is invalidated: logout,
// login under a changed identity or build version, a login after too long a
// gap, or an auth-critical request failure. All triggers are caller-driven;
// there are no internal timers.
type Controller struct {
	store   *Store
	cache   Wiper
	version string
	maxAge  time.Duration
	log     zerolog.Logger
}

type ControllerOption func(*Controller)

func WithLoginMaxAge(d time.Duration) ControllerOption {
	return func(c *Controller) { c.maxAge = d }
}

func WithControllerLogger(l zerolog.Logger) ControllerOption {
	return func(c *Controller) { c.log = l }
}

func NewController(store *Store, cache Wiper, appVersion string, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:   store,
		cache:   cache,
		version: appVersion,
		maxAge:  DefaultLoginMaxAge,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// InvalidateAll wipes every cached entry regardless of scope. Safe to call on
// an empty or partially-populated cache.
func (c *Controller) InvalidateAll() error {
	if c.cache == nil {
		return nil
	}
	if err := c.cache.Wipe(); err != nil {
		return transport.StorageError("invalidate all", err)
	}
	c.log.Info().Msg("cache namespace invalidated")
	return nil
}

// Login records a successful login, sweeping the cache first when the
// identity changed, the build version marker drifted, or the previous login
// is older than the hygiene window. Returns whether a sweep happened.
func (c *Controller) Login(credential string) (bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	prev := c.store.load()

	wipe := false
	switch {
	case prev.Credential != "" && prev.Credential != credential:
		c.log.Info().Msg("login under new identity, sweeping cache")
		wipe = true
	case prev.AppVersion != "" && prev.AppVersion != c.version:
		c.log.Info().Str("from", prev.AppVersion).Str("to", c.version).Msg("app version changed, sweeping cache")
		wipe = true
	case !prev.LastLogin.IsZero() && time.Since(prev.LastLogin) > c.maxAge:
		c.log.Info().Time("last_login", prev.LastLogin).Msg("stale login, sweeping cache")
		wipe = true
	}
	if wipe {
		if err := c.InvalidateAll(); err != nil {
			return false, err
		}
	}

	err := c.store.save(Markers{
		Credential: credential,
		AppVersion: c.version,
		LastLogin:  time.Now(),
	})
	return wipe, err
}

// Logout clears the credential (scope falls back to anonymous) and wipes the
// whole namespace: with no known owner left, no leftover entry can be
// disambiguated.
func (c *Controller) Logout() error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	prev := c.store.load()
	if err := c.InvalidateAll(); err != nil {
		return err
	}
	return c.store.save(Markers{
		AppVersion: prev.AppVersion,
		LastLogin:  prev.LastLogin,
	})
}

// HandleError tears the session down when err is auth-critical: credential
// cleared, cache swept. Reports whether it acted.
func (c *Controller) HandleError(err error) bool {
	if err == nil || transport.KindOf(err) != transport.KindAuthCritical {
		return false
	}
	c.log.Warn().Err(err).Msg("auth-critical failure, tearing down session")
	if err := c.Logout(); err != nil {
		c.log.Error().Err(err).Msg("session teardown failed")
	}
	return true
}
