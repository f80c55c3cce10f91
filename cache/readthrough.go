package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cadenzahq/offline/scope"
	"github.com/cadenzahq/offline/transport"
)

// DefaultFreshness is the advisory TTL hint recorded for log/diagnostic
// purposes. Stale hits are still served; availability wins over freshness on
// this system's read paths.
const DefaultFreshness = 5 * time.Minute

var errOffline = errors.New("offline and no cached entry")

// Options controls one Get call.
type Options struct {
	// ForceRefresh skips the lookup and overwrites any existing entry.
	ForceRefresh bool
	// NoStore, combined with ForceRefresh, makes the pass delete-only:
	// the existing entry is removed and the fresh response is not cached.
	NoStore bool
}

// OptionsFromHeader maps the reserved manual-refresh request header onto
// Options: Cache-Control: no-cache forces a refresh, no-store additionally
// suppresses re-caching.
func OptionsFromHeader(h http.Header) Options {
	cc := strings.ToLower(h.Get("Cache-Control"))
	return Options{
		ForceRefresh: strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store"),
		NoStore:      strings.Contains(cc, "no-store"),
	}
}

// ReadThrough wraps idempotent reads: a hit returns the stored payload with
// no network call; a miss performs the GET and stores the result under the
// current identity scope.
type ReadThrough struct {
	store  Store
	client *transport.Client
	scopes *scope.Resolver
	online func() bool
	fresh  time.Duration
	log    zerolog.Logger
}

type ReadThroughOption func(*ReadThrough)

// WithOnline wires the network-state monitor's boolean in. When it reports
// offline, a miss short-circuits to a transport error instead of attempting
// the request.
func WithOnline(fn func() bool) ReadThroughOption {
	return func(rt *ReadThrough) { rt.online = fn }
}

func WithFreshness(d time.Duration) ReadThroughOption {
	return func(rt *ReadThrough) { rt.fresh = d }
}

func WithLogger(l zerolog.Logger) ReadThroughOption {
	return func(rt *ReadThrough) { rt.log = l }
}

// NewReadThrough builds the read path. store may be nil when local storage is
// disabled entirely; every read then degrades to a direct network call.
func NewReadThrough(store Store, client *transport.Client, scopes *scope.Resolver, opts ...ReadThroughOption) *ReadThrough {
	rt := &ReadThrough{
		store:  store,
		client: client,
		scopes: scopes,
		fresh:  DefaultFreshness,
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(rt)
	}
	return rt
}

// Get performs a read-through GET. The returned bytes are either a prior
// successful response stored under the current identity scope, or a fresh
// network response. A 404 comes back as (nil, nil) and is never cached.
func (rt *ReadThrough) Get(ctx context.Context, rawurl string, query url.Values, opt Options) ([]byte, error) {
	sc := rt.scopes.Current()
	key := Key(rawurl, query, sc)

	if !opt.ForceRefresh && rt.store != nil {
		if e, ok := rt.store.Read(key); ok {
			rt.log.Debug().
				Str("key", key).
				Bool("fresh", e.FreshWithin(rt.fresh)).
				Msg("cache hit")
			return e.Body, nil
		}
	}

	if rt.online != nil && !rt.online() {
		return nil, &transport.Error{Kind: transport.KindTransport, URL: rawurl, Err: errOffline}
	}

	body, err := rt.client.Get(ctx, rawurl, query, nil)
	if err != nil {
		return nil, err
	}
	if body == nil {
		// 404: valid empty result, not cached.
		return nil, nil
	}

	if rt.store == nil {
		return body, nil
	}
	if opt.NoStore {
		if err := rt.store.Delete(key); err != nil {
			rt.log.Warn().Str("key", key).Err(err).Msg("cache delete failed")
		}
		return body, nil
	}
	if err := rt.store.Write(key, &Entry{Scope: sc, Body: body}); err != nil {
		// Storage unavailable degrades to passthrough: the caller still
		// gets the response, it just is not persisted.
		rt.log.Warn().Str("key", key).Err(err).Msg("cache write failed, serving uncached")
	}
	return body, nil
}
