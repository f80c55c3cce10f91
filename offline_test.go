package offline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/offline/cache"
	"github.com/cadenzahq/offline/transport"
)

// apiServer fakes the remote API: GET /api/user plus a write recorder.
type apiServer struct {
	srv *httptest.Server

	gets   atomic.Int64
	mu     sync.Mutex
	writes []string // "METHOD path body"
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()
	a := &apiServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/user", func(w http.ResponseWriter, r *http.Request) {
		a.gets.Add(1)
		_, _ = w.Write([]byte(`{"name":"ada","plan":"pro"}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		a.mu.Lock()
		a.writes = append(a.writes, r.Method+" "+r.URL.Path+" "+string(body))
		a.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

func (a *apiServer) recordedWrites() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.writes...)
}

func newTestLayer(t *testing.T, api *apiServer, online *atomic.Bool) *Layer {
	t.Helper()
	layer, err := New(Settings{
		BaseURL:    api.srv.URL,
		DataDir:    t.TempDir(),
		AppVersion: "1.0.0",
		Probe:      online.Load,
	})
	require.NoError(t, err)
	return layer
}

func TestOfflineScenario(t *testing.T) {
	api := newAPIServer(t)
	var online atomic.Bool // starts offline
	layer := newTestLayer(t, api, &online)
	ctx := context.Background()

	// Offline, nothing cached: the read fails with a transport error and
	// no request is attempted.
	_, err := layer.Get(ctx, "/api/user", nil, cache.Options{})
	require.Error(t, err)
	require.True(t, transport.IsOffline(err))
	require.EqualValues(t, 0, api.gets.Load())

	// Online: the read succeeds and is cached.
	layer.SetOnline(true)
	body, err := layer.Get(ctx, "/api/user", nil, cache.Options{})
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"ada","plan":"pro"}`, string(body))
	require.EqualValues(t, 1, api.gets.Load())

	// Offline again: the same read serves the cached JSON with no network
	// attempt.
	layer.SetOnline(false)
	cached, err := layer.Get(ctx, "/api/user", nil, cache.Options{})
	require.NoError(t, err)
	require.Equal(t, string(body), string(cached))
	require.EqualValues(t, 1, api.gets.Load())

	// An offline write returns the explicit queued acknowledgment.
	res, err := layer.Do(ctx, http.MethodPost, "/api/users/fcm-token", nil, []byte(`{"fcmToken":"abc"}`))
	require.NoError(t, err)
	require.True(t, res.Offline)
	require.Equal(t, QueuedMessage, res.Message)
	require.NotZero(t, res.QueueID)
	pending, err := layer.Pending()
	require.NoError(t, err)
	require.Equal(t, 1, pending)
	require.Empty(t, api.recordedWrites())

	// Back online: the replay delivers that exact body to that exact URL
	// exactly once, then the store no longer contains it.
	layer.SetOnline(true)
	n, err := layer.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{`POST /api/users/fcm-token {"fcmToken":"abc"}`}, api.recordedWrites())
	pending, err = layer.Pending()
	require.NoError(t, err)
	require.Zero(t, pending)

	_, err = layer.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, api.recordedWrites(), 1)
}

func TestOnlineWriteReturnsServerBody(t *testing.T) {
	api := newAPIServer(t)
	var online atomic.Bool
	online.Store(true)
	layer := newTestLayer(t, api, &online)

	res, err := layer.Do(context.Background(), http.MethodPut, "/api/invoices/7", nil, []byte(`{"total":12}`))
	require.NoError(t, err)
	require.False(t, res.Offline)
	require.JSONEq(t, `{"ok":true}`, string(res.Body))
	pending, err := layer.Pending()
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestWriteQueuedWhenMonitorIsWrong(t *testing.T) {
	api := newAPIServer(t)
	var online atomic.Bool
	online.Store(true)
	layer := newTestLayer(t, api, &online)

	// The monitor says online but the server is gone: the write must land
	// in the queue, not be lost.
	api.srv.Close()
	res, err := layer.Do(context.Background(), http.MethodPost, "/api/polls", nil, []byte(`{"q":"?"}`))
	require.NoError(t, err)
	require.True(t, res.Offline)
	require.False(t, layer.Online(), "discovered offline state should be recorded")
	pending, err := layer.Pending()
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestAuthCriticalDuringReplayTearsDownSession(t *testing.T) {
	gets := new(atomic.Int64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
			_, _ = w.Write([]byte(`{"name":"ada"}`))
			return
		}
		http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	var online atomic.Bool
	online.Store(true)
	layer, err := New(Settings{
		BaseURL:    srv.URL,
		DataDir:    t.TempDir(),
		AppVersion: "1.0.0",
		Probe:      online.Load,
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = layer.Login("token-user-a")
	require.NoError(t, err)
	_, err = layer.Get(ctx, "/api/user", nil, cache.Options{})
	require.NoError(t, err)
	require.EqualValues(t, 1, gets.Load())

	layer.SetOnline(false)
	res, err := layer.Do(ctx, http.MethodPost, "/api/polls", nil, []byte(`{"q":"?"}`))
	require.NoError(t, err)
	require.True(t, res.Offline)

	// The replayed write comes back 401: the credential must be cleared
	// and the cache swept, same as an auth-critical foreground failure.
	layer.SetOnline(true)
	_, err = layer.Replay(ctx)
	require.Error(t, err)
	require.Equal(t, transport.KindAuthCritical, transport.KindOf(err))

	_, err = layer.Session().Token()
	require.Error(t, err)

	_, err = layer.Get(ctx, "/api/user", nil, cache.Options{})
	require.NoError(t, err)
	require.EqualValues(t, 2, gets.Load(), "cached entry should not have survived the sweep")
}

func TestInvalidationSweep(t *testing.T) {
	api := newAPIServer(t)
	var online atomic.Bool
	online.Store(true)
	layer := newTestLayer(t, api, &online)
	ctx := context.Background()

	_, err := layer.Get(ctx, "/api/user", nil, cache.Options{})
	require.NoError(t, err)
	require.EqualValues(t, 1, api.gets.Load())

	require.NoError(t, layer.InvalidateAll())

	// Previously-cached key misses; the next read goes to the network.
	_, err = layer.Get(ctx, "/api/user", nil, cache.Options{})
	require.NoError(t, err)
	require.EqualValues(t, 2, api.gets.Load())
}

func TestLoginLogoutScoping(t *testing.T) {
	api := newAPIServer(t)
	var online atomic.Bool
	online.Store(true)
	layer := newTestLayer(t, api, &online)
	ctx := context.Background()

	_, err := layer.Login("token-user-a")
	require.NoError(t, err)
	_, err = layer.Get(ctx, "/api/user", nil, cache.Options{})
	require.NoError(t, err)
	require.EqualValues(t, 1, api.gets.Load())

	// New identity: even before any sweep could matter, the scoped key
	// guarantees a miss, and the login sweep wipes A's entries anyway.
	swept, err := layer.Login("token-user-b")
	require.NoError(t, err)
	require.True(t, swept)
	_, err = layer.Get(ctx, "/api/user", nil, cache.Options{})
	require.NoError(t, err)
	require.EqualValues(t, 2, api.gets.Load())

	// Logout drops to the anonymous scope and wipes the namespace.
	require.NoError(t, layer.Logout())
	_, err = layer.Get(ctx, "/api/user", nil, cache.Options{})
	require.NoError(t, err)
	require.EqualValues(t, 3, api.gets.Load())
}

func TestForceRefreshHeaderPath(t *testing.T) {
	api := newAPIServer(t)
	var online atomic.Bool
	online.Store(true)
	layer := newTestLayer(t, api, &online)
	ctx := context.Background()

	_, err := layer.Get(ctx, "/api/user", nil, cache.Options{})
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Cache-Control", "no-cache")
	_, err = layer.Get(ctx, "/api/user", nil, cache.OptionsFromHeader(h))
	require.NoError(t, err)
	require.EqualValues(t, 2, api.gets.Load())
}
