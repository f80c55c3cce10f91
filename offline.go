// Package offline is a client-resident request cache and write-sync layer
// between application code and a remote HTTP API. Reads are served through an
// identity-scoped cache so the app keeps working when the network is degraded;
// writes issued while offline land in a durable queue and are replayed, in
// order, when connectivity returns. All state is held in one explicitly
// constructed Layer passed to callers, never in package-level singletons.
package offline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/cadenzahq/offline/cache"
	"github.com/cadenzahq/offline/netmon"
	"github.com/cadenzahq/offline/queue"
	"github.com/cadenzahq/offline/scope"
	"github.com/cadenzahq/offline/session"
	"github.com/cadenzahq/offline/transport"
)

// QueuedMessage is the acknowledgment text for a write accepted into the
// offline queue. The UI must show this instead of a generic success: the
// write has not reached the server yet.
const QueuedMessage = "saved, will send when back online"

// Settings configures a Layer. Zero values fall back to the package defaults
// noted per field.
type Settings struct {
	// BaseURL is the remote API base. Required.
	BaseURL string
	// DataDir roots the cache bucket, queue store and session markers.
	// Required.
	DataDir string
	// Bucket overrides the cache namespace (default cache.DefaultBucket).
	Bucket string
	// Freshness is the advisory TTL hint (default cache.DefaultFreshness).
	Freshness time.Duration
	// PollInterval paces the network monitor re-check (default
	// netmon.DefaultPollInterval).
	PollInterval time.Duration
	// RetryInterval paces the built-in background-sync scheduler when no
	// custom Wake is supplied (default 30s).
	RetryInterval time.Duration
	// LoginMaxAge is the hygiene window for login-time sweeps (default
	// session.DefaultLoginMaxAge).
	LoginMaxAge time.Duration
	// AppVersion is the running build's version marker.
	AppVersion string

	// HTTPClient overrides the transport (default http.DefaultClient).
	HTTPClient *http.Client
	// Probe overrides the platform connectivity primitive.
	Probe netmon.Probe
	// Wake overrides the background-sync facility.
	Wake queue.WakeScheduler
	// Logger is used by every component (default no-op).
	Logger zerolog.Logger
}

// WriteResult is what the write path hands back: either the server's response
// body, or an explicit offline acknowledgment for a queued write.
type WriteResult struct {
	Offline  bool            `json:"offline"`
	Message  string          `json:"message,omitempty"`
	QueueID  uint64          `json:"queue_id,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// Layer ties the components together. Construct one at process start and pass
// it by reference; every collaborator is swappable through Settings.
type Layer struct {
	client   *transport.Client
	reads    *cache.ReadThrough
	blob     cache.Store
	writes   *queue.Store
	syncer   *queue.Syncer
	monitor  *netmon.Monitor
	sessions *session.Store
	control  *session.Controller
	ticker   *queue.TickerScheduler // nil when a custom Wake was supplied
	log      zerolog.Logger
}

// New builds a Layer. A failure to open the cache bucket is not fatal: reads
// degrade to direct network passthrough without persistence.
func New(st Settings) (*Layer, error) {
	log := st.Logger

	client, err := transport.New(st.BaseURL,
		transport.WithHTTPClient(orDefault(st.HTTPClient)),
		transport.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	sessions := session.OpenStore(st.DataDir, session.WithStoreLogger(log))
	scopes := scope.NewResolver(sessions)

	var blob cache.Store
	if fs, err := cache.NewFileStore(st.DataDir, st.Bucket, cache.WithStoreLogger(log)); err != nil {
		log.Warn().Err(err).Msg("cache storage unavailable, reads will not persist")
	} else {
		blob = fs
	}

	monitorOpts := []netmon.Option{netmon.WithLogger(log)}
	if st.PollInterval > 0 {
		monitorOpts = append(monitorOpts, netmon.WithPollInterval(st.PollInterval))
	}
	monitor := netmon.New(st.Probe, monitorOpts...)

	readOpts := []cache.ReadThroughOption{
		cache.WithOnline(monitor.IsOnline),
		cache.WithLogger(log),
	}
	if st.Freshness > 0 {
		readOpts = append(readOpts, cache.WithFreshness(st.Freshness))
	}
	reads := cache.NewReadThrough(blob, client, scopes, readOpts...)

	writes := queue.Open(st.DataDir, queue.WithStoreLogger(log))

	wake := st.Wake
	var ticker *queue.TickerScheduler
	if wake == nil {
		retry := st.RetryInterval
		if retry <= 0 {
			retry = 30 * time.Second
		}
		ticker = queue.NewTickerScheduler(retry)
		wake = ticker
	}
	syncer := queue.NewSyncer(writes, client,
		queue.WithWakeScheduler(wake),
		queue.WithSyncLogger(log),
	)

	ctrlOpts := []session.ControllerOption{session.WithControllerLogger(log)}
	if st.LoginMaxAge > 0 {
		ctrlOpts = append(ctrlOpts, session.WithLoginMaxAge(st.LoginMaxAge))
	}
	var wiper session.Wiper
	if blob != nil {
		wiper = blob
	}
	control := session.NewController(sessions, wiper, st.AppVersion, ctrlOpts...)

	// An auth-critical failure discovered while draining the queue tears
	// the session down just like one on a foreground request.
	syncer.OnFailure(func(err error) { control.HandleError(err) })

	return &Layer{
		client:   client,
		reads:    reads,
		blob:     blob,
		writes:   writes,
		syncer:   syncer,
		monitor:  monitor,
		sessions: sessions,
		control:  control,
		ticker:   ticker,
		log:      log,
	}, nil
}

func orDefault(h *http.Client) *http.Client {
	if h == nil {
		return http.DefaultClient
	}
	return h
}

// Start launches the monitor poll loop, the replay loop and the built-in wake
// scheduler. They stop when ctx ends.
func (l *Layer) Start(ctx context.Context) {
	go l.monitor.Run(ctx)
	go l.syncer.Run(ctx, l.monitor.Changes())
	if l.ticker != nil {
		go l.ticker.Run(ctx)
	}
}

// Get performs a read-through GET. See cache.ReadThrough.Get for the
// semantics; an auth-critical failure additionally tears the session down
// before propagating.
func (l *Layer) Get(ctx context.Context, rawurl string, query url.Values, opt cache.Options) (json.RawMessage, error) {
	body, err := l.reads.Get(ctx, rawurl, query, opt)
	if err != nil {
		l.control.HandleError(err)
		return nil, err
	}
	return body, nil
}

// Do performs a mutating request. Online, the server response comes back in
// WriteResult.Body. Offline — per the monitor, or discovered when the request
// never reaches the server — the write is queued durably and an explicit
// offline acknowledgment is returned instead. A queueing failure propagates:
// the one unacceptable outcome is a silently lost write.
func (l *Layer) Do(ctx context.Context, method, rawurl string, header http.Header, body []byte) (*WriteResult, error) {
	if l.monitor.IsOnline() {
		resp, err := l.client.Do(ctx, method, rawurl, header, body)
		if err == nil {
			return &WriteResult{Body: resp}, nil
		}
		if !transport.IsOffline(err) {
			l.control.HandleError(err)
			return nil, err
		}
		// The monitor was wrong; fall through to the queue.
		l.monitor.SetOnline(false)
	}

	w, err := l.writes.Enqueue(method, rawurl, header, body)
	if err != nil {
		return nil, err
	}
	l.syncer.Arm()
	return &WriteResult{
		Offline:  true,
		Message:  QueuedMessage,
		QueueID:  w.ID,
		ClientID: w.ClientID,
	}, nil
}

// InvalidateAll wipes the entire cache namespace regardless of scope.
func (l *Layer) InvalidateAll() error { return l.control.InvalidateAll() }

// Login records a login, sweeping the cache when identity, build version or
// login age demand it.
func (l *Layer) Login(credential string) (swept bool, err error) {
	return l.control.Login(credential)
}

// Logout clears the credential and wipes the cache namespace.
func (l *Layer) Logout() error { return l.control.Logout() }

// Online reports the monitor's advisory state.
func (l *Layer) Online() bool { return l.monitor.IsOnline() }

// SetOnline feeds a platform connectivity event into the monitor.
func (l *Layer) SetOnline(online bool) { l.monitor.SetOnline(online) }

// Changes exposes the monitor's transition stream (for UI badges).
func (l *Layer) Changes() <-chan bool { return l.monitor.Changes() }

// Pending reports how many writes await replay.
func (l *Layer) Pending() (int, error) { return l.writes.Len() }

// Discard drops a queued write that can never succeed.
func (l *Layer) Discard(id uint64) error { return l.writes.Remove(id) }

// OnDelivered registers a callback fired for each queued write the replay
// delivers, so optimistic UI state can be reconciled deterministically.
func (l *Layer) OnDelivered(fn queue.DeliveredFunc) { l.syncer.OnDelivered(fn) }

// Replay forces a drain cycle immediately (pull-to-sync).
func (l *Layer) Replay(ctx context.Context) (int, error) { return l.syncer.Replay(ctx) }

// Session exposes the marker store, which doubles as the oauth2.TokenSource
// feeding the identity scope.
func (l *Layer) Session() *session.Store { return l.sessions }
