package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cadenzahq/offline/transport"
)

// SyncTag is the background-sync registration name armed whenever a write is
// queued while offline.
const SyncTag = "sync-post-requests"

// WakeScheduler is the platform background-sync facility: Register arms a
// wake-up under a tag, Wake delivers the tags when the platform decides to
// run deferred work.
type WakeScheduler interface {
	Register(tag string) error
	Wake() <-chan string
}

// TickerScheduler is the built-in WakeScheduler: a fixed-interval tick fires
// any armed registration. The registration is consumed by the wake-up and
// must be re-armed for another attempt, mirroring one-shot platform sync
// registrations.
type TickerScheduler struct {
	interval time.Duration
	ch       chan string

	mu     sync.Mutex
	armed  string
	closed bool
}

func NewTickerScheduler(interval time.Duration) *TickerScheduler {
	return &TickerScheduler{
		interval: interval,
		ch:       make(chan string, 1),
	}
}

// Register implements WakeScheduler.
func (t *TickerScheduler) Register(tag string) error {
	t.mu.Lock()
	t.armed = tag
	t.mu.Unlock()
	return nil
}

// Wake implements WakeScheduler.
func (t *TickerScheduler) Wake() <-chan string { return t.ch }

// Run ticks until the context ends.
func (t *TickerScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			tag := t.armed
			t.armed = ""
			t.mu.Unlock()
			if tag == "" {
				continue
			}
			select {
			case t.ch <- tag:
			default:
			}
		}
	}
}

// DeliveredFunc is notified after a queued write has been accepted by the
// server and removed from the store.
type DeliveredFunc func(Write)

// FailureFunc is notified with the classified error that ended a drain
// cycle, so the session layer can react to auth-critical failures discovered
// during replay the same way it does for foreground requests.
type FailureFunc func(error)

// Syncer drains the store against the network. Replay is strictly sequential
// in insertion order across the whole queue; a failure ends the cycle with
// the failed item (and everything behind it) still persisted for the next
// wake-up or reconnect.
type Syncer struct {
	store  *Store
	client *transport.Client
	wake   WakeScheduler
	log    zerolog.Logger

	mu        sync.Mutex
	replaying bool
	delivered []DeliveredFunc
	failed    []FailureFunc
}

type SyncerOption func(*Syncer)

func WithSyncLogger(l zerolog.Logger) SyncerOption {
	return func(s *Syncer) { s.log = l }
}

// WithWakeScheduler wires the background-sync facility in. Without one, only
// online transitions trigger replay.
func WithWakeScheduler(w WakeScheduler) SyncerOption {
	return func(s *Syncer) { s.wake = w }
}

func NewSyncer(store *Store, client *transport.Client, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		store:  store,
		client: client,
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnDelivered registers a per-item delivery notification. Callbacks run on
// the replay goroutine, in delivery order.
func (s *Syncer) OnDelivered(fn DeliveredFunc) {
	s.mu.Lock()
	s.delivered = append(s.delivered, fn)
	s.mu.Unlock()
}

// OnFailure registers a callback fired with the error that stopped a drain
// cycle. Callbacks run on the replay goroutine.
func (s *Syncer) OnFailure(fn FailureFunc) {
	s.mu.Lock()
	s.failed = append(s.failed, fn)
	s.mu.Unlock()
}

// Arm registers the background-sync wake-up. Called after a successful
// enqueue while offline.
func (s *Syncer) Arm() {
	if s.wake == nil {
		return
	}
	if err := s.wake.Register(SyncTag); err != nil {
		s.log.Warn().Err(err).Msg("background sync registration failed")
	}
}

// Run listens for offline→online transitions and background-sync wake-ups;
// both converge on the same Replay. Blocks until the context ends.
func (s *Syncer) Run(ctx context.Context, changes <-chan bool) {
	var wake <-chan string
	if s.wake != nil {
		wake = s.wake.Wake()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-changes:
			if !ok {
				return
			}
			if online {
				s.replayAndRearm(ctx)
			}
		case tag := <-wake:
			s.log.Debug().Str("tag", tag).Msg("background sync wake")
			s.replayAndRearm(ctx)
		}
	}
}

func (s *Syncer) replayAndRearm(ctx context.Context) {
	if _, err := s.Replay(ctx); err != nil {
		// Items remain persisted; arm another wake-up to retry.
		s.Arm()
	}
}

// Replay drains the queue oldest-first, removing each item only after its
// delivery succeeds. Returns how many items were delivered; err is non-nil
// when the cycle stopped early with items still queued.
func (s *Syncer) Replay(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.replaying {
		s.mu.Unlock()
		return 0, nil
	}
	s.replaying = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.replaying = false
		s.mu.Unlock()
	}()

	pending, err := s.store.Drain()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, w := range pending {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := s.client.Do(ctx, w.Method, w.URL, w.Header, w.Body); err != nil {
			s.log.Warn().
				Uint64("id", w.ID).
				Str("method", w.Method).
				Str("url", w.URL).
				Err(err).
				Msg("replay stopped, write stays queued")
			s.notifyFailure(err)
			return n, err
		}
		if err := s.store.Remove(w.ID); err != nil {
			return n, err
		}
		n++
		s.log.Info().Uint64("id", w.ID).Str("method", w.Method).Str("url", w.URL).Msg("queued write delivered")
		s.notify(w)
	}
	return n, nil
}

func (s *Syncer) notifyFailure(err error) {
	s.mu.Lock()
	fns := append([]FailureFunc(nil), s.failed...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (s *Syncer) notify(w Write) {
	s.mu.Lock()
	fns := append([]DeliveredFunc(nil), s.delivered...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(w)
	}
}
