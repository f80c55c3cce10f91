// cmd/offlineproxy runs the offline layer as a loopback HTTP front: any UI
// process talks to it instead of the remote API and gets cached reads, queued
// offline writes and background replay for free.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/cadenzahq/offline"
	"github.com/cadenzahq/offline/cache"
	"github.com/cadenzahq/offline/internal/config"
	"github.com/cadenzahq/offline/queue"
	"github.com/cadenzahq/offline/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	layer, err := offline.New(offline.Settings{
		BaseURL:       cfg.BaseURL,
		DataDir:       cfg.DataDir,
		Bucket:        cfg.CacheBucket,
		Freshness:     cfg.Freshness,
		PollInterval:  cfg.PollInterval,
		RetryInterval: cfg.RetryInterval,
		LoginMaxAge:   cfg.LoginMaxAge,
		AppVersion:    cfg.AppVersion,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("layer error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	layer.Start(ctx)

	layer.OnDelivered(func(w queue.Write) {
		logger.Info().Uint64("id", w.ID).Str("url", w.URL).Msg("offline write delivered")
	})

	sess := scs.New()
	sess.Lifetime = 12 * time.Hour
	sess.Cookie.HttpOnly = true
	sess.Cookie.SameSite = http.SameSiteLaxMode

	s := &server{layer: layer, sess: sess}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/-/login", s.handleLogin)
	r.Post("/-/logout", s.handleLogout)
	r.Post("/-/invalidate", s.handleInvalidate)
	r.Post("/-/replay", s.handleReplay)
	r.Get("/-/status", s.handleStatus)
	r.NotFound(s.handleProxy)

	h := hlog.NewHandler(logger)(r)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: sess.LoadAndSave(h)}
	logger.Info().Str("addr", cfg.ListenAddr).Str("base", cfg.BaseURL).Msg("offline proxy listening")
	log.Fatal(srv.ListenAndServe())
}

type server struct {
	layer *offline.Layer
	sess  *scs.SessionManager
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Credential == "" {
		http.Error(w, "credential required", http.StatusBadRequest)
		return
	}
	swept, err := s.layer.Login(req.Credential)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.sess.Put(r.Context(), "authenticated", true)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cache_swept": swept})
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.layer.Logout(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = s.sess.Destroy(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if err := s.layer.InvalidateAll(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleReplay(w http.ResponseWriter, r *http.Request) {
	n, err := s.layer.Replay(r.Context())
	if err != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"delivered": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": n})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.layer.Pending()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"online":  s.layer.Online(),
		"pending": pending,
	})
}

// handleProxy forwards anything else through the layer: reads go through the
// cache, writes through the online-or-queue path.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		body, err := s.layer.Get(r.Context(), r.URL.Path, r.URL.Query(), cache.OptionsFromHeader(r.Header))
		if err != nil {
			writeError(w, err)
			return
		}
		if body == nil {
			writeJSON(w, http.StatusOK, nil)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	case http.MethodPost, http.MethodPut, http.MethodDelete:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res, err := s.layer.Do(r.Context(), r.Method, r.URL.RequestURI(), r.Header.Clone(), body)
		if err != nil {
			writeError(w, err)
			return
		}
		if res.Offline {
			writeJSON(w, http.StatusAccepted, res)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(res.Body)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var te *transport.Error
	status := http.StatusBadGateway
	if errors.As(err, &te) {
		switch te.Kind {
		case transport.KindAuthCritical:
			status = http.StatusUnauthorized
		case transport.KindHTTP, transport.KindNotFound:
			status = te.Status
		case transport.KindStorage:
			status = http.StatusInsufficientStorage
		}
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "kind": transport.KindOf(err).String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}
