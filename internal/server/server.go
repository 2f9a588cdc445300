// Package server implements the relay's HTTP surface: the public actor
// document, the shared inbox, discovery endpoints (WebFinger/NodeInfo),
// media proxying, and the token-gated admin API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klppl/relay/internal/ap"
	"github.com/klppl/relay/internal/breaker"
	"github.com/klppl/relay/internal/config"
	"github.com/klppl/relay/internal/db"
	"github.com/klppl/relay/internal/inbox"
)

const (
	activityJSONType = `application/activity+json`
	version          = "1.0.0"
)

const (
	// maxConcurrentActivities is the total inbox concurrency cap. Activities
	// arriving beyond this limit receive a 503 response.
	maxConcurrentActivities = 50

	// maxPerOriginConcurrency is the per-origin (signer hostname) concurrency
	// cap, so a single noisy origin can't consume the entire global semaphore.
	maxPerOriginConcurrency = 5
)

// inboxLimiter is a per-origin concurrent-activity counter. It tracks how
// many inbox activities from each origin hostname are currently in flight
// and rejects new ones once the per-origin cap is reached.
type inboxLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newInboxLimiter() *inboxLimiter {
	return &inboxLimiter{counts: make(map[string]int)}
}

func (l *inboxLimiter) acquire(origin string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[origin] >= maxPerOriginConcurrency {
		return false
	}
	l.counts[origin]++
	return true
}

func (l *inboxLimiter) release(origin string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[origin] > 0 {
		l.counts[origin]--
	}
	if l.counts[origin] == 0 {
		delete(l.counts, origin)
	}
}

// Jobs is the subset of the job system the admin interface drives directly
// (outside the inbox dispatch path).
type Jobs interface {
	TriggerListeners()
	TriggerRecordLastOnline()
}

// Server is the relay's HTTP server.
type Server struct {
	cfg     *config.Config
	store   *db.Store
	keyPair *ap.KeyPair
	breaker *breaker.Registry
	inbox   *inbox.Handler
	jobs    Jobs
	router  *chi.Mux

	startedAt    time.Time
	inboxSem     chan struct{}
	inboxLimiter *inboxLimiter

	logBroadcaster *LogBroadcaster
}

// New creates a Server. Call Start to serve it.
func New(cfg *config.Config, store *db.Store, keyPair *ap.KeyPair, reg *breaker.Registry, h *inbox.Handler, jobs Jobs) *Server {
	s := &Server{
		cfg:          cfg,
		store:        store,
		keyPair:      keyPair,
		breaker:      reg,
		inbox:        h,
		jobs:         jobs,
		startedAt:    time.Now(),
		inboxSem:     make(chan struct{}, maxConcurrentActivities),
		inboxLimiter: newInboxLimiter(),
	}
	s.router = s.buildRouter()
	return s
}

// SetLogBroadcaster attaches a LogBroadcaster for the admin log stream.
func (s *Server) SetLogBroadcaster(lb *LogBroadcaster) { s.logBroadcaster = lb }

// Start runs the HTTP server until ctx is canceled, then shuts it down
// within a grace period.
func (s *Server) Start(ctx context.Context) {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", srv.Addr, "hostname", s.cfg.Hostname)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/", s.handleRoot)
	r.Get("/actor", s.handleActor)
	r.Post("/inbox", s.handleInbox)
	r.Get("/nodeinfo/2.0.json", s.handleNodeInfoSchema)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfo)
	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/media/{id}", s.handleMedia)

	if s.cfg.APITokenSet {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Get("/dashboard", s.handleAdminDashboard)
			r.Get("/logs/stream", s.handleAdminLogStream)
			r.Get("/allowed", s.handleAdminAllowed)
			r.Post("/allow", s.handleAdminAllow)
			r.Post("/disallow", s.handleAdminDisallow)
			r.Post("/block", s.handleAdminBlock)
			r.Post("/unblock", s.handleAdminUnblock)
			r.Get("/connected", s.handleAdminConnected)
			r.Get("/stats", s.handleAdminStats)
			r.Get("/last_seen", s.handleAdminLastSeen)
			r.Get("/circuit", s.handleAdminCircuit)
			r.Post("/circuit/reset", s.handleAdminCircuitReset)
			r.Post("/refresh", s.handleAdminRefresh)
			if !s.cfg.PublishBlocks {
				r.Get("/blocked", s.handleAdminBlocked)
			}
		})
	}
	// Blocked domains are public read-only data when PUBLISH_BLOCKS is set,
	// independent of the admin token — peers can check whether they're on
	// the list without needing credentials.
	if s.cfg.PublishBlocks {
		r.Get("/admin/blocked", s.handleAdminBlocked)
	}

	return r
}

// ─── Public endpoints ───────────────────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ConnectionCount(); err != nil {
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	count, _ := s.store.ConnectionCount()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html><html><head><title>%s relay</title></head><body>
<h1>%s</h1>
<p>An ActivityPub relay. %d connected instances.</p>
<p><a href="%s">actor document</a></p>
</body></html>`, s.cfg.Hostname, s.cfg.Hostname, count, s.cfg.URL("/actor"))
}

func (s *Server) relayActorID() string { return s.cfg.URL("/actor") }

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	actorURL := s.relayActorID()
	actor := &ap.Actor{
		ID:                actorURL,
		Type:              "Application",
		PreferredUsername: "relay",
		Name:              s.cfg.Hostname,
		Summary:           "An ActivityPub relay.",
		Inbox:             s.cfg.URL("/inbox"),
		PublicKey: &ap.PublicKey{
			ID:           actorURL + "#main-key",
			Owner:        actorURL,
			PublicKeyPem: s.keyPair.PublicPEM,
		},
		Endpoints: &ap.Endpoints{
			SharedInbox: s.cfg.URL("/inbox"),
		},
	}
	apResponse(w, ap.WithContext(actor))
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if err := ap.VerifyDigest(body, r.Header.Get("Digest")); err != nil {
		slog.Warn("inbox digest mismatch", "error", err, "remote", r.RemoteAddr)
		writeInboxError(w, http.StatusBadRequest, "digest mismatch")
		return
	}

	sig := inbox.Signature{}
	keyID, sigErr := ap.VerifySignature(r.Context(), s.breaker, r)
	sig.Present = r.Header.Get("Signature") != ""
	sig.KeyID = keyID
	// A gone signer (410) is not a failed verification — Handle decides
	// whether the activity (a Delete tombstone) is acceptable anyway.
	sig.Verified = sigErr == nil || errors.Is(sigErr, ap.ErrActorGone)
	if sigErr != nil && !sig.Verified {
		slog.Debug("HTTP signature did not verify", "error", sigErr, "remote", r.RemoteAddr)
	}

	origin := actorOrigin(body, r.RemoteAddr)

	if !s.inboxLimiter.acquire(origin) {
		slog.Warn("per-origin inbox rate limit exceeded", "origin", origin)
		writeInboxError(w, http.StatusTooManyRequests, "too many requests from this origin")
		return
	}
	defer s.inboxLimiter.release(origin)

	select {
	case s.inboxSem <- struct{}{}:
		defer func() { <-s.inboxSem }()
	default:
		slog.Warn("inbox overloaded, rejecting activity", "remote", r.RemoteAddr)
		writeInboxError(w, http.StatusServiceUnavailable, "inbox overloaded")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.inbox.Handle(ctx, json.RawMessage(body), sig); err != nil {
		status := inbox.StatusOf(err)
		if status >= 500 {
			slog.Error("failed to handle activity", "error", err, "origin", origin)
		} else {
			slog.Debug("activity rejected", "error", err, "origin", origin, "status", status)
		}
		writeInboxError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", activityJSONType)
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{}`))
}

// writeInboxError writes the {"error": "..."} body the inbox error taxonomy
// specifies, at the given status (202 for ErrDuplicate, which is accepted
// rather than rejected).
func writeInboxError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", activityJSONType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.store.Media(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if !m.IsFresh() {
		if err := s.refetchMedia(r.Context(), &m); err != nil {
			slog.Warn("media refetch failed", "id", id, "error", err)
			if len(m.Bytes) == 0 {
				http.NotFound(w, r)
				return
			}
		}
	}
	if m.ContentType != "" {
		w.Header().Set("Content-Type", m.ContentType)
	}
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.Write(m.Bytes)
}

func (s *Server) refetchMedia(ctx context.Context, m *db.Media) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.SourceURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", ap.UserAgent)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: HTTP %d", m.SourceURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20)) // 10MB cap
	if err != nil {
		return err
	}
	contentType := resp.Header.Get("Content-Type")
	if err := s.store.SaveMediaBytes(m.ID, contentType, data); err != nil {
		return err
	}
	m.ContentType = contentType
	m.Bytes = data
	return nil
}

// ─── Discovery ───────────────────────────────────────────────────────────────

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	want := "acct:relay@" + s.cfg.Hostname
	if resource != want {
		http.NotFound(w, r)
		return
	}

	resp := ap.WebFingerResponse{
		Subject: resource,
		Aliases: []string{s.relayActorID()},
		Links: []ap.WebFingerLink{
			{Rel: "self", Type: activityJSONType, Href: s.relayActorID()},
		},
	}
	w.Header().Set("Content-Type", "application/jrd+json")
	cacheHeaders(w, 3600)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"links": []map[string]string{
			{"rel": "http://nodeinfo.diaspora.software/ns/schema/2.0", "href": s.cfg.URL("/nodeinfo/2.0.json")},
		},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleNodeInfoSchema(w http.ResponseWriter, r *http.Request) {
	count, _ := s.store.ConnectionCount()
	info := ap.NodeInfo{
		Version:           "2.0",
		Software:          ap.NodeInfoSoftware{Name: "relay", Version: version},
		Protocols:         []string{"activitypub"},
		Usage:             ap.NodeInfoUsage{Users: ap.NodeInfoUsers{Total: count}},
		OpenRegistrations: false,
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, info, http.StatusOK)
}

// actorOrigin extracts the hostname of the signing actor from the raw
// activity body, falling back to the remote IP. Used as the key for
// per-origin inbox rate limiting.
func actorOrigin(body []byte, remoteAddr string) string {
	var a struct {
		Actor string `json:"actor"`
	}
	if json.Unmarshal(body, &a) == nil && a.Actor != "" {
		if u, err := url.Parse(a.Actor); err == nil && u.Host != "" {
			return u.Host
		}
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// ─── Utility functions ────────────────────────────────────────────────────────

func apResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", activityJSONType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode AP response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Unwrap allows http.ResponseController to reach the underlying
// ResponseWriter so SetWriteDeadline works for long-lived SSE connections.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
