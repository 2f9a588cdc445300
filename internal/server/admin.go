package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/klppl/relay/internal/breaker"
	"github.com/klppl/relay/internal/jobs"
)

// adminAuth gates /admin/* on the X-Api-Token header matching the bcrypt
// hash of the configured API_TOKEN, mirroring the ambient stack's own
// constant-time Basic Auth gate but generalized to a bcrypt-verified token.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Api-Token")
		if token == "" && r.URL.Path == "/admin/logs/stream" {
			// EventSource can't set custom headers, so the log stream falls
			// back to a query parameter. Every other admin route requires
			// the header.
			token = r.URL.Query().Get("token")
		}
		if !s.cfg.CheckAPIToken(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type domainsRequest struct {
	Domains []string `json:"domains"`
}

func decodeDomains(r *http.Request) ([]string, error) {
	var req domainsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return req.Domains, nil
}

func (s *Server) handleAdminAllowed(w http.ResponseWriter, r *http.Request) {
	domains, err := s.store.AllowedDomains()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]interface{}{"domains": domains}, http.StatusOK)
}

func (s *Server) handleAdminAllow(w http.ResponseWriter, r *http.Request) {
	domains, err := decodeDomains(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.store.AddAllows(domains); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.store.WriteAuditLog("allow", joinDomains(domains))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminDisallow(w http.ResponseWriter, r *http.Request) {
	domains, err := decodeDomains(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	restricted := s.inbox.Policy.RestrictedMode()
	if err := s.store.RemoveAllows(domains, restricted); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.store.WriteAuditLog("disallow", joinDomains(domains))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminBlocked(w http.ResponseWriter, r *http.Request) {
	domains, err := s.store.BlockedDomains()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]interface{}{"domains": domains}, http.StatusOK)
}

func (s *Server) handleAdminBlock(w http.ResponseWriter, r *http.Request) {
	domains, err := decodeDomains(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.store.AddBlocks(domains); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.store.WriteAuditLog("block", joinDomains(domains))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminUnblock(w http.ResponseWriter, r *http.Request) {
	domains, err := decodeDomains(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.store.RemoveBlocks(domains); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.store.WriteAuditLog("unblock", joinDomains(domains))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminConnected(w http.ResponseWriter, r *http.Request) {
	actors, err := s.store.ConnectedActors()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]interface{}{"connected": actors}, http.StatusOK)
}

func (s *Server) handleAdminLastSeen(w http.ResponseWriter, r *http.Request) {
	authority := r.URL.Query().Get("authority")
	if authority == "" {
		http.Error(w, "missing authority query parameter", http.StatusBadRequest)
		return
	}
	t, ok, err := s.store.LastSeen(authority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]interface{}{"authority": authority, "seen": ok, "last_seen": t}, http.StatusOK)
}

func (s *Server) handleAdminCircuit(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]interface{}{"circuits": s.breaker.Statuses()}, http.StatusOK)
}

// handleAdminRefresh forces an immediate run of the listener-discovery and
// last-online maintenance jobs instead of waiting for their next scheduled
// tick, for use right after an admin changes allow/block lists.
func (s *Server) handleAdminRefresh(w http.ResponseWriter, r *http.Request) {
	s.jobs.TriggerListeners()
	s.jobs.TriggerRecordLastOnline()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminCircuitReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Authority string `json:"authority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Authority == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.breaker.Reset(req.Authority)
	w.WriteHeader(http.StatusNoContent)
}

type adminStats struct {
	Connected          int              `json:"connected"`
	Allowed            int              `json:"allowed"`
	Blocked            int              `json:"blocked"`
	RestrictedMode     bool             `json:"restricted_mode"`
	ValidateSignatures bool             `json:"validate_signatures"`
	Queues             map[string]int   `json:"queues"`
	OpenCircuits       []breaker.Status `json:"open_circuits"`
	Uptime             string           `json:"uptime"`
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	connected, _ := s.store.ConnectionCount()
	allowed, _ := s.store.AllowedDomains()
	blocked, _ := s.store.BlockedDomains()
	deliverPending, _ := s.store.PendingCount(jobs.QueueDeliver)
	apubPending, _ := s.store.PendingCount(jobs.QueueApub)
	maintPending, _ := s.store.PendingCount(jobs.QueueMaintenance)

	var openCircuits []breaker.Status
	for _, st := range s.breaker.Statuses() {
		if st.CircuitOpen {
			openCircuits = append(openCircuits, st)
		}
	}

	stats := adminStats{
		Connected:          connected,
		Allowed:            len(allowed),
		Blocked:            len(blocked),
		RestrictedMode:     s.inbox.Policy.RestrictedMode(),
		ValidateSignatures: s.inbox.Policy.ValidateSignatures(),
		Queues: map[string]int{
			jobs.QueueDeliver:     deliverPending,
			jobs.QueueApub:        apubPending,
			jobs.QueueMaintenance: maintPending,
		},
		OpenCircuits: openCircuits,
		Uptime:       time.Since(s.startedAt).String(),
	}
	jsonResponse(w, stats, http.StatusOK)
}

func joinDomains(domains []string) string {
	out := ""
	for i, d := range domains {
		if i > 0 {
			out += ","
		}
		out += d
	}
	return out
}

// handleAdminDashboard serves the embedded single-page admin dashboard.
func (s *Server) handleAdminDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(adminHTML))
}

// handleAdminLogStream streams the relay's structured log output as
// server-sent events, replaying recent history before switching to live
// tail. Used by the dashboard's log panel.
func (s *Server) handleAdminLogStream(w http.ResponseWriter, r *http.Request) {
	if s.logBroadcaster == nil {
		http.Error(w, "log streaming not enabled", http.StatusNotImplemented)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	history, ch, cancel := s.logBroadcaster.Subscribe()
	defer cancel()

	for _, line := range history {
		fmt.Fprintf(w, "data: %s\n\n", line)
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}
}

const adminHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>relay admin</title>
<style>
  body { background: #0d1117; color: #c9d1d9; font-family: -apple-system, sans-serif; margin: 2rem; }
  h1 { color: #58a6ff; }
  .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(220px, 1fr)); gap: 1rem; margin: 1.5rem 0; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 1rem; }
  .card h2 { margin: 0 0 0.5rem; font-size: 0.85rem; text-transform: uppercase; color: #8b949e; }
  .card .value { font-size: 1.8rem; font-weight: 600; }
  .badge { display: inline-block; padding: 0.1rem 0.5rem; border-radius: 4px; font-size: 0.75rem; }
  .badge.open { background: #da3633; color: white; }
  .badge.closed { background: #238636; color: white; }
  textarea, input { background: #0d1117; color: #c9d1d9; border: 1px solid #30363d; border-radius: 4px; padding: 0.4rem; }
  pre#log { background: #010409; border: 1px solid #30363d; border-radius: 6px; padding: 1rem; height: 300px; overflow-y: scroll; font-size: 0.8rem; }
  button { background: #238636; color: white; border: none; border-radius: 4px; padding: 0.4rem 0.8rem; cursor: pointer; }
</style>
</head>
<body>
<h1>relay admin</h1>
<div class="grid" id="stats"></div>
<button onclick="refresh()">refresh now</button>
<h2>log</h2>
<pre id="log"></pre>
<script>
async function token() { return localStorage.getItem('relay_api_token') || prompt('X-Api-Token'); }
async function api(path, opts) {
  const t = await token();
  localStorage.setItem('relay_api_token', t);
  opts = opts || {};
  opts.headers = Object.assign({'X-Api-Token': t}, opts.headers || {});
  return fetch(path, opts);
}
async function loadStats() {
  const res = await api('/admin/stats');
  const s = await res.json();
  const el = document.getElementById('stats');
  el.innerHTML = '';
  const cards = [
    ['connected', s.connected], ['allowed', s.allowed], ['blocked', s.blocked],
    ['restricted mode', s.restricted_mode], ['validate signatures', s.validate_signatures],
    ['deliver queue', s.queues.deliver], ['apub queue', s.queues.apub], ['maintenance queue', s.queues.maintenance],
    ['open circuits', s.open_circuits.length], ['uptime', s.uptime],
  ];
  for (const [label, value] of cards) {
    const c = document.createElement('div');
    c.className = 'card';
    c.innerHTML = '<h2>' + label + '</h2><div class="value">' + value + '</div>';
    el.appendChild(c);
  }
}
function streamLogs() {
  const t = localStorage.getItem('relay_api_token');
  const es = new EventSource('/admin/logs/stream?token=' + encodeURIComponent(t || ''));
  const log = document.getElementById('log');
  es.onmessage = (e) => {
    log.textContent += e.data + '\n';
    log.scrollTop = log.scrollHeight;
  };
}
async function refresh() {
  await api('/admin/refresh', {method: 'POST'});
  loadStats();
}
loadStats();
setInterval(loadStats, 10000);
streamLogs();
</script>
</body>
</html>`
