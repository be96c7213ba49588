package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/erichowens/port-daddy/internal/core"
	"github.com/erichowens/port-daddy/internal/messaging"
	"github.com/erichowens/port-daddy/internal/services"
	"github.com/erichowens/port-daddy/internal/types"
)

// pathParam returns a URL-decoded chi path parameter; identities carry
// colons, which arrive percent-encoded.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if decoded, err := url.PathUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

type claimRequest struct {
	ID        string          `json:"id"`
	Port      int             `json:"port"`
	Pid       int             `json:"pid"`
	AgentID   string          `json:"agentId"`
	HealthURL string          `json:"healthUrl"`
	Metadata  json.RawMessage `json:"metadata"`
	Expires   any             `json:"expires"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	agentID, pid := caller(r)
	if req.AgentID == "" {
		req.AgentID = agentID
	}
	if req.Pid == 0 {
		req.Pid = pid
	}

	res, err := s.core.Services.Claim(req.ID, services.ClaimOptions{
		Port:      req.Port,
		Pid:       req.Pid,
		AgentID:   req.AgentID,
		HealthURL: req.HealthURL,
		Metadata:  req.Metadata,
		Expires:   req.Expires,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, res)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if req.ID == "" {
		req.ID = r.URL.Query().Get("id")
	}
	agentID, _ := caller(r)

	res, err := s.core.Services.Release(req.ID, agentID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, res)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	status := r.URL.Query().Get("status")

	var list []services.Service
	var err error
	if pattern != "" {
		list, err = s.core.Services.Find(pattern)
	} else {
		list, err = s.core.Services.List(status)
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if list == nil {
		list = []services.Service{}
	}
	s.writeOK(w, http.StatusOK, map[string]any{"services": list})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.core.Services.Get(pathParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"service": svc})
}

func (s *Server) handleSetEndpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	id := pathParam(r, "id")
	name := pathParam(r, "name")
	if err := s.core.Services.SetEndpoint(id, name, req.URL); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"id": id, "name": name, "url": req.URL})
}

func (s *Server) handleWaitOne(w http.ResponseWriter, r *http.Request) {
	timeout := parseTimeout(r.URL.Query().Get("timeout"), 30*time.Second)
	s.wait(w, r, []string{pathParam(r, "id")}, timeout)
}

func (s *Server) handleWaitMany(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs     []string `json:"ids"`
		Timeout any      `json:"timeout"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if len(req.IDs) == 0 {
		s.writeErr(w, types.E(types.CodeValidation, "ids are required"))
		return
	}
	timeout := 30 * time.Second
	if n, ok := req.Timeout.(float64); ok && n > 0 {
		timeout = time.Duration(n) * time.Millisecond
	}
	s.wait(w, r, req.IDs, timeout)
}

// wait blocks until every id holds an assigned port, the timeout elapses,
// or the client goes away. Claim announcements on the internal events
// channel wake it; a coarse ticker covers claims made by direct-DB clients
// in other processes.
func (s *Server) wait(w http.ResponseWriter, r *http.Request, ids []string, timeout time.Duration) {
	check := func() (map[string]services.Service, bool, error) {
		snap, err := s.core.Services.Snapshot(ids)
		if err != nil {
			return nil, false, err
		}
		return snap, len(snap) == len(ids), nil
	}

	snap, done, err := check()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if done {
		s.writeOK(w, http.StatusOK, waitBody(snap, ids, false))
		return
	}

	wake := make(chan struct{}, 1)
	unsub, err := s.core.Subscribers.Subscribe(core.EventsChannel, func(messaging.Delivery) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	defer unsub()

	ctx := r.Context()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client disconnected; nothing left to answer.
			return
		case <-deadline.C:
			body := waitBody(snap, ids, true)
			body["success"] = false
			body["error"] = "timed out waiting for services"
			body["code"] = string(types.CodeTimeout)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusRequestTimeout)
			_ = json.NewEncoder(w).Encode(body)
			return
		case <-wake:
		case <-ticker.C:
		}

		snap, done, err = check()
		if err != nil {
			s.writeErr(w, err)
			return
		}
		if done {
			s.writeOK(w, http.StatusOK, waitBody(snap, ids, false))
			return
		}
	}
}

func waitBody(snap map[string]services.Service, ids []string, timedOut bool) map[string]any {
	return map[string]any{
		"services":  snap,
		"resolved":  len(snap),
		"requested": len(ids),
		"timedOut":  timedOut,
	}
}

func parseTimeout(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
