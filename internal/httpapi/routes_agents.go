package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/erichowens/port-daddy/internal/agents"
)

type agentRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Pid         int             `json:"pid"`
	Type        string          `json:"type"`
	MaxServices int             `json:"maxServices"`
	MaxLocks    int             `json:"maxLocks"`
	Metadata    json.RawMessage `json:"metadata"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	agentID, pid := caller(r)
	if req.ID == "" {
		req.ID = agentID
	}
	if req.Pid == 0 {
		req.Pid = pid
	}

	agent, err := s.core.Agents.Register(req.ID, agents.RegisterOptions{
		Name:        req.Name,
		Pid:         req.Pid,
		Type:        req.Type,
		MaxServices: req.MaxServices,
		MaxLocks:    req.MaxLocks,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"agent": agent})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pid int `json:"pid"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if req.Pid == 0 {
		_, req.Pid = caller(r)
	}

	agent, err := s.core.Agents.Heartbeat(pathParam(r, "id"), req.Pid)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"agent": agent})
}

func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	res, err := s.core.Agents.Unregister(pathParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, res)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.core.Agents.Get(pathParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"agent": agent})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := s.core.Agents.List(activeOnly)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if list == nil {
		list = []agents.Agent{}
	}
	s.writeOK(w, http.StatusOK, map[string]any{"agents": list})
}
