package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/erichowens/port-daddy/internal/locks"
)

type lockRequest struct {
	Owner    string          `json:"owner"`
	Pid      int             `json:"pid"`
	TTL      any             `json:"ttl"`
	Force    bool            `json:"force"`
	Metadata json.RawMessage `json:"metadata"`
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	agentID, pid := caller(r)
	if req.Owner == "" {
		req.Owner = agentID
	}
	if req.Pid == 0 {
		req.Pid = pid
	}

	lock, err := s.core.Locks.Acquire(pathParam(r, "name"), locks.AcquireOptions{
		Owner:    req.Owner,
		Pid:      req.Pid,
		TTL:      req.TTL,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, lock)
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	agentID, _ := caller(r)
	if req.Owner == "" {
		req.Owner = agentID
	}

	res, err := s.core.Locks.Release(pathParam(r, "name"), locks.ReleaseOptions{
		Owner: req.Owner,
		Force: req.Force,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, res)
}

func (s *Server) handleExtendLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	agentID, _ := caller(r)
	if req.Owner == "" {
		req.Owner = agentID
	}

	lock, err := s.core.Locks.Extend(pathParam(r, "name"), locks.ExtendOptions{
		Owner: req.Owner,
		TTL:   req.TTL,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, lock)
}

func (s *Server) handleCheckLock(w http.ResponseWriter, r *http.Request) {
	status, err := s.core.Locks.Check(pathParam(r, "name"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, status)
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	list, err := s.core.Locks.List(r.URL.Query().Get("owner"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if list == nil {
		list = []locks.Lock{}
	}
	s.writeOK(w, http.StatusOK, map[string]any{"locks": list})
}
