package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/erichowens/port-daddy/internal/sessions"
)

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Purpose  string          `json:"purpose"`
		AgentID  string          `json:"agentId"`
		Metadata json.RawMessage `json:"metadata"`
		Files    []string        `json:"files"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if req.AgentID == "" {
		req.AgentID, _ = caller(r)
	}

	res, err := s.core.Sessions.Start(req.Purpose, sessions.StartOptions{
		AgentID:  req.AgentID,
		Metadata: req.Metadata,
		Files:    req.Files,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusCreated, res)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.core.Sessions.List(sessions.ListOptions{
		Status:       r.URL.Query().Get("status"),
		AgentID:      r.URL.Query().Get("agent"),
		IncludeNotes: r.URL.Query().Get("notes") == "true",
		Limit:        limit,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if list == nil {
		list = []sessions.Session{}
	}
	s.writeOK(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.core.Sessions.Get(pathParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
		Note   string `json:"note"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	res, err := s.core.Sessions.End(pathParam(r, "id"), sessions.EndOptions{
		Status: req.Status,
		Note:   req.Note,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, res)
}

func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Sessions.Remove(pathParam(r, "id")); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, nil)
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		Type    string `json:"type"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	note, err := s.core.Sessions.AddNote(pathParam(r, "id"), req.Content, req.Type)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusCreated, map[string]any{"note": note})
}

func (s *Server) handleQuickNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		AgentID string `json:"agentId"`
		Type    string `json:"type"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if req.AgentID == "" {
		req.AgentID, _ = caller(r)
	}

	res, err := s.core.Sessions.QuickNote(req.Content, req.AgentID, req.Type)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusCreated, res)
}

func (s *Server) handleClaimFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []string `json:"files"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	res, err := s.core.Sessions.ClaimFiles(pathParam(r, "id"), req.Files)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, res)
}

func (s *Server) handleReleaseFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []string `json:"files"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	released, err := s.core.Sessions.ReleaseFiles(pathParam(r, "id"), req.Files)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"released": released})
}

func (s *Server) handleFileConflicts(w http.ResponseWriter, r *http.Request) {
	paths := r.URL.Query()["path"]
	conflicts, err := s.core.Sessions.GetFileConflicts(paths)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}
