package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/erichowens/port-daddy/internal/activity"
	"github.com/erichowens/port-daddy/internal/webhooks"
)

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL           string   `json:"url"`
		Events        []string `json:"events"`
		FilterPattern string   `json:"filterPattern"`
		Secret        string   `json:"secret"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	hook, err := s.core.Webhooks.Register(req.URL, webhooks.RegisterOptions{
		Events:        req.Events,
		FilterPattern: req.FilterPattern,
		Secret:        req.Secret,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusCreated, map[string]any{"webhook": hook})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := s.core.Webhooks.List(activeOnly)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if list == nil {
		list = []webhooks.Webhook{}
	}
	s.writeOK(w, http.StatusOK, map[string]any{"webhooks": list})
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL           *string  `json:"url"`
		Events        []string `json:"events"`
		FilterPattern *string  `json:"filterPattern"`
		Secret        *string  `json:"secret"`
		Active        *bool    `json:"active"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	hook, err := s.core.Webhooks.Update(pathParam(r, "id"), webhooks.UpdatePatch{
		URL:           req.URL,
		Events:        req.Events,
		FilterPattern: req.FilterPattern,
		Secret:        req.Secret,
		Active:        req.Active,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"webhook": hook})
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	deliveries, err := s.core.Webhooks.ListDeliveries(pathParam(r, "id"), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []webhooks.Delivery{}
	}
	s.writeOK(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func (s *Server) handleRemoveWebhook(w http.ResponseWriter, r *http.Request) {
	res, err := s.core.Webhooks.Remove(pathParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, res)
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	delivery, err := s.core.Webhooks.TestFire(pathParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"delivery": delivery})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	if since := q.Get("since"); since != "" {
		start, err := strconv.ParseInt(since, 10, 64)
		if err == nil {
			entries, err := s.core.Activity.GetByTimeRange(start, s.core.Store.Now(), limit)
			if err != nil {
				s.writeErr(w, err)
				return
			}
			s.writeOK(w, http.StatusOK, map[string]any{"activity": entries})
			return
		}
	}

	entries, err := s.core.Activity.GetRecent(activity.RecentFilter{
		Type:          q.Get("type"),
		AgentID:       q.Get("agent"),
		TargetPattern: q.Get("target"),
		Limit:         limit,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []activity.Entry{}
	}
	s.writeOK(w, http.StatusOK, map[string]any{"activity": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.core.Store.DB().Ping(); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	s.writeOK(w, code, map[string]any{
		"status":     status,
		"version":    Version,
		"uptime":     time.Since(s.core.StartedAt).Seconds(),
		"queueDepth": s.core.Webhooks.QueueDepth(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeOK(w, http.StatusOK, map[string]any{"version": Version})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	summary := s.core.CleanupAll()
	s.writeOK(w, http.StatusOK, map[string]any{"cleaned": summary})
}
