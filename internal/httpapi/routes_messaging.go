package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/erichowens/port-daddy/internal/messaging"
)

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload any `json:"payload"`
		Expires any `json:"expires"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	agentID, _ := caller(r)

	res, err := s.core.Messaging.Publish(pathParam(r, "channel"), req.Payload, messaging.PublishOptions{
		Sender:  agentID,
		Expires: req.Expires,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, res)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	channel := pathParam(r, "channel")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)

	// poll=1 returns the single next message with the follow-up cursor.
	if r.URL.Query().Get("poll") == "1" {
		res, err := s.core.Messaging.Poll(channel, after)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		s.writeOK(w, http.StatusOK, res)
		return
	}

	msgs, err := s.core.Messaging.GetMessages(channel, messaging.GetOptions{Limit: limit, After: after})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if msgs == nil {
		msgs = []messaging.Message{}
	}
	s.writeOK(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleClearChannel(w http.ResponseWriter, r *http.Request) {
	n, err := s.core.Messaging.Clear(pathParam(r, "channel"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeOK(w, http.StatusOK, map[string]any{"cleared": n})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.core.Messaging.ListChannels()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if channels == nil {
		channels = []messaging.ChannelInfo{}
	}
	s.writeOK(w, http.StatusOK, map[string]any{"channels": channels})
}

// handleSubscribe streams channel messages as Server-Sent Events until the
// client disconnects.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	channel := pathParam(r, "channel")

	ch := make(chan messaging.Delivery, 64)
	unsub, err := s.core.Subscribers.Subscribe(channel, func(d messaging.Delivery) {
		select {
		case ch <- d:
		default:
			// A slow SSE consumer drops messages rather than blocking
			// publishers; the channel log remains the reliable surface.
		}
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case d := <-ch:
			data, err := json.Marshal(map[string]any{
				"channel": d.Channel,
				"id":      d.ID,
				"payload": d.Payload,
				"sender":  d.Sender,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\n", d.ID)
			fmt.Fprintf(w, "event: message\n")
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
