// Package httpapi is the JSON-over-HTTP facade of the daemon. Every handler
// translates one request into one core operation and surfaces its outcome;
// no coordination logic lives here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/erichowens/port-daddy/internal/core"
	"github.com/erichowens/port-daddy/internal/storage"
	"github.com/erichowens/port-daddy/internal/types"
)

// Version is stamped at build time.
var Version = "dev"

// Server is the HTTP facade over the core.
type Server struct {
	core *core.Core
	log  zerolog.Logger
}

// New constructs the server.
func New(c *core.Core, logger zerolog.Logger) *Server {
	return &Server{core: c, log: logger.With().Str("component", "httpapi").Logger()}
}

// Router builds the request surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Post("/claim", s.handleClaim)
	r.Delete("/release", s.handleRelease)
	r.Get("/services", s.handleListServices)
	r.Get("/services/{id}", s.handleGetService)
	r.Put("/services/{id}/endpoints/{name}", s.handleSetEndpoint)

	r.Get("/wait/{id}", s.handleWaitOne)
	r.Post("/wait", s.handleWaitMany)

	r.Post("/locks/{name}", s.handleAcquireLock)
	r.Delete("/locks/{name}", s.handleReleaseLock)
	r.Put("/locks/{name}", s.handleExtendLock)
	r.Get("/locks/{name}", s.handleCheckLock)
	r.Get("/locks", s.handleListLocks)

	r.Post("/agents", s.handleRegisterAgent)
	r.Post("/agents/{id}/heartbeat", s.handleHeartbeat)
	r.Delete("/agents/{id}", s.handleUnregisterAgent)
	r.Get("/agents/{id}", s.handleGetAgent)
	r.Get("/agents", s.handleListAgents)

	r.Post("/msg/{channel}", s.handlePublish)
	r.Get("/msg/{channel}", s.handleGetMessages)
	r.Delete("/msg/{channel}", s.handleClearChannel)
	r.Get("/channels", s.handleListChannels)
	r.Get("/subscribe/{channel}", s.handleSubscribe)

	r.Post("/sessions", s.handleStartSession)
	r.Get("/sessions", s.handleListSessions)
	r.Get("/sessions/{id}", s.handleGetSession)
	r.Put("/sessions/{id}", s.handleEndSession)
	r.Delete("/sessions/{id}", s.handleRemoveSession)
	r.Post("/sessions/{id}/notes", s.handleAddNote)
	r.Post("/sessions/{id}/files", s.handleClaimFiles)
	r.Delete("/sessions/{id}/files", s.handleReleaseFiles)
	r.Post("/notes", s.handleQuickNote)
	r.Get("/files/conflicts", s.handleFileConflicts)

	r.Post("/webhooks", s.handleRegisterWebhook)
	r.Get("/webhooks", s.handleListWebhooks)
	r.Put("/webhooks/{id}", s.handleUpdateWebhook)
	r.Delete("/webhooks/{id}", s.handleRemoveWebhook)
	r.Post("/webhooks/{id}/test", s.handleTestWebhook)
	r.Get("/webhooks/{id}/deliveries", s.handleListDeliveries)

	r.Get("/activity", s.handleActivity)
	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)
	r.Post("/ports/cleanup", s.handleCleanup)

	return r
}

// Serve listens on the TCP address and, when socketPath is non-empty, a
// unix domain socket, until ctx is canceled.
func (s *Server) Serve(ctx context.Context, addr, socketPath string) error {
	handler := s.Router()
	g, ctx := errgroup.WithContext(ctx)

	serveOn := func(ln net.Listener) func() error {
		srv := &http.Server{
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return nil
		})
		return func() error {
			err := srv.Serve(ln)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	}

	tcpLn, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", tcpLn.Addr().String()).Msg("listening")
	g.Go(serveOn(tcpLn))

	if socketPath != "" {
		_ = os.Remove(socketPath)
		unixLn, err := net.Listen("unix", socketPath)
		if err != nil {
			return err
		}
		s.log.Info().Str("socket", socketPath).Msg("listening")
		g.Go(serveOn(unixLn))
	}

	return g.Wait()
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("agent", r.Header.Get("X-Agent-Id")).
			Msg("request")
	})
}

// caller extracts the identifying headers.
func caller(r *http.Request) (agentID string, pid int) {
	agentID = r.Header.Get("X-Agent-Id")
	if v := r.Header.Get("X-Pid"); v != "" {
		pid, _ = strconv.Atoi(v)
	}
	return agentID, pid
}

// writeOK writes a success envelope: the payload's fields plus
// success=true.
func (s *Server) writeOK(w http.ResponseWriter, status int, payload any) {
	body := map[string]any{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			// Non-object payloads are wrapped under "result".
			body = map[string]any{"result": json.RawMessage(raw)}
		}
	}
	body["success"] = true
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeErr maps a component outcome to an HTTP status with the stable code.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	code := types.CodeOf(err)
	status := statusFor(code)
	if storage.IsNotFound(err) {
		status = http.StatusNotFound
		code = types.CodeValidation
	}

	body := map[string]any{
		"success": false,
		"error":   err.Error(),
		"code":    string(code),
	}
	for k, v := range types.ExtrasOf(err) {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func statusFor(code types.Code) int {
	switch code {
	case types.CodeIdentityInvalid, types.CodeValidation, types.CodeAgentIDInvalid,
		types.CodeInvalidTTL, types.CodeInvalidEvent:
		return http.StatusBadRequest
	case types.CodeLockHeld, types.CodeFileConflict:
		return http.StatusConflict
	case types.CodePortExhausted:
		return http.StatusServiceUnavailable
	case types.CodeServiceNotFound, types.CodeLockNotFound, types.CodeSessionNotFound:
		return http.StatusNotFound
	case types.CodeTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into dst; an empty body is allowed.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return types.E(types.CodeValidation, "invalid request body: %v", err)
	}
	return nil
}
