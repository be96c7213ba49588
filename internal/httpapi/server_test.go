package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erichowens/port-daddy/internal/config"
	"github.com/erichowens/port-daddy/internal/core"
	"github.com/erichowens/port-daddy/internal/services"
	"github.com/erichowens/port-daddy/internal/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *core.Core) {
	t.Helper()
	cfg := &config.Config{
		DBPath:      storage.MemoryPath,
		PortRangeLo: 3100,
		PortRangeHi: 3199,
	}
	c, err := core.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	srv := httptest.NewServer(New(c, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return srv, c
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestClaimLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/claim", map[string]any{"id": "myapp:api"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	port := body["port"].(float64)
	assert.GreaterOrEqual(t, port, float64(3100))
	assert.Equal(t, false, body["existing"])

	// Repeat claim: same port, existing flag.
	_, body = doJSON(t, http.MethodPost, srv.URL+"/claim", map[string]any{"id": "myapp:api"})
	assert.Equal(t, port, body["port"])
	assert.Equal(t, true, body["existing"])

	// Identity with a colon must be URL-encoded in paths.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/services/"+url.PathEscape("myapp:api"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	svc := body["service"].(map[string]any)
	assert.Equal(t, "myapp:api", svc["id"])

	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/release", map[string]any{"id": "myapp:api"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["released"])
}

func TestClaimInvalidIdentity(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/claim", map[string]any{"id": "a:b:c:d"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "IDENTITY_INVALID", body["code"])
}

func TestServiceNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/services/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "SERVICE_NOT_FOUND", body["code"])
}

func TestLockConflict(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/locks/deploy", map[string]any{"owner": "a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/locks/deploy", map[string]any{"owner": "b"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "LOCK_HELD", body["code"])
	assert.Equal(t, "a", body["holder"])

	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/locks/deploy", map[string]any{"owner": "a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["released"])
}

func TestMessagingRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/msg/builds",
		map[string]any{"payload": map[string]string{"status": "ok"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := body["id"].(float64)
	assert.Greater(t, id, float64(0))

	_, body = doJSON(t, http.MethodGet, srv.URL+"/msg/builds", nil)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	payload := msgs[0].(map[string]any)["payload"].(map[string]any)
	assert.Equal(t, "ok", payload["status"])

	_, body = doJSON(t, http.MethodGet, srv.URL+fmt.Sprintf("/msg/builds?poll=1&after=%d", int(id)), nil)
	assert.Nil(t, body["message"])

	_, body = doJSON(t, http.MethodGet, srv.URL+"/channels", nil)
	channels := body["channels"].([]any)
	require.Len(t, channels, 1)

	_, body = doJSON(t, http.MethodDelete, srv.URL+"/msg/builds", nil)
	assert.Equal(t, float64(1), body["cleared"])
}

func TestSessionRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/sessions",
		map[string]any{"purpose": "work", "files": []string{"a.ts"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID := body["sessionId"].(string)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/sessions/"+sessionID+"/notes",
		map[string]any{"content": "did a thing"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPut, srv.URL+"/sessions/"+sessionID,
		map[string]any{"status": "completed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"a.ts"}, body["releasedFiles"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/sessions/missing-id", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "SESSION_NOT_FOUND", body["code"])
}

func TestAgentRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/agents", map[string]any{"id": "a1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agent := body["agent"].(map[string]any)
	assert.Equal(t, "a1", agent["id"])

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/agents/a1/heartbeat", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/agents/a1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["unregistered"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/agents/a1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWaitTimesOut(t *testing.T) {
	srv, _ := newTestServer(t)

	start := time.Now()
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/wait/never:appears?timeout=200", nil)
	require.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	assert.Equal(t, true, body["timedOut"])
	assert.Equal(t, float64(0), body["resolved"])
	assert.Equal(t, float64(1), body["requested"])
	assert.Equal(t, "TIMEOUT", body["code"])
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitResolvesOnClaim(t *testing.T) {
	srv, c := newTestServer(t)

	done := make(chan map[string]any, 1)
	go func() {
		_, body := doJSON(t, http.MethodPost, srv.URL+"/wait",
			map[string]any{"ids": []string{"late:svc"}, "timeout": float64(5000)})
		done <- body
	}()

	time.Sleep(100 * time.Millisecond)
	_, err := c.Services.Claim("late:svc", services.ClaimOptions{})
	require.NoError(t, err)

	select {
	case body := <-done:
		assert.Equal(t, true, body["success"])
		assert.Equal(t, float64(1), body["resolved"])
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not resolve after claim")
	}
}

func TestWebhookRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/webhooks",
		map[string]any{"url": "https://example.com/hook"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	hookID := body["webhook"].(map[string]any)["id"].(string)

	// Partial update: deactivate without touching anything else.
	resp, body = doJSON(t, http.MethodPut, srv.URL+"/webhooks/"+hookID,
		map[string]any{"active": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["webhook"].(map[string]any)["active"])

	_, body = doJSON(t, http.MethodGet, srv.URL+"/webhooks?active=true", nil)
	assert.Empty(t, body["webhooks"].([]any))

	// A test fire queues one delivery (no worker runs in this test).
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/webhooks/"+hookID+"/test", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body = doJSON(t, http.MethodGet, srv.URL+"/webhooks/"+hookID+"/deliveries", nil)
	require.Len(t, body["deliveries"].([]any), 1)

	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/webhooks/"+hookID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["removed"])
}

func TestHealthAndVersion(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/version", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["version"])
}

func TestCleanupRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/ports/cleanup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body, "cleaned")
}
