package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/clipvault/internal/catalog"
	"github.com/JakeFAU/clipvault/internal/config"
	"github.com/JakeFAU/clipvault/internal/media"
	"github.com/JakeFAU/clipvault/internal/store"
	"github.com/JakeFAU/clipvault/internal/testsupport"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{})
	rec := serve(server, http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestServer_ReadyzReflectsStore(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{})
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/readyz", "").Code)

	down := NewServer(catalog.New(nil, nil, nil), failingPinger{}, config.Config{}, zap.NewNop())
	require.Equal(t, http.StatusServiceUnavailable, serve(down, http.MethodGet, "/readyz", "").Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{})
	serve(server, http.MethodGet, "/healthz", "")
	rec := serve(server, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_GetItem(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{})

	rec := serve(server, http.MethodGet, "/v1/items/alice/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view itemView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "1", view.ItemID)
	require.Equal(t, []string{"beach"}, view.Tags)

	rec = serve(server, http.MethodGet, "/v1/items/alice/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListByDate(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{})

	rec := serve(server, http.MethodGet, "/v1/items?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []itemView `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	require.Equal(t, "2", body.Items[0].ItemID)

	rec = serve(server, http.MethodGet, "/v1/items?from=abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_TagsAndOwners(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{})

	rec := serve(server, http.MethodGet, "/v1/tags", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"tags":["beach","dog"]}`, rec.Body.String())

	rec = serve(server, http.MethodGet, "/v1/tags/dog", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"item_id":"2"`)
	require.NotContains(t, rec.Body.String(), `"item_id":"1"`)

	rec = serve(server, http.MethodGet, "/v1/owners", "")
	require.JSONEq(t, `{"owners":["alice"]}`, rec.Body.String())

	rec = serve(server, http.MethodGet, "/v1/owners/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"item_id":"1"`)
}

func TestServer_DeleteItem(t *testing.T) {
	t.Parallel()

	server, st := newTestServer(t, config.Config{})

	rec := serve(server, http.MethodPost, "/v1/items/alice/2/delete", "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, indexed, err := st.DateScore(context.Background(), "2")
	require.NoError(t, err)
	require.False(t, indexed)

	rec = serve(server, http.MethodPost, "/v1/items/alice/missing/delete", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AddTag(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{})

	rec := serve(server, http.MethodPost, "/v1/items/tags", `{"ids":["1","2"],"tag":"#Sunset"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"changed":["1","2"]}`, rec.Body.String())

	rec = serve(server, http.MethodPost, "/v1/items/tags", `{"ids":["1"],"tag":"#"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/items/tags", `{invalid`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RequeueAndQueues(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{})

	rec := serve(server, http.MethodPost, "/v1/requeue", `{"stage":"download","ids":["1","nope"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"requeued":["1"],"skipped":[],"unknown":["nope"]}`, rec.Body.String())

	rec = serve(server, http.MethodPost, "/v1/requeue", `{"stage":"upload","ids":["1"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/requeue/metadata/dead", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/queues", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Queues []catalog.QueueStat `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []catalog.QueueStat{
		{Stage: media.StageMetadata},
		{Stage: media.StageDownload, Queued: 1},
	}, body.Queues)
}

func TestServer_TrackedOwners(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{})

	require.Equal(t, http.StatusOK, serve(server, http.MethodPost, "/v1/tracked/carol", "").Code)
	rec := serve(server, http.MethodGet, "/v1/tracked", "")
	require.JSONEq(t, `{"owners":["carol"]}`, rec.Body.String())

	require.Equal(t, http.StatusOK, serve(server, http.MethodDelete, "/v1/tracked/carol", "").Code)
	rec = serve(server, http.MethodGet, "/v1/tracked", "")
	require.JSONEq(t, `{"owners":[]}`, rec.Body.String())
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server, _ := newTestServer(t, cfg)

	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusForbidden, serve(server, http.MethodGet, "/v1/tags", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/tags", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/v1/tags?api_key=secret", "").Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, config.Config{})
	rec := serve(server, http.MethodGet, "/healthz", "")

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error {
	return errors.New("connection refused")
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, _ := testsupport.NewStore(t)
	for _, rec := range []media.Record{
		{ItemID: "1", OwnerID: "alice", SourceURL: "https://example.com/1", Tags: []string{"beach"}, DerivedTimestamp: 100},
		{ItemID: "2", OwnerID: "alice", SourceURL: "https://example.com/2", Tags: []string{"dog"}, DerivedTimestamp: 200},
	} {
		require.NoError(t, st.SaveRecord(ctx, rec))
	}
	return NewServer(catalog.New(st, nil, zap.NewNop()), st, cfg, zap.NewNop()), st
}

func serve(server *Server, method, target, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}
