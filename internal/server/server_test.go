package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskly/internal/cache"
	"taskly/internal/connectivity"
	"taskly/internal/notification"
	"taskly/internal/worker"
)

const (
	origin  = "https://app.test"
	apiBase = "https://api.test/api"
)

var errOffline = errors.New("dial tcp: connect: network is unreachable")

// recorder keeps every notification it is sent.
type recorder struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (r *recorder) Send(n notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}
func (r *recorder) SendAsync(n notification.Notification) { _ = r.Send(n) }
func (r *recorder) Close() error                          { return nil }
func (r *recorder) ChannelCount() int                     { return 1 }

type fixture struct {
	srv  *Server
	c    *worker.Container
	net  *httpmock.MockTransport
	sent *recorder
}

func newFixture(t *testing.T, register bool) *fixture {
	t.Helper()
	f := &fixture{net: httpmock.NewMockTransport(), sent: &recorder{}}
	f.net.RegisterResponder(http.MethodGet, origin+"/", httpmock.NewStringResponder(200, "<html>root</html>"))
	f.net.RegisterResponder(http.MethodGet, origin+"/index.html", httpmock.NewStringResponder(200, "<html>index</html>"))
	f.net.RegisterResponder(http.MethodGet, origin+"/app.js", httpmock.NewStringResponder(200, "console.log(1)"))

	reg := prometheus.NewRegistry()
	cfg := worker.NewConfig(origin, apiBase)
	cfg.CriticalAssets = []string{"/", "/index.html"}
	w, err := worker.New(cfg, cache.NewMemoryStorage(), f.net,
		worker.WithNotifier(f.sent), worker.WithMetrics(worker.NewMetrics(reg)))
	require.NoError(t, err)

	f.c = worker.NewContainer(nil)
	t.Cleanup(f.c.Close)
	t.Cleanup(w.Stop)
	if register {
		_, err := f.c.Register(context.Background(), w, worker.RegisterOptions{Environment: "production"})
		require.NoError(t, err)
	}

	f.srv = New(Config{
		Origin:    origin,
		Container: f.c,
		Network:   f.net,
		Monitor:   connectivity.Static(false),
		Gatherer:  reg,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestProxyServesShellWhenOriginDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	rec := f.do(t, http.MethodGet, "/index.html", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>index</html>", rec.Body.String())

	f.net.RegisterResponder(http.MethodGet, origin+"/index.html", httpmock.NewErrorResponder(errOffline))
	rec = f.do(t, http.MethodGet, "/index.html", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>index</html>", rec.Body.String(), "cached shell document")

	f.net.RegisterResponder(http.MethodGet, origin+"/tasks/7", httpmock.NewErrorResponder(errOffline))
	rec = f.do(t, http.MethodGet, "/tasks/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>root</html>", rec.Body.String(), "root document fallback")
}

func TestProxyStaticIsCacheFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/app.js", "").Code)
	calls := f.net.GetTotalCallCount()

	rec := f.do(t, http.MethodGet, "/app.js", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log(1)", rec.Body.String())
	assert.Equal(t, calls, f.net.GetTotalCallCount(), "second hit must not reach the origin")
}

func TestProxyWithoutControllerGoesToNetwork(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/index.html", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.net.RegisterResponder(http.MethodGet, origin+"/index.html", httpmock.NewErrorResponder(errOffline))
	rec = f.do(t, http.MethodGet, "/index.html", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	rec := f.do(t, http.MethodPost, PathMessages, `{"type":"GET_CACHE_SIZE"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var reply worker.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, worker.TypeCacheSize, reply.Type)
	assert.Positive(t, reply.Size)

	rec = f.do(t, http.MethodPost, PathMessages, `{"type":"CLEAR_CACHE"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, worker.TypeDone, reply.Type)

	rec = f.do(t, http.MethodPost, PathMessages, `{"type":"GET_CACHE_SIZE"}`)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Zero(t, reply.Size)
}

func TestMessagesCacheSizeZeroIsOnTheWire(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	rec := f.do(t, http.MethodPost, PathMessages, `{"type":"CLEAR_CACHE"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"size"`, "only CACHE_SIZE replies carry a size")

	rec = f.do(t, http.MethodPost, PathMessages, `{"type":"GET_CACHE_SIZE"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, worker.TypeCacheSize, raw["type"])
	assert.Contains(t, raw, "size")
	assert.EqualValues(t, 0, raw["size"])
}

func TestMessagesWithoutWaiting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	rec := f.do(t, http.MethodPost, PathMessages+"?wait=false", `{"type":"CLEAR_CACHE"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())

	// The loop handles messages in order, so the clear has run by the time this is answered.
	rec = f.do(t, http.MethodPost, PathMessages, `{"type":"GET_CACHE_SIZE"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var reply worker.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Zero(t, reply.Size)
}

func TestMessagesWithoutWaitingNeedsController(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, PathMessages+"?wait=false", `{"type":"CLEAR_CACHE"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMessagesRejectUnknownType(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	rec := f.do(t, http.MethodPost, PathMessages, `{"type":"SELF_DESTRUCT"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, PathMessages, `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessagesCacheURLsFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.net.RegisterResponder(http.MethodGet, origin+"/missing.js", httpmock.NewErrorResponder(errOffline))

	rec := f.do(t, http.MethodPost, PathMessages, `{"type":"CACHE_URLS","payload":["/app.js","/missing.js"]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var reply worker.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.NotEmpty(t, reply.Error)
}

func TestMessagesWithoutController(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, PathMessages, `{"type":"CLEAR_CACHE"}`).Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, PathPush, `{}`).Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, PathClick, ``).Code)
}

func TestPushShowsNotification(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	rec := f.do(t, http.MethodPost, PathPush, `{"title":"Reminder","body":"Comprar pan"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var n notification.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))
	assert.Equal(t, "Reminder", n.Title)

	f.sent.mu.Lock()
	defer f.sent.mu.Unlock()
	require.Len(t, f.sent.sent, 1)
	assert.Equal(t, "Comprar pan", f.sent.sent[0].Message)
}

func TestClick(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, PathClick, "").Code)
}

func TestSkipWaitingWithoutWaitingWorker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	rec := f.do(t, http.MethodPost, PathSkipWaiting, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"activated":false}`, rec.Body.String())
}

func TestState(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	rec := f.do(t, http.MethodGet, PathState, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.NotNil(t, st.Controller)
	assert.Equal(t, "v1", st.Controller.Version)
	assert.Equal(t, "activated", st.Controller.State)
	assert.Nil(t, st.Waiting)
	assert.Equal(t, "/", st.Scope)
	assert.False(t, st.Online)
	assert.Positive(t, st.CacheSize)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.do(t, http.MethodGet, "/app.js", "")

	rec := f.do(t, http.MethodGet, PathMetrics, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskly_worker_fetch_total")
}
