package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskly/internal/notification"
)

func TestDecodeCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    Command
		wantErr bool
	}{
		{"clear", `{"type":"CLEAR_CACHE"}`, ClearCache{}, false},
		{"size", `{"type":"GET_CACHE_SIZE"}`, GetCacheSize{}, false},
		{"urls", `{"type":"CACHE_URLS","payload":["/a.js","/b.css"]}`, CacheURLs{URLs: []string{"/a.js", "/b.css"}}, false},
		{"urls without payload", `{"type":"CACHE_URLS"}`, CacheURLs{}, false},
		{"bad payload", `{"type":"CACHE_URLS","payload":"x"}`, nil, true},
		{"unknown", `{"type":"SKIP_WAITING"}`, nil, true},
		{"not json", `CLEAR_CACHE`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCommand([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DecodeCommand([]byte(`{"type":"NOPE"}`))
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestHandleClearCacheKeepsOtherNamespaces(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seed(t, f.storage, "taskly-v1", origin+"/", 200, "root")
	seed(t, f.storage, "taskly-api-v1", apiBase+"/tasks", 200, "[]")
	seed(t, f.storage, "other-app", origin+"/x", 200, "x")

	r := f.w.Handle(ctx, ClearCache{})
	assert.Empty(t, r.Error)

	keys, err := f.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other-app"}, keys)
}

func TestHandleCacheURLsIsAllOrNothing(t *testing.T) {
	t.Parallel()

	t.Run("all succeed", func(t *testing.T) {
		f := newFixture(t)
		f.net.RegisterResponder("GET", origin+"/a.js", httpmock.NewStringResponder(200, "a"))
		f.net.RegisterResponder("GET", origin+"/b.css", httpmock.NewStringResponder(200, "bb"))

		r := f.w.Handle(context.Background(), CacheURLs{URLs: []string{"/a.js", "/b.css"}})
		assert.Empty(t, r.Error)

		runtime, err := f.storage.Open(context.Background(), "taskly-runtime-v1")
		require.NoError(t, err)
		keys, err := runtime.Keys(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{origin + "/a.js", origin + "/b.css"}, keys)
	})

	t.Run("one fails", func(t *testing.T) {
		f := newFixture(t)
		f.net.RegisterResponder("GET", origin+"/a.js", httpmock.NewStringResponder(200, "a"))
		f.net.RegisterResponder("GET", origin+"/b.css", httpmock.NewStringResponder(404, "missing"))

		r := f.w.Handle(context.Background(), CacheURLs{URLs: []string{"/a.js", "/b.css"}})
		assert.NotEmpty(t, r.Error)

		e, err := f.storage.Match(context.Background(), origin+"/a.js")
		require.NoError(t, err)
		assert.Nil(t, e, "a failed batch must not store anything")
	})
}

func TestHandleGetCacheSizeCountsNamespaceOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	seed(t, f.storage, "taskly-v1", origin+"/", 200, "12345")
	seed(t, f.storage, "taskly-api-v1", apiBase+"/tasks", 200, "[]")
	seed(t, f.storage, "other-app", origin+"/x", 200, "ignored")

	r := f.w.Handle(context.Background(), GetCacheSize{})
	assert.Equal(t, TypeCacheSize, r.Type)
	assert.Equal(t, int64(7), r.Size)
}

func TestMessageLoopRepliesWithCorrelationID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	seed(t, f.storage, "taskly-v1", origin+"/", 200, "abc")

	f.w.Start()
	defer f.w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	replies := make(chan Reply, 1)
	env := NewEnvelope(GetCacheSize{}, replies)
	require.NoError(t, f.w.Post(ctx, env))

	select {
	case r := <-replies:
		assert.Equal(t, env.ID, r.ID)
		assert.Equal(t, "CACHE_SIZE", r.Type)
		assert.Equal(t, int64(3), r.Size)
	case <-ctx.Done():
		t.Fatal("no reply from worker")
	}
}

func TestPostToStoppedWorker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.w.Post(context.Background(), NewEnvelope(ClearCache{}, nil))
	assert.ErrorIs(t, err, ErrWorkerStopped)

	f.w.Start()
	f.w.Start()
	f.w.Stop()
	f.w.Stop()
	assert.ErrorIs(t, f.w.Post(context.Background(), NewEnvelope(ClearCache{}, nil)), ErrWorkerStopped)
}

func TestRequestReturnsWhenLoopStopsWithQueuedMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f.net.RegisterResponder(http.MethodGet, origin+"/slow.js", func(*http.Request) (*http.Response, error) {
		entered <- struct{}{}
		<-release
		return httpmock.NewStringResponse(200, "slow"), nil
	})

	c := NewContainer(nil)
	t.Cleanup(c.Close)
	_, err := c.Register(ctx, f.w, RegisterOptions{Environment: "production"})
	require.NoError(t, err)

	// Keep the loop busy so the next message waits in the inbox.
	require.NoError(t, f.w.Post(ctx, NewEnvelope(CacheURLs{URLs: []string{"/slow.js"}}, nil)))
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("loop never picked up the first message")
	}

	result := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, GetCacheSize{})
		result <- err
	}()
	require.Eventually(t, func() bool { return len(f.w.inbox) == 1 }, 5*time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		f.w.Stop()
		close(stopped)
	}()
	close(release)

	select {
	case err := <-result:
		if err != nil {
			assert.ErrorIs(t, err, ErrWorkerStopped)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Request blocked after the message loop stopped")
	}
	<-stopped
}

func TestReplyJSONSize(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Reply{Type: TypeCacheSize})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"size":0`)

	data, err = json.Marshal(Reply{Type: TypeDone})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"size"`)

	var back Reply
	require.NoError(t, json.Unmarshal([]byte(`{"type":"CACHE_SIZE","size":42}`), &back))
	assert.Equal(t, int64(42), back.Size)
}

func TestParsePush(t *testing.T) {
	t.Parallel()
	cfg := testConfig()

	tests := []struct {
		name      string
		payload   string
		wantTitle string
		wantBody  string
	}{
		{"json", `{"title":"Recordatorio","body":"Comprar pan"}`, "Recordatorio", "Comprar pan"},
		{"json title only", `{"title":"Hola"}`, "Hola", DefaultPushBody},
		{"plain text", `Tarea vencida`, DefaultPushTitle, "Tarea vencida"},
		{"empty", ``, DefaultPushTitle, DefaultPushBody},
		{"empty object", `{}`, DefaultPushTitle, DefaultPushBody},
		{"json string", `"hello"`, DefaultPushTitle, DefaultPushBody},
		{"json number", `42`, DefaultPushTitle, DefaultPushBody},
		{"json array", `["a","b"]`, DefaultPushTitle, DefaultPushBody},
		{"json null", `null`, DefaultPushTitle, DefaultPushBody},
		{"non-string fields", `{"title":7,"body":"Leer"}`, DefaultPushTitle, "Leer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := cfg.ParsePush([]byte(tt.payload))
			assert.Equal(t, tt.wantTitle, n.Title)
			assert.Equal(t, tt.wantBody, n.Message)
			assert.Equal(t, notification.DefaultTag, n.Tag)
			assert.Equal(t, cfg.Icon, n.Icon)
			assert.Equal(t, notification.KindPush, n.Type)
		})
	}
}

func TestHandlePushShowsNotification(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.w.HandlePush(context.Background(), []byte("not json at all"))

	sent := f.sent.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "Taskly", sent[0].Title)
	assert.Equal(t, "not json at all", sent[0].Message)
}

// fakeClients records focus and open calls.
type fakeClients struct {
	windows []Client
	focused string
	opened  string
	claimed bool
}

func (c *fakeClients) MatchAll(context.Context) ([]Client, error) { return c.windows, nil }
func (c *fakeClients) Focus(_ context.Context, id string) error {
	c.focused = id
	return nil
}
func (c *fakeClients) OpenWindow(_ context.Context, rawURL string) error {
	c.opened = rawURL
	return nil
}
func (c *fakeClients) Claim(context.Context) error {
	c.claimed = true
	return nil
}

func TestHandleNotificationClick(t *testing.T) {
	t.Parallel()

	t.Run("focuses root window", func(t *testing.T) {
		clients := &fakeClients{windows: []Client{
			{ID: "w1", URL: origin + "/tareas"},
			{ID: "w2", URL: origin + "/"},
		}}
		f := newFixture(t, WithClients(clients))

		require.NoError(t, f.w.HandleNotificationClick(context.Background()))
		assert.Equal(t, "w2", clients.focused)
		assert.Empty(t, clients.opened)
	})

	t.Run("opens a window", func(t *testing.T) {
		clients := &fakeClients{windows: []Client{{ID: "w1", URL: origin + "/tareas"}}}
		f := newFixture(t, WithClients(clients))

		require.NoError(t, f.w.HandleNotificationClick(context.Background()))
		assert.Empty(t, clients.focused)
		assert.Equal(t, "/", clients.opened)
	})

	t.Run("activation claims", func(t *testing.T) {
		clients := &fakeClients{}
		f := newFixture(t, WithClients(clients))

		_, err := f.w.Activate(context.Background())
		require.NoError(t, err)
		assert.True(t, clients.claimed)
	})
}
