package taskview

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskly/backend"
	"taskly/backend/sqlite"
	"taskly/internal/apiclient"
	"taskly/internal/cache"
	"taskly/internal/connectivity"
	"taskly/internal/worker"
)

const apiBase = "http://api.test/api"

// fakeAPI returns a fixed result and counts calls.
type fakeAPI struct {
	res   apiclient.Result[[]backend.Task]
	calls atomic.Int32
}

func (f *fakeAPI) FetchTasks(context.Context) apiclient.Result[[]backend.Task] {
	f.calls.Add(1)
	return f.res
}

func openReplica(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
}

func TestLoadFromNetworkWritesThrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	replica := openReplica(t)
	require.NoError(t, replica.PutAll(ctx, []backend.Task{{ID: 99, Title: "stale", Status: backend.StatusPending}}))

	api := &fakeAPI{res: apiclient.Result[[]backend.Task]{Data: []backend.Task{
		{ID: 1, Title: "A", Status: backend.StatusPending},
	}}}
	v := New(Config{API: api, Replica: replica, Monitor: connectivity.Static(true), Now: fixedNow})

	snap := v.Load(ctx)
	assert.False(t, snap.Loading)
	assert.Empty(t, snap.Error)
	assert.False(t, snap.UsingLocal)
	assert.Equal(t, fixedNow(), snap.LastSync)
	require.Len(t, snap.Tasks, 1)

	stored, err := replica.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.Tasks, stored, "replica is overwritten with the fetched set")
}

func TestLoadOfflineFallsBackToReplica(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	replica := openReplica(t)
	local := []backend.Task{{ID: 3, Title: "local", Status: backend.StatusCompleted}}
	require.NoError(t, replica.PutAll(ctx, local))

	api := &fakeAPI{res: apiclient.Result[[]backend.Task]{Error: "connection refused", Offline: true}}
	v := New(Config{API: api, Replica: replica, Monitor: connectivity.Static(false)})

	snap := v.Load(ctx)
	assert.Empty(t, snap.Error)
	assert.True(t, snap.UsingLocal)
	assert.Equal(t, NoticeUsingLocal, snap.Notice)
	assert.Equal(t, local, snap.Tasks)
	assert.True(t, snap.LastSync.IsZero())
}

func TestLoadOfflineWithEmptyReplica(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{res: apiclient.Result[[]backend.Task]{Error: "timeout"}}
	v := New(Config{API: api, Replica: openReplica(t), Monitor: connectivity.Static(false)})

	snap := v.Load(context.Background())
	assert.Equal(t, ErrCouldNotLoad, snap.Error)
	assert.Empty(t, snap.Tasks)
	assert.False(t, snap.UsingLocal)
}

func TestLoadErrorWhileOnlineKeepsTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	api := &fakeAPI{res: apiclient.Result[[]backend.Task]{Data: []backend.Task{{ID: 1, Title: "A", Status: backend.StatusPending}}}}
	v := New(Config{API: api, Replica: openReplica(t), Monitor: connectivity.Static(true)})
	v.Load(ctx)

	api.res = apiclient.Result[[]backend.Task]{Error: "HTTP 500: Internal Server Error"}
	snap := v.Load(ctx)
	assert.Equal(t, "HTTP 500: Internal Server Error", snap.Error)
	assert.Len(t, snap.Tasks, 1)
	assert.Empty(t, snap.Notice)
}

func TestLoadUsesResultOfflineWithoutMonitor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	replica := openReplica(t)
	require.NoError(t, replica.PutAll(ctx, []backend.Task{{ID: 1, Title: "x", Status: backend.StatusPending}}))

	api := &fakeAPI{res: apiclient.Result[[]backend.Task]{Error: "down", Offline: true}}
	v := New(Config{API: api, Replica: replica})

	assert.True(t, v.Load(ctx).UsingLocal)
}

func TestMutationsWriteThroughAndSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	replica := openReplica(t)

	var syncs atomic.Int32
	online := atomic.Bool{}
	online.Store(true)
	v := New(Config{
		API:     &fakeAPI{res: apiclient.Result[[]backend.Task]{Data: []backend.Task{{ID: 4, Title: "first", Status: backend.StatusPending}}}},
		Replica: replica,
		Monitor: connectivity.Func(online.Load),
		Sync: func(context.Context) error {
			syncs.Add(1)
			return errors.New("server unreachable")
		},
	})
	v.Load(ctx)

	task, ok, err := v.Add(ctx, "  Comprar pan  ")
	require.NoError(t, err, "sync failure is never surfaced")
	assert.True(t, ok)
	assert.Equal(t, backend.Task{ID: 5, Title: "Comprar pan", Status: backend.StatusPending}, task)

	_, ok, err = v.Add(ctx, "   ")
	require.NoError(t, err)
	assert.False(t, ok)

	toggled, err := v.Toggle(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCompleted, toggled.Status)

	online.Store(false)
	require.NoError(t, v.Delete(ctx, 5))

	assert.Equal(t, int32(2), syncs.Load(), "sync runs only while online")

	stored, err := replica.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []backend.Task{{ID: 4, Title: "first", Status: backend.StatusCompleted}}, stored)
	assert.Equal(t, stored, v.Visible(), "failed sync never rolls back")
}

func TestMutationsUnknownID(t *testing.T) {
	t.Parallel()
	v := New(Config{API: &fakeAPI{}, Replica: openReplica(t)})

	_, err := v.Toggle(context.Background(), 42)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "task not found: 42")
	assert.Error(t, v.Delete(context.Background(), 42))
}

func TestFilterAndStats(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{res: apiclient.Result[[]backend.Task]{Data: []backend.Task{
		{ID: 1, Title: "a", Status: backend.StatusCompleted},
		{ID: 2, Title: "b", Status: backend.StatusPending},
		{ID: 3, Title: "c", Status: backend.StatusPending},
	}}}
	v := New(Config{API: api, Replica: openReplica(t)})
	v.Load(context.Background())

	assert.Equal(t, Stats{Total: 3, Pending: 2, Completed: 1, Percent: 33}, v.Stats())

	v.SetFilter(FilterPending)
	assert.Len(t, v.Visible(), 2)
	v.SetFilter(FilterCompleted)
	assert.Equal(t, 1, v.Visible()[0].ID)

	snap := v.Snapshot()
	assert.Equal(t, FilterCompleted, snap.Filter)
	assert.Len(t, snap.Tasks, 1)
	assert.Equal(t, 3, snap.Stats.Total, "stats ignore the filter")

	assert.Equal(t, Stats{}, ComputeStats(nil))
}

func TestParseFilter(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Filter{"": FilterAll, "ALL": FilterAll, "pending": FilterPending, "done": FilterCompleted, "Pendiente": FilterPending, "completada": FilterCompleted} {
		got, err := ParseFilter(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFilter("archived")
	assert.Error(t, err)
}

func TestLoadLocal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	replica := openReplica(t)
	require.NoError(t, replica.PutAll(ctx, []backend.Task{{ID: 2, Title: "b", Status: backend.StatusPending}}))

	api := &fakeAPI{}
	v := New(Config{API: api, Replica: replica})
	snap, err := v.LoadLocal(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Tasks, 1)
	assert.Zero(t, api.calls.Load())
}

// TestEndToEndOfflineReload drives a real client against a mocked network:
// the first load goes through, the second fails and is served from the replica.
func TestEndToEndOfflineReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mt := httpmock.NewMockTransport()
	mt.RegisterResponder(http.MethodGet, apiBase+"/tasks",
		httpmock.NewStringResponder(200, `[{"id":1,"title":"A","status":"Pendiente"}]`))

	online := atomic.Bool{}
	online.Store(true)
	monitor := connectivity.Func(online.Load)
	client := apiclient.New(apiclient.Config{
		BaseURL:      apiBase,
		Transport:    mt,
		Retries:      2,
		BaseDelay:    time.Millisecond,
		Connectivity: monitor,
	})
	replica := openReplica(t)
	v := New(Config{API: client, Replica: replica, Monitor: monitor})

	snap := v.Load(ctx)
	want := []backend.Task{{ID: 1, Title: "A", Status: backend.StatusPending}}
	assert.Equal(t, want, snap.Tasks)
	stored, err := replica.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, stored)

	online.Store(false)
	mt.RegisterResponder(http.MethodGet, apiBase+"/tasks",
		httpmock.NewErrorResponder(errors.New("dial tcp: network is unreachable")))

	snap = v.Load(ctx)
	assert.Equal(t, want, snap.Tasks)
	assert.True(t, snap.UsingLocal)
	assert.Empty(t, snap.Error, "no error banner when local data is shown")
}

// TestEndToEndThroughWorker routes the client through the worker: the offline
// reload is answered from the API cache before the replica is needed.
func TestEndToEndThroughWorker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mt := httpmock.NewMockTransport()
	mt.RegisterResponder(http.MethodGet, apiBase+"/tasks",
		httpmock.NewStringResponder(200, `[{"id":7,"title":"cached","status":"Completada"}]`))

	w, err := worker.New(worker.NewConfig("http://app.test", apiBase), cache.NewMemoryStorage(), mt)
	require.NoError(t, err)
	container := worker.NewContainer(nil)
	t.Cleanup(container.Close)
	_, err = container.Register(ctx, w, worker.RegisterOptions{Environment: "production"})
	require.NoError(t, err)

	client := apiclient.New(apiclient.Config{
		BaseURL:   apiBase,
		Transport: container.Transport(mt),
		Retries:   1,
	})
	v := New(Config{API: client, Replica: openReplica(t), Monitor: connectivity.Static(true)})
	require.Len(t, v.Load(ctx).Tasks, 1)

	mt.RegisterResponder(http.MethodGet, apiBase+"/tasks",
		httpmock.NewErrorResponder(errors.New("connection refused")))
	snap := v.Load(ctx)
	assert.Empty(t, snap.Error)
	assert.Equal(t, []backend.Task{{ID: 7, Title: "cached", Status: backend.StatusCompleted}}, snap.Tasks)
}
