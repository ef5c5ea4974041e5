// Package taskview keeps the task list shown to the user in step with the
// task API and the local replica.
//
// Reads prefer the network and fall back to the replica only when the device
// is offline. Mutations are applied to memory and the replica at once; the
// network is then tried on a best-effort basis and its failures are only logged.
package taskview

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"taskly/backend"
	"taskly/internal/apiclient"
	"taskly/internal/connectivity"
	"taskly/internal/utils"
)

var log = utils.Scoped("sync")

// Messages shown by the view.
const (
	NoticeUsingLocal = "Using locally saved data"
	ErrCouldNotLoad  = "Could not load tasks"
)

// Filter selects which tasks Visible returns.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterPending   Filter = "pending"
	FilterCompleted Filter = "completed"
)

// ParseFilter maps user input to a Filter.
func ParseFilter(s string) (Filter, error) {
	if f := Filter(strings.ToLower(strings.TrimSpace(s))); f == FilterAll || f == "" {
		return FilterAll, nil
	}
	status, ok := backend.ParseStatus(s)
	if !ok {
		return "", utils.ErrInvalidStatus(s, []string{string(FilterAll), string(FilterPending), string(FilterCompleted)})
	}
	if status == backend.StatusCompleted {
		return FilterCompleted, nil
	}
	return FilterPending, nil
}

func (f Filter) keep(t backend.Task) bool {
	switch f {
	case FilterPending:
		return t.Status == backend.StatusPending
	case FilterCompleted:
		return t.Status == backend.StatusCompleted
	default:
		return true
	}
}

// Loader fetches the authoritative task list. *apiclient.Client implements it.
type Loader interface {
	FetchTasks(ctx context.Context) apiclient.Result[[]backend.Task]
}

// Syncer pushes local changes to the server after a mutation.
type Syncer func(ctx context.Context) error

// FetchSyncer syncs by asking the server for the task list once and discarding
// the answer. The API has no write endpoints, so this only confirms the server
// is reachable; the next Load replaces the local list with the server's.
func FetchSyncer(c *apiclient.Client) Syncer {
	return func(ctx context.Context) error {
		if !c.HealthCheck(ctx) {
			return fmt.Errorf("task API %s did not answer", c.BaseURL())
		}
		return nil
	}
}

// Stats summarizes the task list.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Percent   int `json:"percent"`
}

// ComputeStats counts tasks by status. Percent is the rounded share of completed tasks.
func ComputeStats(tasks []backend.Task) Stats {
	s := Stats{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case backend.StatusCompleted:
			s.Completed++
		case backend.StatusPending:
			s.Pending++
		}
	}
	if s.Total > 0 {
		s.Percent = int(math.Round(float64(s.Completed) / float64(s.Total) * 100))
	}
	return s
}

// Snapshot is a copy of the view state.
type Snapshot struct {
	Tasks      []backend.Task `json:"tasks"`
	Loading    bool           `json:"loading"`
	Error      string         `json:"error,omitempty"`
	Notice     string         `json:"notice,omitempty"`
	UsingLocal bool           `json:"using_local"`
	LastSync   time.Time      `json:"last_sync,omitzero"`
	Filter     Filter         `json:"filter"`
	Stats      Stats          `json:"stats"`
}

// Config wires a View.
type Config struct {
	API     Loader
	Replica backend.Replica
	// Monitor is the live connectivity signal. When nil the Offline flag of
	// the API result is used.
	Monitor connectivity.Monitor
	// Sync runs after each mutation while online. Nil disables it.
	Sync Syncer
	// Now is used for LastSync; nil means time.Now.
	Now func() time.Time
}

// View holds the tasks shown to the user.
type View struct {
	cfg Config

	op sync.Mutex // serializes loads and mutations

	mu         sync.RWMutex
	tasks      []backend.Task
	loading    bool
	errMsg     string
	usingLocal bool
	lastSync   time.Time
	filter     Filter
}

// New creates an empty view. Call Load or LoadLocal to fill it.
func New(cfg Config) *View {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &View{cfg: cfg, tasks: []backend.Task{}, filter: FilterAll}
}

// Load fetches the task list. On success the list is shown and written
// through to the replica. On failure while offline the replica is shown
// instead; an empty replica leaves the view in the "could not load" state.
// On failure while online the API error is shown and the tasks are kept.
func (v *View) Load(ctx context.Context) Snapshot {
	v.op.Lock()
	defer v.op.Unlock()

	v.mu.Lock()
	v.loading = true
	v.errMsg = ""
	v.mu.Unlock()

	v.load(ctx)

	v.mu.Lock()
	v.loading = false
	v.mu.Unlock()
	return v.Snapshot()
}

func (v *View) load(ctx context.Context) {
	res := v.cfg.API.FetchTasks(ctx)
	if res.OK() {
		tasks := backend.CloneTasks(res.Data)
		if err := v.cfg.Replica.ReplaceAll(ctx, tasks); err != nil {
			log.Warnf("failed to save tasks locally: %v", err)
		}
		v.mu.Lock()
		v.tasks = tasks
		v.usingLocal = false
		v.lastSync = v.cfg.Now()
		v.mu.Unlock()
		log.Debugf("loaded %d tasks from the API", len(tasks))
		return
	}

	if !v.offline(res) {
		v.mu.Lock()
		v.errMsg = res.Error
		v.mu.Unlock()
		return
	}

	local, err := v.cfg.Replica.GetAll(ctx)
	if err != nil {
		log.Warnf("failed to read local tasks: %v", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(local) > 0 {
		v.tasks = local
		v.usingLocal = true
		return
	}
	v.errMsg = ErrCouldNotLoad
}

// Refresh reloads the task list.
func (v *View) Refresh(ctx context.Context) Snapshot {
	return v.Load(ctx)
}

// LoadLocal shows the replica without touching the network.
func (v *View) LoadLocal(ctx context.Context) (Snapshot, error) {
	v.op.Lock()
	defer v.op.Unlock()

	local, err := v.cfg.Replica.GetAll(ctx)
	if err != nil {
		return v.Snapshot(), err
	}
	v.mu.Lock()
	v.tasks = local
	v.usingLocal = true
	v.errMsg = ""
	v.mu.Unlock()
	return v.Snapshot(), nil
}

func (v *View) offline(res apiclient.Result[[]backend.Task]) bool {
	if v.cfg.Monitor != nil {
		return !v.cfg.Monitor.Online()
	}
	return res.Offline
}

// Add appends a pending task with the next free id. A blank title is ignored
// and reported with ok=false.
func (v *View) Add(ctx context.Context, title string) (task backend.Task, ok bool, err error) {
	title, ok = utils.NormalizeTitle(title)
	if !ok {
		return backend.Task{}, false, nil
	}

	err = v.mutate(ctx, func(tasks []backend.Task) ([]backend.Task, error) {
		task = backend.Task{ID: backend.NextID(tasks), Title: title, Status: backend.StatusPending}
		return append(tasks, task), nil
	})
	return task, true, err
}

// Toggle flips the status of the task with the given id.
func (v *View) Toggle(ctx context.Context, id int) (backend.Task, error) {
	var task backend.Task
	err := v.mutate(ctx, func(tasks []backend.Task) ([]backend.Task, error) {
		i := backend.FindTask(tasks, id)
		if i < 0 {
			return nil, utils.ErrTaskNotFound(id)
		}
		tasks[i].Status = backend.Toggle(tasks[i].Status)
		task = tasks[i]
		return tasks, nil
	})
	return task, err
}

// Delete removes the task with the given id.
func (v *View) Delete(ctx context.Context, id int) error {
	return v.mutate(ctx, func(tasks []backend.Task) ([]backend.Task, error) {
		i := backend.FindTask(tasks, id)
		if i < 0 {
			return nil, utils.ErrTaskNotFound(id)
		}
		return append(tasks[:i], tasks[i+1:]...), nil
	})
}

// mutate applies fn to a copy of the tasks, shows the result and writes it to
// the replica. A replica failure is returned but the change stays on screen.
// Afterwards the server is synced when online; that result is only logged.
func (v *View) mutate(ctx context.Context, fn func([]backend.Task) ([]backend.Task, error)) error {
	v.op.Lock()
	defer v.op.Unlock()

	v.mu.RLock()
	current := backend.CloneTasks(v.tasks)
	v.mu.RUnlock()

	next, err := fn(current)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.tasks = next
	v.mu.Unlock()

	var saveErr error
	if err := v.cfg.Replica.ReplaceAll(ctx, backend.CloneTasks(next)); err != nil {
		log.Errorf("failed to save tasks locally: %v", err)
		saveErr = fmt.Errorf("failed to save tasks locally: %w", err)
	}

	v.syncBestEffort(ctx)
	return saveErr
}

func (v *View) syncBestEffort(ctx context.Context) {
	if v.cfg.Sync == nil {
		return
	}
	if v.cfg.Monitor != nil && !v.cfg.Monitor.Online() {
		log.Debugf("offline, skipping sync")
		return
	}
	if err := v.cfg.Sync(ctx); err != nil {
		log.Warnf("could not sync with the server: %v", err)
	}
}

// SetFilter changes which tasks Visible returns.
func (v *View) SetFilter(f Filter) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.filter = f
}

// Visible returns the tasks passing the current filter.
func (v *View) Visible() []backend.Task {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.visibleLocked()
}

func (v *View) visibleLocked() []backend.Task {
	out := []backend.Task{}
	for _, t := range v.tasks {
		if v.filter.keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// Stats summarizes all tasks regardless of the filter.
func (v *View) Stats() Stats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return ComputeStats(v.tasks)
}

// Snapshot returns a copy of the state. Tasks are filtered.
func (v *View) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s := Snapshot{
		Tasks:      v.visibleLocked(),
		Loading:    v.loading,
		Error:      v.errMsg,
		UsingLocal: v.usingLocal,
		LastSync:   v.lastSync,
		Filter:     v.filter,
		Stats:      ComputeStats(v.tasks),
	}
	if v.usingLocal && v.errMsg == "" {
		s.Notice = NoticeUsingLocal
	}
	return s
}
