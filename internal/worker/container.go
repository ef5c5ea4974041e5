package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"taskly/internal/notification"
)

var (
	// ErrRegistrationSkipped is returned by Register when workers are disabled
	// or the environment is not production-like.
	ErrRegistrationSkipped = errors.New("worker registration skipped")
	// ErrNoController is returned when a message is sent and no worker is active.
	ErrNoController = errors.New("no active worker")
)

// DefaultScope covers the whole origin.
const DefaultScope = "/"

// Update notification shown when a new worker installs while another one controls.
const (
	UpdateTitle = "Taskly - Update available"
	UpdateBody  = "A new version of the app is available. Reload to update."
	UpdateTag   = "update-notification"
)

// RegisterOptions control Register.
type RegisterOptions struct {
	Scope       string
	Environment string
	// Disabled is set when the platform has no worker support.
	Disabled bool
	// Resume skips Install when this version's shell partition already
	// exists, so an unchanged worker survives across process runs.
	Resume bool
}

// ProductionLike reports whether env is an environment where the worker runs.
func ProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "production", "prod", "staging":
		return true
	default:
		return false
	}
}

// Container is the page side of the worker: it registers workers, keeps track
// of the controlling one and routes requests and messages to it.
type Container struct {
	notifier notification.Notifier

	regMu   sync.Mutex
	mu      sync.RWMutex
	scope   string
	active  *Worker
	waiting *Worker
}

// NewContainer creates an empty container. notifier may be nil.
func NewContainer(notifier notification.Notifier) *Container {
	return &Container{notifier: notifier, scope: DefaultScope}
}

// Register installs w and activates it when nothing controls yet or w skips
// waiting. Otherwise w waits until SkipWaiting is called. The previous
// controller becomes redundant when w activates.
func (c *Container) Register(ctx context.Context, w *Worker, opts RegisterOptions) (InstallReport, error) {
	if opts.Disabled {
		log.Infof("worker support disabled, not registering")
		return InstallReport{}, fmt.Errorf("%w: worker support disabled", ErrRegistrationSkipped)
	}
	if !ProductionLike(opts.Environment) {
		log.Debugf("not registering worker in %q environment", opts.Environment)
		return InstallReport{}, fmt.Errorf("%w: environment %q is not production", ErrRegistrationSkipped, opts.Environment)
	}
	scope := opts.Scope
	if scope == "" {
		scope = DefaultScope
	}

	c.regMu.Lock()
	defer c.regMu.Unlock()

	var report InstallReport
	if opts.Resume && w.installed(ctx) {
		report = InstallReport{Cached: []string{}, Failed: []string{}}
		w.setState(StateInstalled)
		log.Debugf("worker %s resumed from existing shell cache", w.cfg.Version)
	} else {
		report = w.Install(ctx)
		log.Infof("worker %s registered with scope %s", w.cfg.Version, scope)
	}

	c.mu.Lock()
	c.scope = scope
	prev := c.active
	c.mu.Unlock()

	if prev != nil {
		log.Infof("new worker version %s available", w.cfg.Version)
		c.notifyUpdate(w.cfg.Icon)
	}

	if prev != nil && !w.cfg.SkipWaiting {
		c.mu.Lock()
		old := c.waiting
		c.waiting = w
		c.mu.Unlock()
		if old != nil {
			old.retire()
		}
		return report, nil
	}

	if err := c.activate(ctx, w); err != nil {
		return report, err
	}
	return report, nil
}

// SkipWaiting activates the waiting worker, if any. It reports whether one was activated.
func (c *Container) SkipWaiting(ctx context.Context) (bool, error) {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	c.mu.RLock()
	w := c.waiting
	c.mu.RUnlock()
	if w == nil {
		return false, nil
	}
	return true, c.activate(ctx, w)
}

// activate makes w the controller. Callers hold regMu.
func (c *Container) activate(ctx context.Context, w *Worker) error {
	w.Start()
	if _, err := w.Activate(ctx); err != nil {
		w.Stop()
		return err
	}

	c.mu.Lock()
	prev := c.active
	c.active = w
	if c.waiting == w {
		c.waiting = nil
	}
	c.mu.Unlock()

	if prev != nil && prev != w {
		prev.retire()
	}
	return nil
}

func (c *Container) notifyUpdate(icon string) {
	if c.notifier == nil {
		return
	}
	c.notifier.SendAsync(notification.Notification{
		Type:    notification.KindUpdate,
		Title:   UpdateTitle,
		Message: UpdateBody,
		Tag:     UpdateTag,
		Icon:    icon,
	})
}

// Controller returns the active worker, or nil.
func (c *Container) Controller() *Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Waiting returns the installed worker waiting to activate, or nil.
func (c *Container) Waiting() *Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.waiting
}

// Scope returns the registered scope.
func (c *Container) Scope() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scope
}

// roundTripperFunc adapts a function to http.RoundTripper.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Transport returns a RoundTripper that sends requests through the active
// worker, or through next while no worker controls. nil next means
// http.DefaultTransport.
func (c *Container) Transport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if w := c.Controller(); w != nil {
			return w.RoundTrip(req)
		}
		return next.RoundTrip(req)
	})
}

// PostMessage sends cmd to the active worker without waiting for it to run.
func (c *Container) PostMessage(ctx context.Context, cmd Command) error {
	w := c.Controller()
	if w == nil {
		return ErrNoController
	}
	return w.Post(ctx, NewEnvelope(cmd, nil))
}

// Request sends cmd to the active worker and waits for the reply.
func (c *Container) Request(ctx context.Context, cmd Command) (Reply, error) {
	w := c.Controller()
	if w == nil {
		return Reply{}, ErrNoController
	}

	replies := make(chan Reply, 1)
	env := NewEnvelope(cmd, replies)
	done, err := w.post(ctx, env)
	if err != nil {
		return Reply{}, err
	}

	select {
	case r := <-replies:
		return replyResult(r)
	case <-done:
		// The loop may have answered just before exiting.
		select {
		case r := <-replies:
			return replyResult(r)
		default:
			return Reply{}, ErrWorkerStopped
		}
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func replyResult(r Reply) (Reply, error) {
	if r.Error == ErrWorkerStopped.Error() {
		return r, ErrWorkerStopped
	}
	if r.Error != "" {
		return r, errors.New(r.Error)
	}
	return r, nil
}

// CacheSize asks the active worker for the namespace cache size. It is 0 when
// no worker controls.
func (c *Container) CacheSize(ctx context.Context) (int64, error) {
	r, err := c.Request(ctx, GetCacheSize{})
	if errors.Is(err, ErrNoController) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return r.Size, nil
}

// Close stops the message loops of the active and waiting workers.
func (c *Container) Close() {
	c.mu.Lock()
	active, waiting := c.active, c.waiting
	c.active, c.waiting = nil, nil
	c.mu.Unlock()

	if active != nil {
		active.Stop()
	}
	if waiting != nil {
		waiting.Stop()
	}
}
