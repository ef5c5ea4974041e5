// Package worker implements the intercepting worker: an http.RoundTripper that
// sits under the API client and answers requests from the network or from the
// response caches depending on the kind of request.
//
// A worker goes through installing, installed, activating and activated. When
// a newer worker takes over it becomes redundant. Commands from the app arrive
// as Envelopes and are processed one at a time by the worker's message loop.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"taskly/internal/cache"
	"taskly/internal/notification"
	"taskly/internal/utils"
)

var log = utils.Scoped("worker")

// State is a worker lifecycle state.
type State int

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

// String returns the lifecycle name of s.
func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Worker is one version of the intercepting worker.
type Worker struct {
	cfg      Config
	storage  cache.Storage
	network  http.RoundTripper
	notifier notification.Notifier
	clients  Clients
	metrics  *Metrics

	mu    sync.RWMutex
	state State

	inbox    chan Envelope
	loopStop context.CancelFunc
	loopDone chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithNotifier sets where push notifications are shown.
func WithNotifier(n notification.Notifier) Option {
	return func(w *Worker) { w.notifier = n }
}

// WithClients sets the window controller used on notification click.
func WithClients(c Clients) Option {
	return func(w *Worker) { w.clients = c }
}

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// New creates a worker in the installing state. network carries every request
// that reaches the network; nil means http.DefaultTransport.
func New(cfg Config, storage cache.Storage, network http.RoundTripper, opts ...Option) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if network == nil {
		network = http.DefaultTransport
	}
	w := &Worker{
		cfg:     cfg,
		storage: storage,
		network: network,
		clients: NoClients{},
		state:   StateInstalling,
		inbox:   make(chan Envelope, 16),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.metrics.observeState(StateInstalling)
	return w, nil
}

// Config returns the worker's configuration.
func (w *Worker) Config() Config {
	return w.cfg
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.metrics.observeState(s)
	log.Debugf("%s state -> %s", w.cfg.Version, s)
}

// InstallReport lists which critical assets were precached.
type InstallReport struct {
	Cached []string `json:"cached"`
	Failed []string `json:"failed"`
}

// Install precaches the critical assets into the shell cache. Asset failures
// are logged and skipped, so install always reaches the installed state.
func (w *Worker) Install(ctx context.Context) InstallReport {
	w.setState(StateInstalling)
	report := InstallReport{Cached: []string{}, Failed: []string{}}

	shell, err := w.storage.Open(ctx, w.cfg.ShellCache())
	if err != nil {
		log.Warnf("failed to open %s: %v", w.cfg.ShellCache(), err)
		report.Failed = append(report.Failed, w.cfg.CriticalAssets...)
		w.setState(StateInstalled)
		return report
	}

	for _, asset := range w.cfg.CriticalAssets {
		target := w.cfg.resolve(asset)
		entry, err := w.fetchForCache(ctx, target)
		if err == nil {
			err = shell.Put(ctx, entry)
		}
		if err != nil {
			log.Warnf("critical asset %s not cached: %v", asset, err)
			report.Failed = append(report.Failed, asset)
			continue
		}
		report.Cached = append(report.Cached, asset)
	}

	log.Infof("%s installed (%d/%d critical assets cached)", w.cfg.Version, len(report.Cached), len(w.cfg.CriticalAssets))
	w.setState(StateInstalled)
	return report
}

// installed reports whether this version's shell partition exists in storage.
func (w *Worker) installed(ctx context.Context) bool {
	ok, err := w.storage.Has(ctx, w.cfg.ShellCache())
	return err == nil && ok
}

// Activate deletes every namespaced partition that is not one of this
// version's three caches, then claims the open clients. It returns the
// deleted names. Deletion failures are logged and do not stop activation.
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	w.setState(StateActivating)
	defer w.setState(StateActivated)

	names, err := w.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}

	var (
		mu      sync.Mutex
		deleted = []string{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		if !w.cfg.owned(name) || w.cfg.current(name) {
			continue
		}
		g.Go(func() error {
			ok, err := w.storage.Delete(gctx, name)
			if err != nil {
				log.Warnf("failed to delete old cache %s: %v", name, err)
				return nil
			}
			if ok {
				log.Infof("deleted old cache %s", name)
				mu.Lock()
				deleted = append(deleted, name)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := w.clients.Claim(ctx); err != nil {
		log.Warnf("failed to claim clients: %v", err)
	}
	return deleted, nil
}

// retire marks the worker redundant and stops its message loop.
func (w *Worker) retire() {
	w.Stop()
	w.setState(StateRedundant)
}

// fetchForCache GETs target through the network and returns a cacheable entry.
// Responses outside 2xx are errors.
func (w *Worker) fetchForCache(ctx context.Context, target string) (*cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.network.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("bad response status %d", resp.StatusCode)
	}
	entry, err := cache.EntryFromResponse(resp)
	if err != nil {
		return nil, err
	}
	entry.URL = cache.Key(target)
	return entry, nil
}
