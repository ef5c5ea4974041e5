package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"taskly/backend/sqlite"
	"taskly/internal/apiclient"
	"taskly/internal/cache"
	"taskly/internal/config"
	"taskly/internal/connectivity"
	"taskly/internal/credentials"
	"taskly/internal/notification"
	"taskly/internal/taskview"
	"taskly/internal/utils"
	"taskly/internal/worker"
)

var log = utils.Scoped("cli")

// runtime is everything a task, cache, notify, status, serve or tui command needs.
type runtime struct {
	cfg       *config.Config
	monitor   connectivity.Monitor
	notifier  notification.Notifier
	storage   cache.Storage
	registry  *prometheus.Registry
	network   http.RoundTripper
	container *worker.Container
	stats     *apiclient.Stats
	creds     *credentials.Manager
	api       *apiclient.Client
	replica   *sqlite.Store
	view      *taskview.View

	closers []func() error
}

// loadConfig reads the config file named by --config (or Config.ConfigPath)
// and applies the command line overrides.
func loadConfig(cmd *cobra.Command, c *Config) (*config.Config, error) {
	path := c.ConfigPath
	if flagPath, _ := cmd.Flags().GetString("config"); flagPath != "" {
		path = flagPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	format := ""
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		format = "json"
	}
	cfg.ApplyFlags(c.NoPrompt, format)

	if c.DBPath != "" {
		cfg.Replica.Path = c.DBPath
	}
	if c.CachePath != "" {
		cfg.Cache.Path = c.CachePath
	}
	if offline, _ := cmd.Flags().GetBool("offline"); offline {
		cfg.Sync.OfflineMode = connectivity.ModeOffline
	}

	if err := cfg.Validate(); err != nil {
		return nil, utils.WrapWithSuggestion(err, "Fix the value in the config file or compare it with 'taskly config sample'")
	}
	return cfg, nil
}

// openRuntime builds the whole stack: connectivity, notifications, response
// cache, the intercepting worker, the API client routed through it, the
// replica and the task view.
func openRuntime(ctx context.Context, cmd *cobra.Command, c *Config) (rt *runtime, err error) {
	cfg, err := loadConfig(cmd, c)
	if err != nil {
		return nil, err
	}

	rt = &runtime{cfg: cfg, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	rt.registry.MustRegister(collectors.NewGoCollector())

	rt.monitor, err = connectivity.New(cfg.GetOfflineMode(), cfg.API.BaseURL, cfg.GetConnectivityTimeout())
	if err != nil {
		return nil, err
	}

	rt.notifier = c.Notifier
	if rt.notifier == nil {
		rt.notifier, err = newNotifier(cfg)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, rt.notifier.Close)
	}

	rt.storage, err = openStorage(cfg)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.storage.Close)

	rt.network = c.Transport
	if rt.network == nil {
		rt.network = http.DefaultTransport
	}

	rt.container = worker.NewContainer(rt.notifier)
	rt.closers = append(rt.closers, func() error { rt.container.Close(); return nil })
	if err := rt.register(ctx); err != nil {
		return nil, err
	}

	rt.creds = newCredentialManager(c)
	rt.stats = apiclient.NewStats()
	rt.api = apiclient.New(apiclient.Config{
		BaseURL:      cfg.API.BaseURL,
		Timeout:      cfg.GetAPITimeout(),
		Retries:      cfg.GetAPIRetries(),
		BaseDelay:    cfg.GetAPIBaseDelay(),
		Transport:    rt.container.Transport(rt.network),
		Connectivity: rt.monitor,
		Token:        rt.creds.Token(ctx, credentials.DefaultUser),
		Stats:        rt.stats,
	})

	if cfg.GetReplicaPath() != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.GetReplicaPath()), 0755); err != nil {
			return nil, fmt.Errorf("could not create data directory: %w", err)
		}
	}
	rt.replica, err = sqlite.Open(cfg.GetReplicaPath())
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.replica.Close)

	var syncer taskview.Syncer
	if cfg.IsSyncAfterMutationEnabled() {
		syncer = taskview.FetchSyncer(rt.api)
	}
	rt.view = taskview.New(taskview.Config{
		API:     rt.api,
		Replica: rt.replica,
		Monitor: rt.monitor,
		Sync:    syncer,
		Now:     c.Now,
	})
	return rt, nil
}

// register creates the worker for this version and hands it to the container.
// A skipped registration leaves the container passing requests straight to the network.
func (rt *runtime) register(ctx context.Context) error {
	wcfg, err := workerConfig(rt.cfg)
	if err != nil {
		return err
	}

	w, err := worker.New(wcfg, rt.storage, rt.network,
		worker.WithNotifier(rt.notifier),
		worker.WithMetrics(worker.NewMetrics(rt.registry)),
	)
	if err != nil {
		return err
	}

	report, err := rt.container.Register(ctx, w, worker.RegisterOptions{
		Environment: rt.cfg.GetWorkerEnvironment(),
		Disabled:    !rt.cfg.IsWorkerEnabled(),
		Resume:      true,
	})
	if errors.Is(err, worker.ErrRegistrationSkipped) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(report.Failed) > 0 {
		log.Warnf("%d critical assets could not be cached", len(report.Failed))
	}
	return nil
}

// Close releases everything in reverse order of creation.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// workerConfig applies the worker section of the config file on top of the defaults.
func workerConfig(cfg *config.Config) (worker.Config, error) {
	wc := worker.NewConfig(cfg.Worker.Origin, cfg.API.BaseURL)
	if cfg.Worker.Version != "" {
		wc.Version = cfg.Worker.Version
	}
	if cfg.Worker.Namespace != "" {
		wc.Namespace = cfg.Worker.Namespace
	}
	if len(cfg.Worker.CriticalAssets) > 0 {
		wc.CriticalAssets = append([]string(nil), cfg.Worker.CriticalAssets...)
	}
	if cfg.Worker.APIPattern != "" {
		re, err := regexp.Compile(cfg.Worker.APIPattern)
		if err != nil {
			return worker.Config{}, fmt.Errorf("invalid worker.api_pattern: %w", err)
		}
		wc.APIPattern = re
	}
	if cfg.Worker.StaticPattern != "" {
		re, err := regexp.Compile(cfg.Worker.StaticPattern)
		if err != nil {
			return worker.Config{}, fmt.Errorf("invalid worker.static_pattern: %w", err)
		}
		wc.StaticPattern = re
	}
	if cfg.Worker.Icon != "" {
		wc.Icon = cfg.Worker.Icon
	}
	wc.SkipWaiting = cfg.IsSkipWaitingEnabled()
	return wc, wc.Validate()
}

func newNotifier(cfg *config.Config) (notification.Notifier, error) {
	n := cfg.Notification
	return notification.NewManager(notification.Config{
		Enabled: n.Enabled,
		Desktop: notification.DesktopConfig{
			Enabled:     n.OSNotification.Enabled,
			OnPush:      n.OSNotification.OnPush,
			OnUpdate:    n.OSNotification.OnUpdate,
			OnSyncError: n.OSNotification.OnSyncError,
		},
		Log: notification.LogConfig{
			Enabled:   n.LogNotification.Enabled,
			Path:      n.LogNotification.Path,
			MaxSizeMB: n.LogNotification.MaxSizeMB,
		},
	})
}

func openStorage(cfg *config.Config) (cache.Storage, error) {
	if cfg.Cache.Backend == "memory" {
		return cache.NewMemoryStorage(), nil
	}
	if cfg.Cache.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0755); err != nil {
			return nil, fmt.Errorf("could not create cache directory: %w", err)
		}
	}
	return cache.NewSQLiteStorage(cfg.Cache.Path)
}

func newCredentialManager(c *Config) *credentials.Manager {
	var opts []credentials.ManagerOption
	if c.Keyring != nil {
		opts = append(opts, credentials.WithKeyring(c.Keyring))
	}
	if c.Getenv != nil {
		opts = append(opts, credentials.WithGetenv(c.Getenv))
	}
	return credentials.NewManager(opts...)
}
