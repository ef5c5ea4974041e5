package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"taskly/internal/connectivity"
	"taskly/internal/notification"
	"taskly/internal/server"
	"taskly/internal/shutdown"
	"taskly/internal/tui"
	"taskly/internal/utils"
	"taskly/internal/watcher"
)

var serveLog = utils.Scoped("serve")

const (
	shutdownTimeout = 10 * time.Second
	watchInterval   = 30 * time.Second

	offlineTitle   = "Taskly - Offline"
	offlineMessage = "The task API is unreachable. Showing locally saved data."
)

// newServeCmd creates the 'serve' subcommand
func newServeCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the app through the intercepting worker",
		Long: "Proxy the app origin through the worker so pages and assets keep loading offline. " +
			"Worker messages, push delivery and state are exposed under /__taskly/ and metrics under /metrics.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, _ := cmd.Flags().GetString("listen")
			return runServe(cmd, stdout, cfg, listen)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().String("listen", "", "Address to listen on (default: server.listen)")
	return cmd
}

func runServe(cmd *cobra.Command, stdout io.Writer, cfg *Config, listen string) error {
	mgr := shutdown.NewManager(cmd.Context())
	stopSignals := mgr.HandleSignals()
	defer stopSignals()

	rt, err := openRuntime(mgr.Context(), cmd, cfg)
	if err != nil {
		return err
	}
	mgr.RegisterCleanup("runtime", func(context.Context) error { return rt.Close() })

	bl, err := utils.NewBackgroundLoggerWithEnabled(rt.cfg.IsBackgroundLoggingEnabled())
	if err != nil {
		serveLog.Warnf("log file unavailable: %v", err)
	}
	utils.GetLogger().SetMirror(bl)
	mgr.RegisterCleanup("log", func(context.Context) error {
		utils.GetLogger().SetMirror(nil)
		bl.Close()
		return nil
	})

	if listen == "" {
		listen = rt.cfg.GetListenAddress()
	}
	srv := server.New(server.Config{
		Origin:    rt.cfg.Worker.Origin,
		Container: rt.container,
		Network:   rt.network,
		Monitor:   rt.monitor,
		Gatherer:  rt.registry,
	})
	mgr.RegisterCleanup("http", srv.Shutdown)

	breaker := connectivity.NewBreaker(connectivity.DefaultBreakerThreshold, connectivity.DefaultBreakerCooldown)
	go watchConnectivity(mgr.Context(), rt.monitor, breaker, rt.notifier, watchInterval)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(listen) }()

	_, _ = fmt.Fprintf(stdout, "Serving %s on http://%s\n", rt.cfg.Worker.Origin, listen)
	if path := bl.GetLogPath(); bl.IsEnabled() && path != "" {
		_, _ = fmt.Fprintf(stdout, "Logging to %s\n", path)
	}

	var serveErr error
	select {
	case serveErr = <-errCh:
		mgr.Shutdown()
	case <-mgr.Context().Done():
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, mgr.Wait(waitCtx))
}

// watchConnectivity samples m every interval. A notification is raised when
// the breaker opens, so a single failed probe stays quiet.
func watchConnectivity(ctx context.Context, m connectivity.Monitor, b *connectivity.Breaker, notifier notification.Notifier, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		opened, closed := b.Record(m.Online())
		switch {
		case opened:
			serveLog.Warnf("task API unreachable for %d checks, serving from cache", b.Failures())
			notifier.SendAsync(notification.Notification{
				Type:      notification.KindSyncError,
				Title:     offlineTitle,
				Message:   offlineMessage,
				Timestamp: time.Now(),
			})
		case closed:
			serveLog.Infof("connectivity restored")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// newTUICmd creates the 'tui' subcommand
func newTUICmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Interactive task list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
				return errors.New("tui requires an interactive terminal; use 'taskly tasks' instead")
			}
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				follow := rt.cfg.Sync.FollowReplica
				if cmd.Flags().Changed("follow") {
					follow, _ = cmd.Flags().GetBool("follow")
				}

				p := tea.NewProgram(tui.New(ctx, rt.view), tea.WithAltScreen(), tea.WithContext(ctx))

				if follow {
					w, err := watcher.New(watcher.Config{
						Path:     rt.cfg.GetReplicaPath(),
						OnChange: func() { p.Send(tui.ReplicaChangedMsg{}) },
					})
					if err != nil {
						return err
					}
					if err := w.Start(); err != nil {
						return err
					}
					defer w.Stop()
				}

				_, err := p.Run()
				return err
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().Bool("follow", false, "Reload when another process changes the replica (default: sync.follow_replica)")
	return cmd
}
