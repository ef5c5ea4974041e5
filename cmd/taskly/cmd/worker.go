package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"taskly/internal/apiclient"
	"taskly/internal/credentials"
	"taskly/internal/notification"
	"taskly/internal/push"
	"taskly/internal/utils"
	"taskly/internal/worker"
)

// statusResponse is the JSON answer of 'status'.
type statusResponse struct {
	BaseURL    string             `json:"base_url"`
	Online     bool               `json:"online"`
	Connection string             `json:"connection"`
	Reachable  bool               `json:"reachable"`
	Worker     *workerStatus      `json:"worker,omitempty"`
	Waiting    *workerStatus      `json:"waiting,omitempty"`
	CacheBytes int64              `json:"cache_bytes"`
	LocalTasks int                `json:"local_tasks"`
	Token      credentials.Source `json:"token_source"`
	Requests   apiclient.Snapshot `json:"requests"`
	Result     string             `json:"result"`
}

type workerStatus struct {
	Version string `json:"version"`
	State   string `json:"state"`
}

func describeWorker(w *worker.Worker) *workerStatus {
	if w == nil {
		return nil
	}
	return &workerStatus{Version: w.Config().Version, State: w.State().String()}
}

// controller returns the active worker or explains how to enable one.
func controller(rt *runtime) (*worker.Worker, error) {
	if w := rt.container.Controller(); w != nil {
		return w, nil
	}
	return nil, utils.ErrWorkerDisabled()
}

// request sends a command to the active worker.
func request(ctx context.Context, rt *runtime, c worker.Command) (worker.Reply, error) {
	reply, err := rt.container.Request(ctx, c)
	if errors.Is(err, worker.ErrNoController) {
		return reply, utils.ErrWorkerDisabled()
	}
	return reply, err
}

// newCacheCmd creates the 'cache' subcommand that talks to the worker
func newCacheCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the response cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "size",
		Short: "Show the size of every cached response body",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				reply, err := request(ctx, rt, worker.GetCacheSize{})
				if err != nil {
					return err
				}
				if jsonOutput(rt) {
					return writeJSON(stdout, map[string]interface{}{"size": reply.Size, "result": ResultInfoOnly})
				}
				_, _ = fmt.Fprintf(stdout, "Cache size: %s (%d bytes)\n", humanize.Bytes(uint64(reply.Size)), reply.Size)
				resultCode(stdout, cfg, ResultInfoOnly)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every cache partition owned by taskly",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				if _, err := request(ctx, rt, worker.ClearCache{}); err != nil {
					return err
				}
				if jsonOutput(rt) {
					return writeJSON(stdout, actionResponse{Action: "cache_clear", Result: ResultActionCompleted})
				}
				_, _ = fmt.Fprintln(stdout, "Cache cleared")
				resultCode(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "add [url...]",
		Short: "Fetch URLs into the runtime cache; nothing is stored if one fails",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				if _, err := request(ctx, rt, worker.CacheURLs{URLs: args}); err != nil {
					return fmt.Errorf("failed to cache URLs: %w", err)
				}
				if jsonOutput(rt) {
					return writeJSON(stdout, actionResponse{Action: "cache_add", Task: args, Result: ResultActionCompleted})
				}
				_, _ = fmt.Fprintf(stdout, "Cached %d URLs\n", len(args))
				resultCode(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	return cacheCmd
}

// newNotifyCmd creates the 'notify' subcommand for push notifications
func newNotifyCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	notifyCmd := &cobra.Command{
		Use:   "notify",
		Short: "Push notification subscription and delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	subscribeCmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Register a push subscription with the API",
		Long:  "Send a push subscription to the API, read from --file (JSON as produced by PushManager.subscribe) or built from --endpoint, --p256dh and --auth.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := subscriptionJSON(cmd)
			if err != nil {
				return err
			}
			sub, err := push.ParseSubscription(data)
			if err != nil {
				return err
			}
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				subscriber, err := push.NewSubscriber(rt.api, rt.cfg.Push.PublicKey)
				if err != nil {
					return err
				}
				res := subscriber.Subscribe(ctx, sub)
				if err := resultError(ctx, rt, res); err != nil {
					return err
				}
				if jsonOutput(rt) {
					return writeJSON(stdout, actionResponse{Action: "subscribe", Task: res.Data, Result: ResultActionCompleted})
				}
				_, _ = fmt.Fprintln(stdout, "Subscribed to push notifications")
				resultCode(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	subscribeCmd.Flags().String("file", "", "Subscription JSON file ('-' for stdin)")
	subscribeCmd.Flags().String("endpoint", "", "Push service endpoint URL")
	subscribeCmd.Flags().String("p256dh", "", "Client public key")
	subscribeCmd.Flags().String("auth", "", "Client auth secret")
	notifyCmd.AddCommand(subscribeCmd)

	notifyCmd.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Ask the API to send a test notification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				res := rt.api.SendTestNotification(ctx)
				if err := resultError(ctx, rt, res); err != nil {
					return err
				}
				if jsonOutput(rt) {
					return writeJSON(stdout, actionResponse{Action: "test_notification", Task: res.Data, Result: ResultActionCompleted})
				}
				_, _ = fmt.Fprintln(stdout, "Test notification requested")
				resultCode(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	notifyCmd.AddCommand(&cobra.Command{
		Use:   "push [payload]",
		Short: "Deliver a push payload to the worker and show it",
		Long:  "Hand a push message payload such as {\"title\":\"Hi\",\"body\":\"...\"} to the active worker. Missing or invalid fields fall back to the default title and body.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 1 {
				payload = []byte(args[0])
			}
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				w, err := controller(rt)
				if err != nil {
					return err
				}
				n := w.HandlePush(ctx, payload)
				if jsonOutput(rt) {
					return writeJSON(stdout, map[string]interface{}{
						"title":  n.Title,
						"body":   n.Message,
						"tag":    n.Tag,
						"result": ResultActionCompleted,
					})
				}
				_, _ = fmt.Fprintf(stdout, "%s: %s\n", n.Title, n.Message)
				resultCode(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	notifyCmd.AddCommand(&cobra.Command{
		Use:   "click",
		Short: "Handle a notification click: focus or open the app",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				w, err := controller(rt)
				if err != nil {
					return err
				}
				if err := w.HandleNotificationClick(ctx); err != nil {
					return err
				}
				if jsonOutput(rt) {
					return writeJSON(stdout, actionResponse{Action: "click", Result: ResultActionCompleted})
				}
				_, _ = fmt.Fprintln(stdout, "Notification click handled")
				resultCode(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Show or clear the notification log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd, cfg)
			if err != nil {
				return err
			}
			path := c.Notification.LogNotification.Path
			if path == "" {
				return errors.New("no notification log configured (set notification.log_notification.path)")
			}

			if clearLog, _ := cmd.Flags().GetBool("clear"); clearLog {
				if err := notification.ClearLog(path); err != nil {
					return fmt.Errorf("failed to clear notification log: %w", err)
				}
				_, _ = fmt.Fprintln(stdout, "Notification log cleared")
				resultCode(stdout, cfg, ResultActionCompleted)
				return nil
			}

			entries, err := notification.ReadLog(path)
			if err != nil {
				return fmt.Errorf("failed to read notification log: %w", err)
			}
			if tag, _ := cmd.Flags().GetString("tag"); tag != "" {
				kept := entries[:0]
				for _, e := range entries {
					if e.Tag == tag {
						kept = append(kept, e)
					}
				}
				entries = kept
			}
			if latest, _ := cmd.Flags().GetBool("latest"); latest {
				entries = notification.LatestByTag(entries)
			}
			if c.OutputFormat == "json" {
				if entries == nil {
					entries = []notification.Entry{}
				}
				return writeJSON(stdout, map[string]interface{}{"path": path, "entries": entries, "result": ResultInfoOnly})
			}
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(stdout, "No notifications logged")
			}
			for _, e := range entries {
				_, _ = fmt.Fprintln(stdout, e)
			}
			resultCode(stdout, cfg, ResultInfoOnly)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	logCmd.Flags().Bool("clear", false, "Truncate the log instead of printing it")
	logCmd.Flags().String("tag", "", "Only show notifications with this tag")
	logCmd.Flags().Bool("latest", false, "Only show the newest notification of each tag")
	notifyCmd.AddCommand(logCmd)

	return notifyCmd
}

func subscriptionJSON(cmd *cobra.Command) ([]byte, error) {
	file, _ := cmd.Flags().GetString("file")
	switch file {
	case "":
	case "-":
		return io.ReadAll(cmd.InOrStdin())
	default:
		return os.ReadFile(file)
	}

	endpoint, _ := cmd.Flags().GetString("endpoint")
	p256dh, _ := cmd.Flags().GetString("p256dh")
	auth, _ := cmd.Flags().GetString("auth")
	return json.Marshal(push.Subscription{
		Endpoint: endpoint,
		Keys:     push.Keys{P256dh: p256dh, Auth: auth},
	})
}

// resultError converts a failed API result into an error with a suggestion.
func resultError(ctx context.Context, rt *runtime, res apiclient.Result[json.RawMessage]) error {
	switch {
	case res.OK():
		return nil
	case res.Offline:
		return utils.ErrAPIUnreachable(rt.api.BaseURL(), res.Error)
	case unauthorized(res.Error):
		return authError(ctx, rt)
	}
	return errors.New(res.Error)
}

// newStatusCmd creates the 'status' subcommand
func newStatusCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, worker and cache state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				conn := rt.api.ConnectionStatus()
				status := statusResponse{
					BaseURL:    rt.api.BaseURL(),
					Online:     conn.Online,
					Connection: conn.Type,
					Worker:     describeWorker(rt.container.Controller()),
					Waiting:    describeWorker(rt.container.Waiting()),
					Result:     ResultInfoOnly,
				}
				if conn.Online {
					status.Reachable = rt.api.HealthCheck(ctx)
				}

				var err error
				if status.CacheBytes, err = rt.container.CacheSize(ctx); err != nil {
					log.Warnf("failed to read cache size: %v", err)
				}
				if status.LocalTasks, err = rt.replica.Count(ctx); err != nil {
					return err
				}
				info, err := rt.creds.Get(ctx, credentials.DefaultUser)
				if err != nil {
					return err
				}
				status.Token = info.Source
				status.Requests = rt.stats.Snapshot()

				if jsonOutput(rt) {
					return writeJSON(stdout, status)
				}
				printStatus(stdout, status)
				resultCode(stdout, cfg, ResultInfoOnly)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func printStatus(stdout io.Writer, s statusResponse) {
	online := "offline"
	if s.Online {
		online = "online"
	}
	_, _ = fmt.Fprintf(stdout, "API:         %s (%s, %s)\n", s.BaseURL, online, s.Connection)
	if s.Online {
		_, _ = fmt.Fprintf(stdout, "Reachable:   %t\n", s.Reachable)
	}
	if s.Worker != nil {
		_, _ = fmt.Fprintf(stdout, "Worker:      %s (%s)\n", s.Worker.Version, s.Worker.State)
	} else {
		_, _ = fmt.Fprintln(stdout, "Worker:      not registered")
	}
	if s.Waiting != nil {
		_, _ = fmt.Fprintf(stdout, "Update:      %s waiting\n", s.Waiting.Version)
	}
	_, _ = fmt.Fprintf(stdout, "Cache:       %s\n", humanize.Bytes(uint64(s.CacheBytes)))
	_, _ = fmt.Fprintf(stdout, "Local tasks: %d\n", s.LocalTasks)
	_, _ = fmt.Fprintf(stdout, "Token:       %s\n", s.Token)
	if s.Requests.Attempts > 0 {
		_, _ = fmt.Fprintf(stdout, "Requests:    %d attempts, %d failed\n", s.Requests.Attempts, s.Requests.Failures)
	}
}
