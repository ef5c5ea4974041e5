package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"taskly/backend"
	"taskly/internal/credentials"
	"taskly/internal/taskview"
	"taskly/internal/utils"
)

// listTasksResponse is the JSON answer of 'tasks list' and 'tasks refresh'.
type listTasksResponse struct {
	Tasks      []backend.Task `json:"tasks"`
	Filter     string         `json:"filter"`
	Stats      taskview.Stats `json:"stats"`
	Notice     string         `json:"notice,omitempty"`
	UsingLocal bool           `json:"using_local"`
	Result     string         `json:"result"`
}

// newTasksCmd creates the 'tasks' subcommand
func newTasksCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	tasksCmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"t"},
		Short:   "List and edit tasks",
		Long:    "List tasks from the API, falling back to the local replica when offline, and edit the local list.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, stdout, cfg, false)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	tasksCmd.Flags().StringP("filter", "f", "all", "Show all, pending or completed tasks")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show tasks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			local, _ := cmd.Flags().GetBool("local")
			return runList(cmd, stdout, cfg, local)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	listCmd.Flags().StringP("filter", "f", "all", "Show all, pending or completed tasks")
	listCmd.Flags().Bool("local", false, "Read the local replica without contacting the API")
	tasksCmd.AddCommand(listCmd)

	tasksCmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Fetch tasks from the API and overwrite the local replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				snap := rt.view.Refresh(ctx)
				if err := loadError(ctx, rt, snap); err != nil {
					return err
				}
				if jsonOutput(rt) {
					return writeJSON(stdout, listResponse(snap, snap.Tasks))
				}
				source := "API"
				if snap.UsingLocal {
					source = "local replica"
				}
				_, _ = fmt.Fprintf(stdout, "Loaded %d tasks from the %s\n", len(snap.Tasks), source)
				resultCode(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	tasksCmd.AddCommand(&cobra.Command{
		Use:     "add [title]",
		Aliases: []string{"a"},
		Short:   "Add a pending task",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				if _, err := rt.view.LoadLocal(ctx); err != nil {
					return err
				}
				task, ok, err := rt.view.Add(ctx, strings.Join(args, " "))
				if !ok {
					return errors.New("task title cannot be empty")
				}
				if err != nil {
					return err
				}
				return taskAction(stdout, cfg, rt, "add", task, fmt.Sprintf("Added #%d: %s", task.ID, task.Title))
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	tasksCmd.AddCommand(&cobra.Command{
		Use:     "toggle [id]",
		Aliases: []string{"c", "complete"},
		Short:   "Switch a task between pending and completed",
		Long:    "Switch a task between pending and completed. Without an id the task is picked from a list.",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				snap, err := rt.view.LoadLocal(ctx)
				if err != nil {
					return err
				}
				target, _, err := pickTask(stdout, cfg, rt, snap.Tasks, args, "Toggle which task?")
				if errors.Is(err, utils.ErrSelectionCancelled) {
					_, _ = fmt.Fprintln(stdout, "Cancelled")
					return nil
				}
				if err != nil {
					return err
				}
				task, err := rt.view.Toggle(ctx, target.ID)
				if err != nil {
					return err
				}
				return taskAction(stdout, cfg, rt, "toggle", task, fmt.Sprintf("#%d is now %s", task.ID, task.Status))
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	tasksCmd.AddCommand(&cobra.Command{
		Use:     "delete [id]",
		Aliases: []string{"d", "rm"},
		Short:   "Delete a task",
		Long:    "Delete a task. Without an id the task is picked from a list and no confirmation is asked.",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				snap, err := rt.view.LoadLocal(ctx)
				if err != nil {
					return err
				}
				task, picked, err := pickTask(stdout, cfg, rt, snap.Tasks, args, "Delete which task?")
				if errors.Is(err, utils.ErrSelectionCancelled) {
					_, _ = fmt.Fprintln(stdout, "Cancelled")
					return nil
				}
				if err != nil {
					return err
				}

				if !picked && !cfg.NoPrompt && !jsonOutput(rt) {
					prompt := fmt.Sprintf("Delete #%d %q?", task.ID, task.Title)
					if !utils.NewPrompter(stdin(cfg), stdout).Confirm(prompt) {
						_, _ = fmt.Fprintln(stdout, "Cancelled")
						return nil
					}
				}

				if err := rt.view.Delete(ctx, task.ID); err != nil {
					return err
				}
				return taskAction(stdout, cfg, rt, "delete", task, fmt.Sprintf("Deleted #%d", task.ID))
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the local replica as a JSON backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				if output == "" || output == "-" {
					return rt.replica.Export(ctx, stdout, now(cfg))
				}
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create export file: %w", err)
				}
				if err := rt.replica.Export(ctx, f, now(cfg)); err != nil {
					_ = f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(stdout, "Exported tasks to %s\n", output)
				resultCode(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	exportCmd.Flags().StringP("output", "o", "", "File to write (default: stdout)")
	tasksCmd.AddCommand(exportCmd)

	tasksCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every task from the local replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
				if !cfg.NoPrompt && !jsonOutput(rt) {
					if !utils.NewPrompter(stdin(cfg), stdout).Confirm("Delete every locally saved task?") {
						_, _ = fmt.Fprintln(stdout, "Cancelled")
						return nil
					}
				}
				if err := rt.replica.Clear(ctx); err != nil {
					return err
				}
				if jsonOutput(rt) {
					return writeJSON(stdout, actionResponse{Action: "clear", Result: ResultActionCompleted})
				}
				_, _ = fmt.Fprintln(stdout, "Local replica cleared")
				resultCode(stdout, cfg, ResultActionCompleted)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	})

	return tasksCmd
}

// withRuntime opens the runtime for one command and closes it afterwards.
func withRuntime(cmd *cobra.Command, cfg *Config, fn func(ctx context.Context, rt *runtime) error) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx, cmd, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			log.Warnf("close: %v", cerr)
		}
	}()
	return fn(ctx, rt)
}

// pickTask resolves the task named by args. Without an id it asks the user to
// pick one from tasks; picked reports that the choice came from the list.
func pickTask(stdout io.Writer, cfg *Config, rt *runtime, tasks []backend.Task, args []string, prompt string) (task backend.Task, picked bool, err error) {
	if len(args) == 1 {
		id, err := utils.ParseTaskID(args[0])
		if err != nil {
			return backend.Task{}, false, err
		}
		i := backend.FindTask(tasks, id)
		if i < 0 {
			return backend.Task{}, false, utils.ErrTaskNotFound(id)
		}
		return tasks[i], false, nil
	}

	if cfg.NoPrompt || jsonOutput(rt) {
		return backend.Task{}, false, errors.New("a task id is required in non-interactive mode")
	}
	task, err = utils.NewPrompter(stdin(cfg), stdout).PickTask(tasks, prompt)
	if err != nil {
		return backend.Task{}, false, err
	}
	return task, true, nil
}

func jsonOutput(rt *runtime) bool {
	return rt.cfg.OutputFormat == "json"
}

// loadError turns a failed load into an error. A load that fell back to the
// replica is not a failure.
func loadError(ctx context.Context, rt *runtime, snap taskview.Snapshot) error {
	switch {
	case snap.Error == "":
		return nil
	case snap.Error == taskview.ErrCouldNotLoad:
		return utils.ErrNoLocalData()
	case !rt.monitor.Online():
		return utils.ErrAPIUnreachable(rt.api.BaseURL(), snap.Error)
	case unauthorized(snap.Error):
		return authError(ctx, rt)
	default:
		return fmt.Errorf("could not load tasks: %s", snap.Error)
	}
}

func unauthorized(msg string) bool {
	return strings.HasPrefix(msg, fmt.Sprintf("HTTP %d", http.StatusUnauthorized))
}

// authError explains a 401: either no token is configured or the one sent was rejected.
func authError(ctx context.Context, rt *runtime) error {
	if info, err := rt.creds.Get(ctx, credentials.DefaultUser); err == nil && !info.Found {
		return utils.ErrCredentialsNotFound(credentials.DefaultUser)
	}
	return utils.ErrAuthenticationFailed()
}

func listResponse(snap taskview.Snapshot, visible []backend.Task) listTasksResponse {
	if visible == nil {
		visible = []backend.Task{}
	}
	return listTasksResponse{
		Tasks:      visible,
		Filter:     string(snap.Filter),
		Stats:      snap.Stats,
		Notice:     snap.Notice,
		UsingLocal: snap.UsingLocal,
		Result:     ResultInfoOnly,
	}
}

func runList(cmd *cobra.Command, stdout io.Writer, cfg *Config, local bool) error {
	filterFlag, _ := cmd.Flags().GetString("filter")
	filter, err := taskview.ParseFilter(filterFlag)
	if err != nil {
		return err
	}

	return withRuntime(cmd, cfg, func(ctx context.Context, rt *runtime) error {
		var snap taskview.Snapshot
		if local {
			if snap, err = rt.view.LoadLocal(ctx); err != nil {
				return err
			}
		} else {
			snap = rt.view.Load(ctx)
			if err := loadError(ctx, rt, snap); err != nil {
				return err
			}
		}

		rt.view.SetFilter(filter)
		snap = rt.view.Snapshot()
		visible := rt.view.Visible()
		if status, ok := filterStatus(filter); local && ok {
			// The replica's status index answers narrowed local listings.
			if visible, err = rt.replica.GetByStatus(ctx, status); err != nil {
				return fmt.Errorf("failed to read %s tasks: %w", filter, err)
			}
		}

		if jsonOutput(rt) {
			return writeJSON(stdout, listResponse(snap, visible))
		}
		printTasks(stdout, snap, visible)
		resultCode(stdout, cfg, ResultInfoOnly)
		return nil
	})
}

// filterStatus returns the stored status a narrowing filter selects.
func filterStatus(f taskview.Filter) (backend.TaskStatus, bool) {
	switch f {
	case taskview.FilterPending:
		return backend.StatusPending, true
	case taskview.FilterCompleted:
		return backend.StatusCompleted, true
	}
	return "", false
}

func checkbox(t backend.Task) string {
	if t.IsCompleted() {
		return "x"
	}
	return " "
}

func printTasks(stdout io.Writer, snap taskview.Snapshot, visible []backend.Task) {
	if snap.Notice != "" {
		_, _ = fmt.Fprintf(stdout, "(%s)\n", snap.Notice)
	}
	if len(visible) == 0 {
		if snap.Filter == taskview.FilterAll {
			_, _ = fmt.Fprintln(stdout, "No tasks. Add one with: taskly tasks add \"Buy bread\"")
		} else {
			_, _ = fmt.Fprintf(stdout, "No %s tasks\n", snap.Filter)
		}
	}
	for _, t := range visible {
		_, _ = fmt.Fprintf(stdout, "[%s] #%-4d %s\n", checkbox(t), t.ID, t.Title)
	}
	s := snap.Stats
	_, _ = fmt.Fprintf(stdout, "\n%d tasks, %d pending, %d completed (%d%%)\n", s.Total, s.Pending, s.Completed, s.Percent)
}

// taskAction reports a finished mutation.
func taskAction(stdout io.Writer, cfg *Config, rt *runtime, action string, task backend.Task, message string) error {
	if jsonOutput(rt) {
		return writeJSON(stdout, actionResponse{Action: action, Task: task, Result: ResultActionCompleted})
	}
	_, _ = fmt.Fprintln(stdout, message)
	resultCode(stdout, cfg, ResultActionCompleted)
	return nil
}
