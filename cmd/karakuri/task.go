package main

import (
	"github.com/harunnryd/karakuri/cmd/karakuri/runtime"

	"github.com/harunnryd/karakuri/internal/domain"
	"github.com/harunnryd/karakuri/internal/engine"
	"github.com/harunnryd/karakuri/internal/formatter"

	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	Aliases: []string{"tasks", "t"},
	Short:   "Inspect and control queued tasks",
}

var taskLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List tasks, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := engine.TaskQuery{}
		statuses, _ := cmd.Flags().GetStringSlice("status")
		for _, s := range statuses {
			st, err := domain.ParseTaskStatus(s)
			if err != nil {
				return err
			}
			q.Statuses = append(q.Statuses, st)
		}
		if typ, _ := cmd.Flags().GetString("type"); typ != "" {
			t, err := domain.ParseTaskType(typ)
			if err != nil {
				return err
			}
			q.Type = t
		}
		q.Limit, _ = cmd.Flags().GetInt("limit")
		q.Offset, _ = cmd.Flags().GetInt("offset")

		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			now := r.Engine.Clock().Now()
			var err error
			if q.From, err = optionalTime(cmd, "from", now); err != nil {
				return err
			}
			if q.To, err = optionalTime(cmd, "to", now); err != nil {
				return err
			}

			tasks, err := r.Engine.ListTasks(commandContext(cmd), q)
			if err != nil {
				return err
			}
			return render(cmd, func(f formatter.Formatter) (string, error) { return f.Tasks(tasks) })
		})
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			t, err := r.Engine.GetTask(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			return renderTask(cmd, t)
		})
	},
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Move a failed task back to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			t, err := r.Engine.RetryTask(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			return renderTask(cmd, t)
		})
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			t, err := r.Engine.CancelTask(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			return renderTask(cmd, t)
		})
	},
}

var taskStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count tasks by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			counts, err := r.Engine.TaskCounts(commandContext(cmd))
			if err != nil {
				return err
			}
			if !tableOutput(cmd) {
				return renderValue(cmd, counts)
			}
			for _, s := range domain.TaskStatuses() {
				printf(cmd, "%-11s %d\n", s, counts[s])
			}
			return nil
		})
	},
}

func renderTask(cmd *cobra.Command, t *domain.Task) error {
	return render(cmd, func(f formatter.Formatter) (string, error) { return f.Task(t) })
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskLsCmd, taskGetCmd, taskRetryCmd, taskCancelCmd, taskStatsCmd)

	taskLsCmd.Flags().StringSlice("status", nil, "Only tasks in these statuses (pending, processing, done, failed, cancelled)")
	taskLsCmd.Flags().String("type", "", "Only tasks of this type (listener, schedule)")
	taskLsCmd.Flags().String("from", "", "Tasks created at or after this time (e.g. -24h, 2025-01-02)")
	taskLsCmd.Flags().String("to", "", "Tasks created before this time")
	taskLsCmd.Flags().Int("limit", 50, "Maximum tasks to list")
	taskLsCmd.Flags().Int("offset", 0, "Skip this many tasks")
}
