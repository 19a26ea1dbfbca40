package main

import (
	"encoding/json"
	"strings"

	"github.com/harunnryd/karakuri/cmd/karakuri/runtime"

	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/formatter"
	"github.com/harunnryd/karakuri/internal/ingress"
	"github.com/harunnryd/karakuri/internal/store"

	"github.com/spf13/cobra"
)

var eventCmd = &cobra.Command{
	Use:     "event",
	Aliases: []string{"events", "e"},
	Short:   "Submit and inspect events",
}

var eventSubmitCmd = &cobra.Command{
	Use:   "submit <source>",
	Short: "Submit an event and run the listener matching pass",
	Long: `Stores an event for <source> and evaluates every enabled listener of that
source. Matching listeners enqueue tasks that a running daemon executes.`,
	Example: `  karakuri event submit home_assistant --data '{"entity_id":"sensor.temperature","state":"25"}'
  karakuri event submit github -f payload.json --external-id delivery-42`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := eventData(cmd)
		if err != nil {
			return err
		}
		sub := ingress.Submission{SourceID: args[0], Data: data}
		sub.ExternalID, _ = cmd.Flags().GetString("external-id")

		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			at, err := optionalTime(cmd, "at", r.Engine.Clock().Now())
			if err != nil {
				return err
			}
			if at != nil {
				sub.Timestamp = *at
			}

			receipt, err := r.Engine.SubmitEvent(commandContext(cmd), sub)
			if err != nil {
				return err
			}
			if !tableOutput(cmd) {
				return renderValue(cmd, receipt)
			}
			printf(cmd, "event %s stored: %d listener(s) evaluated, %d triggered\n",
				receipt.Event.ID, receipt.Match.Evaluated, len(receipt.Match.Triggered))
			for _, d := range receipt.Match.Decisions {
				outcome := "no match"
				switch {
				case d.Error != "":
					outcome = "error: " + d.Error
				case d.TaskID != "":
					outcome = "task " + d.TaskID
				case d.Matched:
					outcome = "matched, " + string(d.Outcome)
				}
				printf(cmd, "  %s  %s\n", d.ListenerID, outcome)
			}
			return nil
		})
	},
}

// eventData reads the payload from --data or --file; neither means {}.
func eventData(cmd *cobra.Command) (map[string]any, error) {
	raw, _ := cmd.Flags().GetString("data")
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		if raw != "" {
			return nil, kerrors.InvalidInput("--data and --file are mutually exclusive")
		}
		b, err := readSource(cmd, path)
		if err != nil {
			return nil, err
		}
		raw = string(b)
	}
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, kerrors.InvalidInput("event data must be a JSON object: " + err.Error())
	}
	return data, nil
}

var eventLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored events, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := store.EventFilter{}
		filter.SourceID, _ = cmd.Flags().GetString("source")
		filter.Limit, _ = cmd.Flags().GetInt("limit")

		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			now := r.Engine.Clock().Now()
			var err error
			if filter.Since, err = optionalTime(cmd, "since", now); err != nil {
				return err
			}
			if filter.Until, err = optionalTime(cmd, "until", now); err != nil {
				return err
			}

			events, err := r.Engine.ListEvents(commandContext(cmd), filter)
			if err != nil {
				return err
			}
			return render(cmd, func(f formatter.Formatter) (string, error) { return f.Events(events) })
		})
	},
}

var eventGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			e, err := r.Engine.GetEvent(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			return render(cmd, func(f formatter.Formatter) (string, error) { return f.Event(e) })
		})
	},
}

var eventPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete events older than events.retention and expired dedup keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			res, err := r.Engine.PruneEvents(commandContext(cmd))
			if err != nil {
				return err
			}
			printf(cmd, "pruned %d event(s), %d dedup key(s)\n", res.Events, res.DedupKeys)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(eventSubmitCmd, eventLsCmd, eventGetCmd, eventPruneCmd)

	eventSubmitCmd.Flags().String("data", "", "Event data as a JSON object")
	eventSubmitCmd.Flags().StringP("file", "f", "", "Read event data from a JSON file (- for stdin)")
	eventSubmitCmd.Flags().String("at", "", "Event time (default now)")
	eventSubmitCmd.Flags().String("external-id", "", "Source-side event id; replays with the same id are rejected")

	eventLsCmd.Flags().String("source", "", "Only events of this source")
	eventLsCmd.Flags().String("since", "", "Events at or after this time (e.g. -24h, 2025-01-02)")
	eventLsCmd.Flags().String("until", "", "Events before this time")
	eventLsCmd.Flags().Int("limit", 50, "Maximum events to list")
}
