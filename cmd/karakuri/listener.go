package main

import (
	"context"
	"fmt"

	"github.com/harunnryd/karakuri/cmd/karakuri/runtime"

	"github.com/harunnryd/karakuri/internal/domain"
	"github.com/harunnryd/karakuri/internal/engine"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/formatter"
	"github.com/harunnryd/karakuri/internal/listener"
	"github.com/harunnryd/karakuri/internal/store"

	"github.com/spf13/cobra"
)

var listenerCmd = &cobra.Command{
	Use:     "listener",
	Aliases: []string{"listeners", "l"},
	Short:   "Manage event listeners",
}

var listenerLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List listeners",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := store.ListenerFilter{ConversationID: conversation(cmd), Enabled: boolFlag(cmd, "enabled")}
		filter.SourceID, _ = cmd.Flags().GetString("source")

		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			listeners, err := r.Engine.ListListeners(commandContext(cmd), filter)
			if err != nil {
				return err
			}
			return render(cmd, func(f formatter.Formatter) (string, error) { return f.Listeners(listeners) })
		})
	},
}

var listenerGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a listener",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			l, err := r.Engine.GetListener(commandContext(cmd), args[0], conversation(cmd))
			if err != nil {
				return err
			}
			return renderListener(cmd, l)
		})
	},
}

var listenerAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a listener",
	Example: `  karakuri listener add --name "Door opened" --source home_assistant \
    --match 'entity_id=binary_sensor.door state=on' --prompt "The front door opened"
  karakuri listener add --name "Hot" --source weather --match 'temp:=30' --script @hot.star`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		actionType, actionConfig, err := actionFromFlags(cmd, nil)
		if err != nil {
			return err
		}
		matchValues, _ := cmd.Flags().GetStringArray("match")
		conds, err := parseMatch(matchValues)
		if err != nil {
			return err
		}
		condScript, _ := cmd.Flags().GetString("condition-script")
		if condScript, err = inlineOrFile(cmd, condScript); err != nil {
			return err
		}

		l := &domain.EventListener{
			MatchConditions: conds,
			ConditionScript: condScript,
			ActionType:      newActionType(cmd, actionType),
			ActionConfig:    actionConfig,
			ConversationID:  conversation(cmd),
		}
		l.Name, _ = cmd.Flags().GetString("name")
		l.Description, _ = cmd.Flags().GetString("description")
		l.SourceID, _ = cmd.Flags().GetString("source")
		l.InterfaceType, _ = cmd.Flags().GetString("interface")
		l.OneTime, _ = cmd.Flags().GetBool("one-time")
		l.DailyLimit, _ = cmd.Flags().GetInt("daily-limit")
		disabled, _ := cmd.Flags().GetBool("disabled")
		l.Enabled = !disabled
		if l.ConversationID == "" {
			l.ConversationID = defaultConversation
		}

		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			created, err := r.Engine.CreateListener(commandContext(cmd), l)
			if err != nil {
				return err
			}
			return renderListener(cmd, created)
		})
	},
}

var listenerApplyCmd = &cobra.Command{
	Use:   "apply -f <file>",
	Short: "Create or update listeners from a YAML or JSON file",
	Long: `Reads listener definitions from a YAML or JSON (comments allowed) file.
Definitions carrying the id of an existing listener replace its definition
fields; all others are created.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		data, err := readSource(cmd, path)
		if err != nil {
			return err
		}
		defs, err := loadListeners(path, data)
		if err != nil {
			return err
		}
		scope := conversation(cmd)

		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			ctx := commandContext(cmd)
			applied := make([]*domain.EventListener, 0, len(defs))
			for _, def := range defs {
				l, created, err := applyListener(ctx, r.Engine, def, scope)
				if err != nil {
					return fmt.Errorf("listener %q: %w", def.Name, err)
				}
				if tableOutput(cmd) {
					verb := "updated"
					if created {
						verb = "created"
					}
					printf(cmd, "listener %s %s\n", l.ID, verb)
				}
				applied = append(applied, l)
			}
			return render(cmd, func(f formatter.Formatter) (string, error) { return f.Listeners(applied) })
		})
	},
}

// applyListener replaces the definition of an existing listener with def,
// or creates def when its id is empty or unknown in scope.
func applyListener(ctx context.Context, eng *engine.Engine, def *domain.EventListener, scope string) (*domain.EventListener, bool, error) {
	if def.ID != "" {
		_, err := eng.GetListener(ctx, def.ID, scope)
		switch {
		case err == nil:
			conds := def.MatchConditions
			updated, err := eng.UpdateListener(ctx, def.ID, scope, listener.Patch{
				Name:            &def.Name,
				Description:     &def.Description,
				SourceID:        &def.SourceID,
				MatchConditions: &conds,
				ConditionScript: &def.ConditionScript,
				ActionType:      &def.ActionType,
				ActionConfig:    def.ActionConfig,
				OneTime:         &def.OneTime,
				DailyLimit:      &def.DailyLimit,
				InterfaceType:   &def.InterfaceType,
				Enabled:         &def.Enabled,
			})
			return updated, false, err
		case !kerrors.IsCategory(err, kerrors.ErrNotFound):
			return nil, false, err
		}
	}

	if def.ConversationID == "" {
		def.ConversationID = scope
	}
	if def.ConversationID == "" {
		def.ConversationID = defaultConversation
	}
	created, err := eng.CreateListener(ctx, def)
	return created, true, err
}

var listenerUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change fields of a listener",
	Long:  `Only the flags given are changed. Action flags are merged into the existing action config.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			ctx := commandContext(cmd)
			scope := conversation(cmd)
			current, err := r.Engine.GetListener(ctx, args[0], scope)
			if err != nil {
				return err
			}
			p, err := listenerPatch(cmd, current)
			if err != nil {
				return err
			}
			l, err := r.Engine.UpdateListener(ctx, args[0], scope, p)
			if err != nil {
				return err
			}
			return renderListener(cmd, l)
		})
	},
}

func listenerPatch(cmd *cobra.Command, current *domain.EventListener) (listener.Patch, error) {
	actionType, actionConfig, err := actionFromFlags(cmd, current.ActionConfig)
	if err != nil {
		return listener.Patch{}, err
	}
	p := listener.Patch{
		Name:          stringFlag(cmd, "name"),
		Description:   stringFlag(cmd, "description"),
		SourceID:      stringFlag(cmd, "source"),
		ActionType:    actionType,
		ActionConfig:  actionConfig,
		OneTime:       boolFlag(cmd, "one-time"),
		DailyLimit:    intFlag(cmd, "daily-limit"),
		InterfaceType: stringFlag(cmd, "interface"),
	}
	if cmd.Flags().Changed("match") {
		matchValues, _ := cmd.Flags().GetStringArray("match")
		conds, err := parseMatch(matchValues)
		if err != nil {
			return listener.Patch{}, err
		}
		p.MatchConditions = &conds
	}
	if s := stringFlag(cmd, "condition-script"); s != nil {
		code, err := inlineOrFile(cmd, *s)
		if err != nil {
			return listener.Patch{}, err
		}
		p.ConditionScript = &code
	}
	return p, nil
}

func listenerToggleCommand(use, short string, set func(ctx context.Context, eng *engine.Engine, id, scope string) (*domain.EventListener, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
				l, err := set(commandContext(cmd), r.Engine, args[0], conversation(cmd))
				if err != nil {
					return err
				}
				return renderListener(cmd, l)
			})
		},
	}
}

var listenerEnableCmd = listenerToggleCommand("enable", "Enable a listener",
	func(ctx context.Context, eng *engine.Engine, id, scope string) (*domain.EventListener, error) {
		return eng.SetListenerEnabled(ctx, id, scope, true)
	})

var listenerDisableCmd = listenerToggleCommand("disable", "Disable a listener",
	func(ctx context.Context, eng *engine.Engine, id, scope string) (*domain.EventListener, error) {
		return eng.SetListenerEnabled(ctx, id, scope, false)
	})

var listenerToggleCmd = listenerToggleCommand("toggle", "Flip a listener between enabled and disabled",
	func(ctx context.Context, eng *engine.Engine, id, scope string) (*domain.EventListener, error) {
		return eng.ToggleListener(ctx, id, scope)
	})

var listenerRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a listener",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			if err := r.Engine.DeleteListener(commandContext(cmd), args[0], conversation(cmd)); err != nil {
				return err
			}
			printf(cmd, "listener %s deleted\n", args[0])
			return nil
		})
	},
}

var listenerTestCmd = &cobra.Command{
	Use:   "test [id]",
	Short: "Replay recent events against a listener's condition",
	Long: `Evaluates a stored listener's condition, or an ad-hoc one given with
--source plus --match or --condition-script, against the source's events
from the last --hours hours. Nothing is enqueued.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, _ := cmd.Flags().GetInt("hours")
		test := engine.ConditionTest{Hours: hours}

		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			ctx := commandContext(cmd)
			if len(args) == 1 {
				l, err := r.Engine.GetListener(ctx, args[0], conversation(cmd))
				if err != nil {
					return err
				}
				test.SourceID = l.SourceID
				test.Conditions = l.MatchConditions
				test.Script = l.ConditionScript
			}

			if s := stringFlag(cmd, "source"); s != nil {
				test.SourceID = *s
			}
			if cmd.Flags().Changed("match") {
				matchValues, _ := cmd.Flags().GetStringArray("match")
				conds, err := parseMatch(matchValues)
				if err != nil {
					return err
				}
				test.Conditions = conds
			}
			if s := stringFlag(cmd, "condition-script"); s != nil {
				code, err := inlineOrFile(cmd, *s)
				if err != nil {
					return err
				}
				test.Script = code
			}

			report, err := r.Engine.TestCondition(ctx, test)
			if err != nil {
				return err
			}
			return renderConditionReport(cmd, report)
		})
	},
}

func renderConditionReport(cmd *cobra.Command, report *engine.ConditionReport) error {
	if !tableOutput(cmd) {
		return renderValue(cmd, report)
	}

	printf(cmd, "Matched %d of %d events\n", report.MatchedCount, report.TotalTested)
	if report.ScriptErrors > 0 {
		printf(cmd, "Script errors: %d (first: %s)\n", report.ScriptErrors, report.FirstError)
	}
	if len(report.MatchedEvents) == 0 {
		return nil
	}
	return render(cmd, func(f formatter.Formatter) (string, error) { return f.Events(report.MatchedEvents) })
}

func renderListener(cmd *cobra.Command, l *domain.EventListener) error {
	return render(cmd, func(f formatter.Formatter) (string, error) { return f.Listener(l) })
}

func init() {
	rootCmd.AddCommand(listenerCmd)
	listenerCmd.AddCommand(listenerLsCmd, listenerGetCmd, listenerAddCmd, listenerApplyCmd, listenerUpdateCmd,
		listenerEnableCmd, listenerDisableCmd, listenerToggleCmd, listenerRmCmd, listenerTestCmd)

	for _, c := range listenerCmd.Commands() {
		addScopeFlag(c)
	}

	listenerLsCmd.Flags().String("source", "", "Only listeners of this source")
	listenerLsCmd.Flags().Bool("enabled", false, "Only enabled (or with =false, disabled) listeners")

	for _, c := range []*cobra.Command{listenerAddCmd, listenerUpdateCmd} {
		addDefinitionFlags(c)
		c.Flags().String("source", "", "Event source id")
		c.Flags().StringArray("match", nil, "Match condition path=value or path:=json (repeatable, shell-quoted)")
		c.Flags().String("condition-script", "", "Starlark condition script, or @file")
		c.Flags().Bool("one-time", false, "Disable the listener after its first trigger")
		c.Flags().Int("daily-limit", 0, "Triggers allowed per day (0 uses the configured default)")
	}
	listenerAddCmd.Flags().Bool("disabled", false, "Create the listener disabled")
	_ = listenerAddCmd.MarkFlagRequired("name")
	_ = listenerAddCmd.MarkFlagRequired("source")

	listenerApplyCmd.Flags().StringP("file", "f", "", "Definition file (YAML, JSON or JSONC; - for stdin)")
	_ = listenerApplyCmd.MarkFlagRequired("file")

	listenerTestCmd.Flags().String("source", "", "Event source id")
	listenerTestCmd.Flags().StringArray("match", nil, "Match condition path=value or path:=json (repeatable)")
	listenerTestCmd.Flags().String("condition-script", "", "Starlark condition script, or @file")
	listenerTestCmd.Flags().Int("hours", engine.DefaultTestHours, "How far back to replay events")
}
