package main

import (
	"context"
	"fmt"
	"time"

	"github.com/harunnryd/karakuri/cmd/karakuri/runtime"

	"github.com/harunnryd/karakuri/internal/domain"
	"github.com/harunnryd/karakuri/internal/engine"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/formatter"
	"github.com/harunnryd/karakuri/internal/scheduler"
	"github.com/harunnryd/karakuri/internal/store"

	"github.com/spf13/cobra"
)

var automationCmd = &cobra.Command{
	Use:     "automation",
	Aliases: []string{"automations", "a"},
	Short:   "Manage scheduled automations",
}

var automationLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List automations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := store.AutomationFilter{ConversationID: conversation(cmd), Enabled: boolFlag(cmd, "enabled")}

		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			automations, err := r.Engine.ListAutomations(commandContext(cmd), filter)
			if err != nil {
				return err
			}
			return render(cmd, func(f formatter.Formatter) (string, error) { return f.Automations(automations) })
		})
	},
}

var automationGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show an automation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			a, err := r.Engine.GetAutomation(commandContext(cmd), args[0], conversation(cmd))
			if err != nil {
				return err
			}
			return renderAutomation(cmd, a)
		})
	},
}

var automationAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an automation",
	Example: `  karakuri automation add --name "Morning brief" --rule "0 7 * * 1-5" --prompt "Summarize my day"
  karakuri automation add --name "Standup" --rule "FREQ=WEEKLY;BYDAY=MO;BYHOUR=9;BYMINUTE=30" \
    --start-at 2025-01-06 --script @standup.star`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		actionType, actionConfig, err := actionFromFlags(cmd, nil)
		if err != nil {
			return err
		}

		a := &domain.ScheduleAutomation{
			ActionType:     newActionType(cmd, actionType),
			ActionConfig:   actionConfig,
			ConversationID: conversation(cmd),
		}
		a.Name, _ = cmd.Flags().GetString("name")
		a.Description, _ = cmd.Flags().GetString("description")
		a.RecurrenceRule, _ = cmd.Flags().GetString("rule")
		a.InterfaceType, _ = cmd.Flags().GetString("interface")
		disabled, _ := cmd.Flags().GetBool("disabled")
		a.Enabled = !disabled
		if a.ConversationID == "" {
			a.ConversationID = defaultConversation
		}
		startAt, err := optionalTime(cmd, "start-at", time.Now())
		if err != nil {
			return err
		}
		if startAt != nil {
			a.StartAt = *startAt
		}

		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			created, err := r.Engine.CreateAutomation(commandContext(cmd), a)
			if err != nil {
				return err
			}
			return renderAutomation(cmd, created)
		})
	},
}

var automationApplyCmd = &cobra.Command{
	Use:   "apply -f <file>",
	Short: "Create or update automations from a YAML or JSON file",
	Long: `Reads automation definitions from a YAML or JSON (comments allowed) file.
Definitions carrying the id of an existing automation replace its definition
fields; all others are created.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		data, err := readSource(cmd, path)
		if err != nil {
			return err
		}
		defs, err := loadAutomations(path, data)
		if err != nil {
			return err
		}
		scope := conversation(cmd)

		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			ctx := commandContext(cmd)
			applied := make([]*domain.ScheduleAutomation, 0, len(defs))
			for _, def := range defs {
				a, created, err := applyAutomation(ctx, r.Engine, def, scope)
				if err != nil {
					return fmt.Errorf("automation %q: %w", def.Name, err)
				}
				if tableOutput(cmd) {
					verb := "updated"
					if created {
						verb = "created"
					}
					printf(cmd, "automation %s %s\n", a.ID, verb)
				}
				applied = append(applied, a)
			}
			return render(cmd, func(f formatter.Formatter) (string, error) { return f.Automations(applied) })
		})
	},
}

func applyAutomation(ctx context.Context, eng *engine.Engine, def *domain.ScheduleAutomation, scope string) (*domain.ScheduleAutomation, bool, error) {
	if def.ID != "" {
		_, err := eng.GetAutomation(ctx, def.ID, scope)
		switch {
		case err == nil:
			p := scheduler.Patch{
				Name:           &def.Name,
				Description:    &def.Description,
				RecurrenceRule: &def.RecurrenceRule,
				ActionType:     &def.ActionType,
				ActionConfig:   def.ActionConfig,
				InterfaceType:  &def.InterfaceType,
				Enabled:        &def.Enabled,
			}
			if !def.StartAt.IsZero() {
				p.StartAt = &def.StartAt
			}
			updated, err := eng.UpdateAutomation(ctx, def.ID, scope, p)
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
	created, err := eng.CreateAutomation(ctx, def)
	return created, true, err
}

var automationUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change fields of an automation",
	Long: `Only the flags given are changed. Changing --rule or --start-at
recomputes the next run from now.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			ctx := commandContext(cmd)
			scope := conversation(cmd)
			current, err := r.Engine.GetAutomation(ctx, args[0], scope)
			if err != nil {
				return err
			}
			actionType, actionConfig, err := actionFromFlags(cmd, current.ActionConfig)
			if err != nil {
				return err
			}
			startAt, err := optionalTime(cmd, "start-at", r.Engine.Clock().Now())
			if err != nil {
				return err
			}

			a, err := r.Engine.UpdateAutomation(ctx, args[0], scope, scheduler.Patch{
				Name:           stringFlag(cmd, "name"),
				Description:    stringFlag(cmd, "description"),
				RecurrenceRule: stringFlag(cmd, "rule"),
				StartAt:        startAt,
				ActionType:     actionType,
				ActionConfig:   actionConfig,
				InterfaceType:  stringFlag(cmd, "interface"),
			})
			if err != nil {
				return err
			}
			return renderAutomation(cmd, a)
		})
	},
}

func automationToggleCommand(use, short string, set func(ctx context.Context, eng *engine.Engine, id, scope string) (*domain.ScheduleAutomation, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
				a, err := set(commandContext(cmd), r.Engine, args[0], conversation(cmd))
				if err != nil {
					return err
				}
				return renderAutomation(cmd, a)
			})
		},
	}
}

var automationEnableCmd = automationToggleCommand("enable", "Enable an automation (next run recomputed from now)",
	func(ctx context.Context, eng *engine.Engine, id, scope string) (*domain.ScheduleAutomation, error) {
		return eng.SetAutomationEnabled(ctx, id, scope, true)
	})

var automationDisableCmd = automationToggleCommand("disable", "Disable an automation",
	func(ctx context.Context, eng *engine.Engine, id, scope string) (*domain.ScheduleAutomation, error) {
		return eng.SetAutomationEnabled(ctx, id, scope, false)
	})

var automationToggleCmd = automationToggleCommand("toggle", "Flip an automation between enabled and disabled",
	func(ctx context.Context, eng *engine.Engine, id, scope string) (*domain.ScheduleAutomation, error) {
		return eng.ToggleAutomation(ctx, id, scope)
	})

var automationRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete an automation",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			if err := r.Engine.DeleteAutomation(commandContext(cmd), args[0], conversation(cmd)); err != nil {
				return err
			}
			printf(cmd, "automation %s deleted\n", args[0])
			return nil
		})
	},
}

var automationPreviewCmd = &cobra.Command{
	Use:   "preview [id]",
	Short: "Show upcoming occurrences of an automation or a --rule",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("count")
		rule, _ := cmd.Flags().GetString("rule")
		if len(args) == 0 && rule == "" {
			return kerrors.InvalidInput("an automation id or --rule is required")
		}

		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			var (
				times []time.Time
				err   error
			)
			if len(args) == 1 {
				times, err = r.Engine.PreviewAutomation(commandContext(cmd), args[0], conversation(cmd), n)
			} else {
				start := r.Engine.Clock().Now()
				at, perr := optionalTime(cmd, "start-at", start)
				if perr != nil {
					return perr
				}
				if at != nil {
					start = *at
				}
				times, err = r.Engine.PreviewRule(rule, start, n)
			}
			if err != nil {
				return err
			}
			return renderOccurrences(cmd, times)
		})
	},
}

func renderOccurrences(cmd *cobra.Command, times []time.Time) error {
	if !tableOutput(cmd) {
		if times == nil {
			times = []time.Time{}
		}
		return renderValue(cmd, times)
	}
	if len(times) == 0 {
		printf(cmd, "No upcoming occurrences\n")
		return nil
	}
	for i, t := range times {
		printf(cmd, "%3d  %s\n", i+1, t.Format("Mon 2006-01-02 15:04:05 MST"))
	}
	return nil
}

func renderAutomation(cmd *cobra.Command, a *domain.ScheduleAutomation) error {
	return render(cmd, func(f formatter.Formatter) (string, error) { return f.Automation(a) })
}

func init() {
	rootCmd.AddCommand(automationCmd)
	automationCmd.AddCommand(automationLsCmd, automationGetCmd, automationAddCmd, automationApplyCmd, automationUpdateCmd,
		automationEnableCmd, automationDisableCmd, automationToggleCmd, automationRmCmd, automationPreviewCmd)

	for _, c := range automationCmd.Commands() {
		addScopeFlag(c)
	}

	automationLsCmd.Flags().Bool("enabled", false, "Only enabled (or with =false, disabled) automations")

	for _, c := range []*cobra.Command{automationAddCmd, automationUpdateCmd} {
		addDefinitionFlags(c)
		c.Flags().String("rule", "", "Recurrence rule: cron (\"0 7 * * *\", \"@every 1h\") or RRULE (\"FREQ=DAILY;BYHOUR=7\")")
		c.Flags().String("start-at", "", "Anchor for the rule (RFC3339 or YYYY-MM-DD[ HH:MM])")
	}
	automationAddCmd.Flags().Bool("disabled", false, "Create the automation disabled")
	_ = automationAddCmd.MarkFlagRequired("name")
	_ = automationAddCmd.MarkFlagRequired("rule")

	automationApplyCmd.Flags().StringP("file", "f", "", "Definition file (YAML, JSON or JSONC; - for stdin)")
	_ = automationApplyCmd.MarkFlagRequired("file")

	automationPreviewCmd.Flags().String("rule", "", "Preview an ad-hoc rule instead of a stored automation")
	automationPreviewCmd.Flags().String("start-at", "", "Anchor for an ad-hoc rule (default now)")
	automationPreviewCmd.Flags().IntP("count", "n", 5, "Number of occurrences")
}
