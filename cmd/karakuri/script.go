package main

import (
	"time"

	"github.com/harunnryd/karakuri/cmd/karakuri/runtime"

	"github.com/harunnryd/karakuri/internal/engine"
	kerrors "github.com/harunnryd/karakuri/internal/errors"

	"github.com/spf13/cobra"
)

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Check and dry-run Starlark scripts",
}

var scriptValidateCmd = &cobra.Command{
	Use:   "validate <file|->",
	Short: "Parse a script without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := readSource(cmd, args[0])
		if err != nil {
			return err
		}

		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			v := r.Engine.ValidateScript(string(code))
			if !tableOutput(cmd) {
				if err := renderValue(cmd, v); err != nil {
					return err
				}
			} else if v.Success {
				printf(cmd, "ok (%s)\n", v.Mode)
			} else {
				printf(cmd, "%s:%d:%d: %s\n", args[0], v.Line, v.Column, v.Error)
			}
			if !v.Success {
				return kerrors.InvalidInput("script is invalid")
			}
			return nil
		})
	},
}

var scriptTestCmd = &cobra.Command{
	Use:   "test <file|->",
	Short: "Run a script once against a sample event",
	Long: `Runs the script with the action sandbox limits. The sample event is
bound as "event"; --globals adds further names. Nothing is persisted.`,
	Example: `  karakuri script test notify.star --event '{"state":"on"}'`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := readSource(cmd, args[0])
		if err != nil {
			return err
		}
		rawEvent, _ := cmd.Flags().GetString("event")
		sample, err := parseJSONObject(rawEvent, "--event")
		if err != nil {
			return err
		}
		rawGlobals, _ := cmd.Flags().GetString("globals")
		globals, err := parseJSONObject(rawGlobals, "--globals")
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")

		return executeWithRuntime(cmd, func(r *runtime.Runtime) error {
			res := r.Engine.TestScript(commandContext(cmd), engine.ScriptTest{
				Code:        string(code),
				SampleEvent: sample,
				Globals:     globals,
				Timeout:     timeout,
			})
			if !tableOutput(cmd) {
				if err := renderValue(cmd, res); err != nil {
					return err
				}
			} else {
				for _, line := range res.Output {
					printf(cmd, "%s\n", line)
				}
				if res.Success {
					printf(cmd, "result: %v (%s)\n", res.Value, res.Duration.Round(time.Microsecond))
				} else {
					printf(cmd, "%s error at line %d: %s\n", res.Kind, res.Line, res.Error)
				}
			}
			if !res.Success {
				return res.Err()
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(scriptCmd)
	scriptCmd.AddCommand(scriptValidateCmd, scriptTestCmd)

	scriptTestCmd.Flags().String("event", "", "Sample event data as a JSON object")
	scriptTestCmd.Flags().String("globals", "", "Extra globals as a JSON object")
	scriptTestCmd.Flags().Duration("timeout", 0, "Wall-clock limit (default and cap: sandbox.action_timeout)")
}
