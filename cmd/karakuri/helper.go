package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/harunnryd/karakuri/cmd/karakuri/runtime"

	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/formatter"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"
)

func executeWithRuntime(cmd *cobra.Command, fn func(*runtime.Runtime) error) error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	r, err := runtime.NewRuntimeBuilder().
		WithContext(ctx).
		WithConfig(cfg).
		WithWorkspace(runtime.ResolveWorkspaceID(cmd)).
		Build()
	if err != nil {
		return fmt.Errorf("failed to open workspace: %w", err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			slog.Warn("Failed to close workspace", "error", err)
		}
	}()

	return fn(r)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func outputFormatter(cmd *cobra.Command) (formatter.Formatter, error) {
	name, _ := cmd.Flags().GetString("output")
	format, err := formatter.ParseOutputFormat(name)
	if err != nil {
		return nil, err
	}
	return formatter.New(format)
}

func tableOutput(cmd *cobra.Command) bool {
	name, _ := cmd.Flags().GetString("output")
	format, err := formatter.ParseOutputFormat(name)
	return err != nil || format == formatter.OutputFormatTable
}

// render formats v with the selected output format and prints it.
func render(cmd *cobra.Command, format func(formatter.Formatter) (string, error)) error {
	f, err := outputFormatter(cmd)
	if err != nil {
		return err
	}
	out, err := format(f)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	_, err = lipgloss.Fprintln(cmd.OutOrStdout(), out)
	return err
}

func renderValue(cmd *cobra.Command, v any) error {
	return render(cmd, func(f formatter.Formatter) (string, error) { return f.Value(v) })
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

func conversation(cmd *cobra.Command) string {
	c, _ := cmd.Flags().GetString("conversation")
	return strings.TrimSpace(c)
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTime accepts an absolute time in one of timeLayouts (local time when
// no offset is given) or a negative duration relative to now such as -24h.
func parseTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		d, err := time.ParseDuration(s)
		if err == nil {
			return now.Add(d), nil
		}
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, kerrors.InvalidInput(fmt.Sprintf("invalid time %q (use RFC3339, YYYY-MM-DD[ HH:MM[:SS]] or -<duration>)", s))
}

func optionalTime(cmd *cobra.Command, flag string, now time.Time) (*time.Time, error) {
	raw, _ := cmd.Flags().GetString(flag)
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := parseTime(raw, now)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flag, err)
	}
	return &t, nil
}

// readSource reads a file path, or stdin for "-".
func readSource(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func parseJSONObject(raw, what string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, kerrors.InvalidInput(fmt.Sprintf("%s must be a JSON object: %v", what, err))
	}
	return m, nil
}

// exitCode maps error categories to distinct process exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, kerrors.ErrInvalidInput):
		return 2
	case errors.Is(err, kerrors.ErrNotFound):
		return 3
	case errors.Is(err, kerrors.ErrConflict), errors.Is(err, kerrors.ErrDuplicateEvent):
		return 4
	default:
		return 1
	}
}
