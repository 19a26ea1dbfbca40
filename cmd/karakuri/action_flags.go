package main

import (
	"maps"
	"strings"

	"github.com/harunnryd/karakuri/internal/domain"

	"github.com/spf13/cobra"
)

// defaultConversation owns definitions created from the CLI without
// --conversation.
const defaultConversation = "cli"

func addScopeFlag(cmd *cobra.Command) {
	cmd.Flags().String("conversation", "", "Conversation scope (empty matches every conversation)")
}

func addDefinitionFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "Definition name")
	cmd.Flags().String("description", "", "Definition description")
	cmd.Flags().String("action", "", "Action type (wake_llm, script)")
	cmd.Flags().String("prompt", "", "wake_llm prompt")
	cmd.Flags().String("model", "", "wake_llm model override")
	cmd.Flags().Bool("notify", true, "wake_llm: send the reply to the conversation")
	cmd.Flags().String("params", "", "wake_llm parameters as a JSON object")
	cmd.Flags().String("script", "", "script action code, or @file to read it")
	cmd.Flags().String("timeout", "", "script timeout (seconds or duration)")
	cmd.Flags().String("globals", "", "script globals as a JSON object")
	cmd.Flags().String("config-json", "", "raw action_config JSON object, merged before the other action flags")
	cmd.Flags().String("interface", "", "Interface type used to reach the conversation (slack, telegram, console)")
}

// inlineOrFile returns s, or the contents of the named file for "@path".
func inlineOrFile(cmd *cobra.Command, s string) (string, error) {
	if path, ok := strings.CutPrefix(s, "@"); ok {
		data, err := readSource(cmd, path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return s, nil
}

// actionFromFlags layers the action flags over base. It returns a nil type
// when --action was not given and nil config when no config flag changed.
func actionFromFlags(cmd *cobra.Command, base domain.ActionConfig) (*domain.ActionType, domain.ActionConfig, error) {
	flags := cmd.Flags()

	var actionType *domain.ActionType
	if flags.Changed("action") {
		raw, _ := flags.GetString("action")
		t, err := domain.ParseActionType(raw)
		if err != nil {
			return nil, nil, err
		}
		actionType = &t
	}

	changed := false
	cfg := domain.ActionConfig{}
	maps.Copy(cfg, base)

	if flags.Changed("config-json") {
		raw, _ := flags.GetString("config-json")
		m, err := parseJSONObject(raw, "--config-json")
		if err != nil {
			return nil, nil, err
		}
		maps.Copy(cfg, m)
		changed = true
	}

	for _, f := range []struct{ flag, key string }{
		{"prompt", domain.ConfigPrompt},
		{"model", domain.ConfigModel},
		{"timeout", domain.ConfigTimeout},
	} {
		if flags.Changed(f.flag) {
			v, _ := flags.GetString(f.flag)
			cfg[f.key] = v
			changed = true
		}
	}
	if flags.Changed("script") {
		raw, _ := flags.GetString("script")
		code, err := inlineOrFile(cmd, raw)
		if err != nil {
			return nil, nil, err
		}
		cfg[domain.ConfigScriptCode] = code
		changed = true
	}
	if flags.Changed("notify") {
		v, _ := flags.GetBool("notify")
		cfg[domain.ConfigNotify] = v
		changed = true
	}
	for _, f := range []struct{ flag, key string }{
		{"params", domain.ConfigParameters},
		{"globals", domain.ConfigGlobals},
	} {
		if flags.Changed(f.flag) {
			raw, _ := flags.GetString(f.flag)
			m, err := parseJSONObject(raw, "--"+f.flag)
			if err != nil {
				return nil, nil, err
			}
			cfg[f.key] = m
			changed = true
		}
	}

	if !changed {
		return actionType, nil, nil
	}
	return actionType, cfg, nil
}

// newActionType picks the action for a fresh definition: --action when
// given, script when --script is set, wake_llm otherwise.
func newActionType(cmd *cobra.Command, explicit *domain.ActionType) domain.ActionType {
	switch {
	case explicit != nil:
		return *explicit
	case cmd.Flags().Changed("script"):
		return domain.ActionScript
	default:
		return domain.ActionWakeLLM
	}
}

func stringFlag(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}

func boolFlag(cmd *cobra.Command, name string) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetBool(name)
	return &v
}

func intFlag(cmd *cobra.Command, name string) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetInt(name)
	return &v
}
