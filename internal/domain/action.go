package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ActionType string

const (
	ActionWakeLLM ActionType = "wake_llm"
	ActionScript  ActionType = "script"
)

func (t ActionType) IsValid() bool {
	return t == ActionWakeLLM || t == ActionScript
}

func ParseActionType(s string) (ActionType, error) {
	t := ActionType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", invalid("action_type", fmt.Sprintf("must be wake_llm or script (got: %s)", s))
	}
	return t, nil
}

// Well-known action_config keys.
const (
	ConfigScriptCode = "script_code"
	ConfigTimeout    = "timeout"
	ConfigGlobals    = "globals"
	ConfigPrompt     = "prompt"
	ConfigParameters = "parameters"
	ConfigModel      = "model"
	ConfigNotify     = "notify"
)

// ActionConfig is the opaque per-action settings map. Script actions carry
// script_code, timeout (seconds) and globals; wake_llm actions carry prompt,
// parameters, model and notify.
type ActionConfig map[string]any

func (c ActionConfig) String(key string) string {
	if c == nil {
		return ""
	}
	switch v := c[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (c ActionConfig) Map(key string) map[string]any {
	if c == nil {
		return nil
	}
	if m, ok := c[key].(map[string]any); ok {
		return m
	}
	return nil
}

// Bool reads key as a boolean, returning def when absent or malformed.
func (c ActionConfig) Bool(key string, def bool) bool {
	if c == nil {
		return def
	}
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Timeout reads the timeout key. Numbers are seconds; strings may be Go
// durations ("90s") or plain seconds ("90"). Zero means unset.
func (c ActionConfig) Timeout() (time.Duration, error) {
	if c == nil {
		return 0, nil
	}
	switch v := c[ConfigTimeout].(type) {
	case nil:
		return 0, nil
	case int:
		return secondsToDuration(float64(v))
	case int64:
		return secondsToDuration(float64(v))
	case float64:
		return secondsToDuration(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, invalid(ConfigTimeout, fmt.Sprintf("unparseable timeout %q", v))
		}
		return secondsToDuration(f)
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			if d <= 0 {
				return 0, invalid(ConfigTimeout, "must be positive")
			}
			return d, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, invalid(ConfigTimeout, fmt.Sprintf("unparseable timeout %q", v))
		}
		return secondsToDuration(f)
	default:
		return 0, invalid(ConfigTimeout, fmt.Sprintf("unsupported type %T", v))
	}
}

func secondsToDuration(s float64) (time.Duration, error) {
	if s <= 0 {
		return 0, invalid(ConfigTimeout, "must be positive")
	}
	return time.Duration(s * float64(time.Second)), nil
}

// ValidateAction checks the keys each action variant needs to run.
func ValidateAction(t ActionType, cfg ActionConfig) error {
	if !t.IsValid() {
		return invalid("action_type", fmt.Sprintf("must be wake_llm or script (got: %s)", t))
	}
	switch t {
	case ActionScript:
		if strings.TrimSpace(cfg.String(ConfigScriptCode)) == "" {
			return missing("action_config.script_code")
		}
		if _, err := cfg.Timeout(); err != nil {
			return err
		}
		if g, ok := cfg[ConfigGlobals]; ok && g != nil {
			if _, isMap := g.(map[string]any); !isMap {
				return invalid("action_config.globals", "must be an object")
			}
		}
	case ActionWakeLLM:
		if strings.TrimSpace(cfg.String(ConfigPrompt)) == "" {
			return missing("action_config.prompt")
		}
		if p, ok := cfg[ConfigParameters]; ok && p != nil {
			if _, isMap := p.(map[string]any); !isMap {
				return invalid("action_config.parameters", "must be an object")
			}
		}
	}
	return nil
}
