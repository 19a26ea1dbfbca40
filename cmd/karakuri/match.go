package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"

	"github.com/google/shlex"
)

// parseMatch turns --match values into ordered conditions. Each value may
// hold several shell-quoted pairs. "path=value" compares against a string,
// "path:=json" against a typed JSON value (number, bool, null, object).
func parseMatch(values []string) (domain.Conditions, error) {
	var conds domain.Conditions
	for _, raw := range values {
		parts, err := shlex.Split(raw)
		if err != nil {
			return nil, kerrors.InvalidInput(fmt.Sprintf("invalid --match %q: %v", raw, err))
		}
		for _, part := range parts {
			path, value, err := parsePair(part)
			if err != nil {
				return nil, err
			}
			conds = conds.Set(path, value)
		}
	}
	if err := conds.Validate(); err != nil {
		return nil, kerrors.WrapWithCategory(err, "invalid --match", kerrors.ErrInvalidInput)
	}
	return conds, nil
}

func parsePair(part string) (string, any, error) {
	if i := strings.Index(part, ":="); i > 0 && i < strings.Index(part+"=", "=") {
		var v any
		if err := json.Unmarshal([]byte(part[i+2:]), &v); err != nil {
			return "", nil, kerrors.InvalidInput(fmt.Sprintf("invalid JSON value in %q: %v", part, err))
		}
		return part[:i], v, nil
	}
	path, value, ok := strings.Cut(part, "=")
	if !ok || path == "" {
		return "", nil, kerrors.InvalidInput(fmt.Sprintf("expected path=value or path:=json, got %q", part))
	}
	return path, value, nil
}
