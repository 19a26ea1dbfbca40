package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// decodeFunc decodes one definition item into v.
type decodeFunc func(v any) error

// splitDefinitions breaks a definition file into items. A file holds one
// definition, a list of them, or an object whose wrapper key holds the list.
// YAML files may also carry several documents. Anything not named .yaml or
// .yml is read as JSON with comments and trailing commas.
func splitDefinitions(name string, data []byte, wrapper string) ([]decodeFunc, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return splitYAML(data, wrapper)
	default:
		return splitJSON(data, wrapper)
	}
}

func splitYAML(data []byte, wrapper string) ([]decodeFunc, error) {
	var items []decodeFunc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, kerrors.InvalidInput(fmt.Sprintf("parsing YAML: %v", err))
		}
		if len(doc.Content) == 0 {
			continue
		}

		root := doc.Content[0]
		if root.Kind == yaml.MappingNode {
			for i := 0; i+1 < len(root.Content); i += 2 {
				if root.Content[i].Value == wrapper {
					root = root.Content[i+1]
					break
				}
			}
		}

		nodes := []*yaml.Node{root}
		if root.Kind == yaml.SequenceNode {
			nodes = root.Content
		}
		for _, n := range nodes {
			items = append(items, n.Decode)
		}
	}
	return items, nil
}

func splitJSON(data []byte, wrapper string) ([]decodeFunc, error) {
	raw := bytes.TrimSpace(jsonc.ToJSON(data))
	if len(raw) == 0 {
		return nil, nil
	}

	if raw[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, kerrors.InvalidInput(fmt.Sprintf("parsing JSON: %v", err))
		}
		if inner, ok := obj[wrapper]; ok {
			raw = bytes.TrimSpace(inner)
		}
	}

	var parts []json.RawMessage
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &parts); err != nil {
			return nil, kerrors.InvalidInput(fmt.Sprintf("parsing JSON: %v", err))
		}
	} else {
		parts = []json.RawMessage{raw}
	}

	items := make([]decodeFunc, 0, len(parts))
	for _, p := range parts {
		items = append(items, func(v any) error { return json.Unmarshal(p, v) })
	}
	return items, nil
}

// loadListeners reads listener definitions. Omitted "enabled" means enabled.
func loadListeners(name string, data []byte) ([]*domain.EventListener, error) {
	items, err := splitDefinitions(name, data, "listeners")
	if err != nil {
		return nil, err
	}
	out := make([]*domain.EventListener, 0, len(items))
	for i, decode := range items {
		l := &domain.EventListener{Enabled: true}
		if err := decode(l); err != nil {
			return nil, kerrors.InvalidInput(fmt.Sprintf("listener #%d: %v", i+1, err))
		}
		out = append(out, l)
	}
	return out, nil
}

// loadAutomations reads automation definitions. Omitted "enabled" means enabled.
func loadAutomations(name string, data []byte) ([]*domain.ScheduleAutomation, error) {
	items, err := splitDefinitions(name, data, "automations")
	if err != nil {
		return nil, err
	}
	out := make([]*domain.ScheduleAutomation, 0, len(items))
	for i, decode := range items {
		a := &domain.ScheduleAutomation{Enabled: true}
		if err := decode(a); err != nil {
			return nil, kerrors.InvalidInput(fmt.Sprintf("automation #%d: %v", i+1, err))
		}
		out = append(out, a)
	}
	return out, nil
}
