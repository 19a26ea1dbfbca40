package condition

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/script"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func newEvaluator() *Evaluator {
	return NewEvaluator(script.NewRunner(script.Options{}), time.Second, 100_000)
}

func TestTemperatureScenario(t *testing.T) {
	e := newEvaluator()
	spec := Spec{MatchConditions: domain.Conditions{
		{Path: "entity_id", Value: "sensor.temperature"},
		{Path: "state", Value: "25"},
	}}

	hit := e.Evaluate(context.Background(), decode(t, `{"entity_id": "sensor.temperature", "state": "25"}`), spec)
	assert.True(t, hit.Matched)
	assert.Equal(t, ModeStructural, hit.Mode)

	miss := e.Evaluate(context.Background(), decode(t, `{"entity_id": "sensor.temperature", "state": "20"}`), spec)
	assert.False(t, miss.Matched)
	assert.NoError(t, miss.Err)
}

func TestEmptyConditionsMatchEverything(t *testing.T) {
	e := newEvaluator()
	for _, raw := range []string{`{}`, `{"a": 1}`, `{"deep": {"x": [1, 2]}}`} {
		out := e.Evaluate(context.Background(), decode(t, raw), Spec{})
		assert.True(t, out.Matched, raw)
		assert.Equal(t, ModeCatchAll, out.Mode)
	}
	assert.True(t, e.Evaluate(context.Background(), nil, Spec{}).Matched)
}

func TestStructuralNestedAndTypes(t *testing.T) {
	data := decode(t, `{
		"attributes": {"room": "kitchen", "level": 3, "tags": ["a", "b"], "unit": {"name": "C"}},
		"dotted.key": "literal",
		"flag": true,
		"nothing": null
	}`)

	cases := []struct {
		name  string
		conds domain.Conditions
		want  bool
	}{
		{"nested key", domain.Conditions{{Path: "attributes.room", Value: "kitchen"}}, true},
		{"int equals float", domain.Conditions{{Path: "attributes.level", Value: 3}}, true},
		{"string vs number", domain.Conditions{{Path: "attributes.level", Value: "3"}}, false},
		{"nested object", domain.Conditions{{Path: "attributes.unit", Value: map[string]any{"name": "C"}}}, true},
		{"nested object differs", domain.Conditions{{Path: "attributes.unit", Value: map[string]any{"name": "F"}}}, false},
		{"array equality", domain.Conditions{{Path: "attributes.tags", Value: []any{"a", "b"}}}, true},
		{"array not indexed", domain.Conditions{{Path: "attributes.tags.0", Value: "a"}}, false},
		{"missing path", domain.Conditions{{Path: "attributes.floor", Value: 1}}, false},
		{"path through scalar", domain.Conditions{{Path: "flag.value", Value: true}}, false},
		{"literal dotted key", domain.Conditions{{Path: "dotted.key", Value: "literal"}}, true},
		{"bool", domain.Conditions{{Path: "flag", Value: true}}, true},
		{"explicit null", domain.Conditions{{Path: "nothing", Value: nil}}, true},
		{"AND semantics", domain.Conditions{{Path: "flag", Value: true}, {Path: "attributes.room", Value: "garage"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchStructural(data, tc.conds))
		})
	}
}

func TestScriptMode(t *testing.T) {
	e := newEvaluator()
	data := decode(t, `{"temperature": 31.5, "tags": ["hot", "kitchen"]}`)

	out := e.Evaluate(context.Background(), data, Spec{ConditionScript: `event["temperature"] > 30 and "kitchen" in event["tags"]`})
	assert.True(t, out.Matched)
	assert.Equal(t, ModeScript, out.Mode)

	out = e.Evaluate(context.Background(), data, Spec{ConditionScript: "result = event[\"temperature\"] < 0\n"})
	assert.False(t, out.Matched)
	assert.NoError(t, out.Err)
}

func TestScriptTakesPrecedence(t *testing.T) {
	e := newEvaluator()
	spec := Spec{
		MatchConditions: domain.Conditions{{Path: "state", Value: "never"}},
		ConditionScript: "True",
	}
	assert.True(t, e.Evaluate(context.Background(), decode(t, `{"state": "x"}`), spec).Matched)
}

func TestScriptProblemsAreNonMatches(t *testing.T) {
	e := newEvaluator()
	data := decode(t, `{"state": "25"}`)

	for name, code := range map[string]string{
		"non-boolean":   `event["state"]`,
		"runtime error": `event["missing"] == 1`,
		"syntax error":  `event[`,
		"runaway loop":  "while True:\n    pass\n",
	} {
		out := e.Evaluate(context.Background(), data, Spec{ConditionScript: code})
		assert.False(t, out.Matched, name)
		assert.Error(t, out.Err, name)
	}

	out := e.Evaluate(context.Background(), data, Spec{ConditionScript: "while True:\n    pass\n"})
	assert.ErrorIs(t, out.Err, kerrors.ErrExecution)
}

func TestEvaluationIsDeterministic(t *testing.T) {
	e := newEvaluator()
	data := decode(t, `{"a": {"b": 2}, "list": [3, 1, 2]}`)
	specs := []Spec{
		{MatchConditions: domain.Conditions{{Path: "a.b", Value: 2}}},
		{ConditionScript: `sorted(event["list"])[0] == 1`},
	}
	for _, spec := range specs {
		first := e.Evaluate(context.Background(), data, spec)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first.Matched, e.Evaluate(context.Background(), data, spec).Matched)
		}
	}
}

func TestLookup(t *testing.T) {
	data := map[string]any{"a": map[string]any{"b": map[string]string{"c": "d"}}}
	v, ok := Lookup(data, "a.b.c")
	assert.True(t, ok)
	assert.Equal(t, "d", v)

	_, ok = Lookup(data, "a.x.c")
	assert.False(t, ok)
	_, ok = Lookup(nil, "a")
	assert.False(t, ok)
}
