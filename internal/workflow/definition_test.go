package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

func TestParamValueJSON(t *testing.T) {
	target := types.NewNodeID()

	tests := []struct {
		name string
		pv   ParamValue
	}{
		{"literal string", Literal("hello")},
		{"literal number", Literal(float64(42))},
		{"literal object", Literal(map[string]any{"a": float64(1)})},
		{"reference", Reference(target, "/result/items/0")},
		{"expression", Expression(`input.count * 2`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.pv)
			require.NoError(t, err)

			var decoded ParamValue
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, tt.pv.Kind(), decoded.Kind())

			switch tt.pv.Kind() {
			case ParamLiteral:
				assert.Equal(t, tt.pv.LiteralValue(), decoded.LiteralValue())
			case ParamReference:
				nodeID, pointer := decoded.ReferenceTarget()
				wantNode, wantPointer := tt.pv.ReferenceTarget()
				assert.Equal(t, wantNode, nodeID)
				assert.Equal(t, wantPointer, pointer)
			case ParamExpression:
				assert.Equal(t, tt.pv.ExpressionSource(), decoded.ExpressionSource())
			}
		})
	}
}

func TestParamValueRejectsUnknownShape(t *testing.T) {
	var pv ParamValue
	assert.Error(t, json.Unmarshal([]byte(`{"bogus": 1}`), &pv))
	assert.Error(t, json.Unmarshal([]byte(`{}`), &pv))
}

func TestRetryPolicyDelayFor(t *testing.T) {
	fixed := RetryPolicy{MaxAttempts: 3, Backoff: BackoffFixed, Delay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, fixed.DelayFor(1))
	assert.Equal(t, 100*time.Millisecond, fixed.DelayFor(3))

	exp := RetryPolicy{
		MaxAttempts: 5,
		Backoff:     BackoffExponential,
		Delay:       100 * time.Millisecond,
		MaxDelay:    time.Second,
	}
	assert.Equal(t, 100*time.Millisecond, exp.DelayFor(1))
	assert.Equal(t, 200*time.Millisecond, exp.DelayFor(2))
	assert.Equal(t, 400*time.Millisecond, exp.DelayFor(3))
	// Capped by MaxDelay.
	assert.Equal(t, time.Second, exp.DelayFor(10))
}

func TestRetryPolicyFor(t *testing.T) {
	nodePolicy := &RetryPolicy{MaxAttempts: 7, Backoff: BackoffFixed, Delay: time.Millisecond}
	wfPolicy := &RetryPolicy{MaxAttempts: 2, Backoff: BackoffFixed, Delay: time.Millisecond}

	def, ids := buildWorkflow(t, 2, [][2]int{{0, 1}})
	def.Nodes[0].RetryPolicy = nodePolicy
	def.Config.RetryPolicy = wfPolicy

	// Node-level policy wins over the workflow default.
	assert.Equal(t, nodePolicy, def.RetryPolicyFor(ids[0]))
	assert.Equal(t, wfPolicy, def.RetryPolicyFor(ids[1]))
	assert.Nil(t, (&Workflow{}).RetryPolicyFor(ids[0]))
}

func TestLoadYAMLWorkflow(t *testing.T) {
	n1 := types.NewNodeID()
	n2 := types.NewNodeID()
	doc := `
id: ` + types.NewWorkflowID().String() + `
name: fetch-and-transform
version: {major: 1, minor: 0, patch: 0}
nodes:
  - id: ` + n1.String() + `
    name: fetch
    action_id: ` + types.NewActionID().String() + `
    parameters:
      url: {literal: "https://example.com"}
  - id: ` + n2.String() + `
    name: transform
    action_id: ` + types.NewActionID().String() + `
    parameters:
      body: {reference: {node_id: ` + n1.String() + `, pointer: /body}}
      score: {expression: "input.count * 2"}
connections:
  - from_node: ` + n1.String() + `
    to_node: ` + n2.String() + `
`
	w, err := LoadYAML([]byte(doc))
	require.NoError(t, err)
	require.Len(t, w.Nodes, 2)
	assert.Equal(t, "fetch-and-transform", w.Name)
	assert.Equal(t, ParamReference, w.Nodes[1].Parameters["body"].Kind())
	assert.Equal(t, ParamExpression, w.Nodes[1].Parameters["score"].Kind())

	nodeID, pointer := w.Nodes[1].Parameters["body"].ReferenceTarget()
	assert.Equal(t, n1, nodeID)
	assert.Equal(t, "/body", pointer)
}

func TestLoadJSONRejectsInvalid(t *testing.T) {
	_, err := LoadJSON([]byte(`{"name": "", "nodes": []}`))
	assert.Error(t, err)
	_, err = LoadJSON([]byte(`not json`))
	assert.Error(t, err)
}
