package action

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanyastaff/nebula-sub013/internal/execution"
	"github.com/vanyastaff/nebula-sub013/internal/types"
)

type echoInput struct {
	Message string `json:"message"`
	Repeat  int    `json:"repeat"`
}

type echoOutput struct {
	Echoed []string `json:"echoed"`
}

type echoAction struct {
	meta Metadata
}

func (a *echoAction) Metadata() Metadata { return a.meta }

func (a *echoAction) Execute(_ context.Context, actx *ActionContext, input echoInput) (echoOutput, error) {
	if err := actx.CheckCancelled(); err != nil {
		return echoOutput{}, err
	}
	out := echoOutput{}
	for i := 0; i < input.Repeat; i++ {
		out.Echoed = append(out.Echoed, input.Message)
	}
	return out, nil
}

type mapVars map[string]any

func (m mapVars) Variable(key string) (any, bool) { v, ok := m[key]; return v, ok }
func (m mapVars) SetVariable(key string, v any)   { m[key] = v }

func newEchoAction(isolation IsolationLevel, caps ...Capability) Action {
	return Erase[echoInput, echoOutput](&echoAction{meta: Metadata{
		ID:           types.NewActionID(),
		Key:          "test.echo",
		Name:         "Echo",
		Version:      "1.0.0",
		Isolation:    isolation,
		Capabilities: caps,
	}})
}

func newTestActionContext(token *execution.CancelToken) *ActionContext {
	if token == nil {
		token = execution.NewCancelToken()
	}
	return NewActionContext(
		types.NewExecutionID(),
		types.NewNodeID(),
		types.NewWorkflowID(),
		types.GlobalScope(),
		token,
		mapVars{},
	)
}

func TestErasedActionRoundTrip(t *testing.T) {
	act := newEchoAction(IsolationNone)
	actx := newTestActionContext(nil)

	out, err := act.Execute(context.Background(), actx, json.RawMessage(`{"message":"hi","repeat":2}`))
	require.NoError(t, err)

	var decoded echoOutput
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, []string{"hi", "hi"}, decoded.Echoed)
}

func TestErasedActionRejectsBadInput(t *testing.T) {
	act := newEchoAction(IsolationNone)
	actx := newTestActionContext(nil)

	_, err := act.Execute(context.Background(), actx, json.RawMessage(`{"repeat":"two"}`))
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestActionContextVariables(t *testing.T) {
	actx := newTestActionContext(nil)
	actx.SetVariable("attempt", 1)
	v, ok := actx.Variable("attempt")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestActionContextCancellation(t *testing.T) {
	token := execution.NewCancelToken()
	actx := newTestActionContext(token)

	require.NoError(t, actx.CheckCancelled())
	token.Cancel("stop")
	err := actx.CheckCancelled()
	require.Error(t, err)
	assert.True(t, types.IsCancelled(err))
}

func TestCapabilityGating(t *testing.T) {
	actx := newTestActionContext(nil)
	// Ungated contexts allow everything.
	assert.NoError(t, actx.RequireCapability(CapabilityNetwork))

	gated := actx.withCapabilities([]Capability{CapabilityNetwork})
	assert.NoError(t, gated.RequireCapability(CapabilityNetwork))
	assert.True(t, gated.HasCapability(CapabilityNetwork))

	err := gated.RequireCapability(CapabilityFilesystem)
	require.Error(t, err)
	assert.False(t, types.IsRetryable(err))
	assert.False(t, gated.HasCapability(CapabilityExec))

	// The original context stays ungated.
	assert.NoError(t, actx.RequireCapability(CapabilityFilesystem))
}
