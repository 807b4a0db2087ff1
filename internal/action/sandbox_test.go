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

type capProbe struct {
	meta Metadata
}

func (a *capProbe) Metadata() Metadata { return a.meta }

func (a *capProbe) Execute(_ context.Context, actx *ActionContext, _ json.RawMessage) (json.RawMessage, error) {
	if err := actx.RequireCapability(CapabilityFilesystem); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"wrote":true}`), nil
}

func TestSandboxRunsAction(t *testing.T) {
	sandbox := NewInProcessSandbox(nil, nil)
	act := newEchoAction(IsolationNone)
	actx := newTestActionContext(nil)

	out, err := sandbox.Run(context.Background(), act, actx, json.RawMessage(`{"message":"x","repeat":1}`))
	require.NoError(t, err)
	assert.Contains(t, string(out), "x")
}

func TestSandboxAssertsCancellationBeforeInvoke(t *testing.T) {
	invoked := false
	sandbox := NewInProcessSandbox(nil, func(ctx context.Context, act Action, actx *ActionContext, input json.RawMessage) (json.RawMessage, error) {
		invoked = true
		return nil, nil
	})

	token := execution.NewCancelToken()
	token.Cancel("pre-cancelled")
	actx := newTestActionContext(token)

	_, err := sandbox.Run(context.Background(), newEchoAction(IsolationNone), actx, nil)
	require.Error(t, err)
	assert.True(t, types.IsCancelled(err))
	assert.False(t, invoked)
}

func TestSandboxAppliesCapabilityGate(t *testing.T) {
	sandbox := NewInProcessSandbox(nil, nil)
	actx := newTestActionContext(nil)

	// Gated without the filesystem capability: the probe's access fails.
	denied := &capProbe{meta: Metadata{
		ID: types.NewActionID(), Key: "probe.denied", Version: "1",
		Isolation: IsolationCapabilityGated, Capabilities: []Capability{CapabilityNetwork},
	}}
	_, err := sandbox.Run(context.Background(), denied, actx, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.NewError(types.KindPermanent, types.ACTION_CAPABILITY_DENIED, ""))

	// Granted: succeeds.
	granted := &capProbe{meta: Metadata{
		ID: types.NewActionID(), Key: "probe.granted", Version: "1",
		Isolation: IsolationCapabilityGated, Capabilities: []Capability{CapabilityFilesystem},
	}}
	out, err := sandbox.Run(context.Background(), granted, actx, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"wrote":true}`, string(out))
}

func TestSandboxRejectsUnsupportedIsolation(t *testing.T) {
	sandbox := NewInProcessSandbox(nil, nil)
	actx := newTestActionContext(nil)

	for _, level := range []IsolationLevel{IsolationProcess, IsolationVM} {
		_, err := sandbox.Run(context.Background(), newEchoAction(level), actx, nil)
		assert.Error(t, err, string(level))
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	act := newEchoAction(IsolationNone)
	meta := act.Metadata()

	require.NoError(t, reg.Register(act))
	assert.Equal(t, 1, reg.Len())

	got, err := reg.Get(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.Key, got.Metadata().Key)

	byKey, err := reg.GetByKey("test.echo")
	require.NoError(t, err)
	assert.Equal(t, meta.ID, byKey.Metadata().ID)

	// Duplicate key is rejected even with a fresh ID.
	dup := Erase[echoInput, echoOutput](&echoAction{meta: Metadata{
		ID: types.NewActionID(), Key: "test.echo", Version: "1.0.0",
	}})
	err = reg.Register(dup)
	require.Error(t, err)
	assert.Equal(t, types.KindConflict, types.KindOf(err))

	list := reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, "test.echo", list[0].Key)

	reg.Unregister(meta.ID)
	assert.Zero(t, reg.Len())
	_, err = reg.GetByKey("test.echo")
	assert.Error(t, err)
}

func TestRegistryRejectsIncompleteMetadata(t *testing.T) {
	reg := NewRegistry()

	noID := Erase[echoInput, echoOutput](&echoAction{meta: Metadata{Key: "x"}})
	assert.Error(t, reg.Register(noID))

	noKey := Erase[echoInput, echoOutput](&echoAction{meta: Metadata{ID: types.NewActionID()}})
	assert.Error(t, reg.Register(noKey))
}
