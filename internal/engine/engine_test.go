package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanyastaff/nebula-sub013/internal/action"
	"github.com/vanyastaff/nebula-sub013/internal/events"
	"github.com/vanyastaff/nebula-sub013/internal/execution"
	"github.com/vanyastaff/nebula-sub013/internal/resilience"
	"github.com/vanyastaff/nebula-sub013/internal/types"
	"github.com/vanyastaff/nebula-sub013/internal/workflow"
)

type stubAction struct {
	meta action.Metadata
	fn   func(ctx context.Context, actx *action.ActionContext, input json.RawMessage) (json.RawMessage, error)
}

func (a *stubAction) Metadata() action.Metadata { return a.meta }

func (a *stubAction) Execute(ctx context.Context, actx *action.ActionContext, input json.RawMessage) (json.RawMessage, error) {
	return a.fn(ctx, actx, input)
}

func newStubAction(key string, fn func(ctx context.Context, actx *action.ActionContext, input json.RawMessage) (json.RawMessage, error)) *stubAction {
	return &stubAction{
		meta: action.Metadata{
			ID:      types.NewActionID(),
			Key:     key,
			Name:    key,
			Version: "1.0.0",
		},
		fn: fn,
	}
}

func succeedWith(key, payload string) *stubAction {
	return newStubAction(key, func(context.Context, *action.ActionContext, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(payload), nil
	})
}

// pollUntilCancelled loops on the cooperative cancellation check.
func pollUntilCancelled(key string) *stubAction {
	return newStubAction(key, func(_ context.Context, actx *action.ActionContext, _ json.RawMessage) (json.RawMessage, error) {
		for {
			if err := actx.CheckCancelled(); err != nil {
				return nil, err
			}
			time.Sleep(2 * time.Millisecond)
		}
	})
}

func node(name string, act *stubAction) workflow.Node {
	return workflow.Node{
		ID:       types.NewNodeID(),
		Name:     name,
		ActionID: act.meta.ID,
	}
}

func definition(name string, nodes []workflow.Node, conns []workflow.Connection) *workflow.Workflow {
	now := time.Now().UTC()
	return &workflow.Workflow{
		ID:          types.NewWorkflowID(),
		Name:        name,
		Version:     workflow.Version{Major: 1},
		Nodes:       nodes,
		Connections: conns,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func newTestEngine(t *testing.T, acts ...*stubAction) *Engine {
	t.Helper()
	registry := action.NewRegistry()
	for _, act := range acts {
		require.NoError(t, registry.Register(act))
	}
	return New(registry)
}

func TestExecuteLinearPlan(t *testing.T) {
	act := succeedWith("noop", `{"ok":true}`)
	a := node("a", act)
	b := node("b", act)
	c := node("c", act)
	def := definition("linear", []workflow.Node{a, b, c}, []workflow.Connection{
		{From: a.ID, To: b.ID},
		{From: b.ID, To: c.ID},
	})

	e := newTestEngine(t, act)
	run, err := e.Prepare(def, types.GlobalScope(), workflow.Budget{})
	require.NoError(t, err)

	require.Equal(t, [][]types.NodeID{{a.ID}, {b.ID}, {c.ID}}, run.Plan().ParallelGroups)
	assert.Equal(t, []types.NodeID{a.ID}, run.Plan().EntryNodes)
	assert.Equal(t, []types.NodeID{c.ID}, run.Plan().ExitNodes)
	assert.Equal(t, 3, run.Plan().TotalNodes)

	require.NoError(t, e.Execute(context.Background(), run))

	ec := run.Context()
	assert.Equal(t, execution.StatusCompleted, ec.Status())
	outputs := ec.Outputs()
	require.Len(t, outputs, 3)
	for _, id := range []types.NodeID{a.ID, b.ID, c.ID} {
		out, ok := outputs[id]
		require.True(t, ok, "missing output for %s", id)
		assert.Equal(t, execution.NodeCompleted, out.State)
		state, _ := ec.NodeState(id)
		assert.Equal(t, execution.NodeCompleted, state)
	}
}

func TestExecuteDiamondFailFast(t *testing.T) {
	ok := succeedWith("ok", `{"ok":true}`)
	boom := newStubAction("boom", func(context.Context, *action.ActionContext, json.RawMessage) (json.RawMessage, error) {
		return nil, types.NewError(types.KindPermanent, types.ACTION_FAILED, "downstream rejected the request")
	})

	a := node("a", ok)
	b := node("b", ok)
	c := node("c", boom)
	d := node("d", ok)
	def := definition("diamond", []workflow.Node{a, b, c, d}, []workflow.Connection{
		{From: a.ID, To: b.ID},
		{From: a.ID, To: c.ID},
		{From: b.ID, To: d.ID},
		{From: c.ID, To: d.ID},
	})

	e := newTestEngine(t, ok, boom)
	run, err := e.Prepare(def, types.GlobalScope(), workflow.Budget{})
	require.NoError(t, err)
	require.Len(t, run.Plan().ParallelGroups, 3)
	assert.Len(t, run.Plan().ParallelGroups[1], 2)

	err = e.Execute(context.Background(), run)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.NewError(types.KindPermanent, types.EXECUTION_NODE_FAILED, ""))

	ec := run.Context()
	assert.Equal(t, execution.StatusFailed, ec.Status())

	states := ec.NodeStates()
	assert.Equal(t, execution.NodeCompleted, states[a.ID])
	assert.Equal(t, execution.NodeCompleted, states[b.ID])
	assert.Equal(t, execution.NodeFailed, states[c.ID])
	assert.Equal(t, execution.NodeCancelled, states[d.ID], "dependent of the failed node never runs")
	_, hasOutput := ec.Output(d.ID)
	assert.False(t, hasOutput)
}

func TestExecuteCancelMidFlight(t *testing.T) {
	fast := succeedWith("fast", `{"ok":true}`)
	slow := pollUntilCancelled("slow")

	a := node("a", fast)
	b := node("b", slow)
	c := node("c", slow)
	d := node("d", fast)
	def := definition("cancellable", []workflow.Node{a, b, c, d}, []workflow.Connection{
		{From: a.ID, To: b.ID},
		{From: a.ID, To: c.ID},
		{From: b.ID, To: d.ID},
		{From: c.ID, To: d.ID},
	})

	e := newTestEngine(t, fast, slow)
	run, err := e.Prepare(def, types.GlobalScope(), workflow.Budget{})
	require.NoError(t, err)

	execErr := make(chan error, 1)
	go func() { execErr <- e.Execute(context.Background(), run) }()

	ec := run.Context()
	require.Eventually(t, func() bool {
		state, _ := ec.NodeState(b.ID)
		return state == execution.NodeRunning
	}, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, run.Cancel("user requested"))

	select {
	case err := <-execErr:
		require.Error(t, err)
		assert.ErrorIs(t, err, types.NewError(types.KindCancelled, types.EXECUTION_CANCELLED, ""))
		assert.True(t, types.IsCancelled(err))
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not settle after cancellation")
	}

	assert.Equal(t, execution.StatusCancelled, ec.Status())
	states := ec.NodeStates()
	assert.Equal(t, execution.NodeCancelled, states[b.ID])
	assert.Equal(t, execution.NodeCancelled, states[c.ID])
	assert.Equal(t, execution.NodeCancelled, states[d.ID], "next level never starts")
	_, hasOutput := ec.Output(d.ID)
	assert.False(t, hasOutput)
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	flaky := newStubAction("flaky", func(context.Context, *action.ActionContext, json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) < 3 {
			return nil, types.NewError(types.KindTransient, types.ACTION_FAILED, "connection reset")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	a := node("a", flaky)
	a.RetryPolicy = &workflow.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}
	def := definition("retry", []workflow.Node{a}, nil)

	e := newTestEngine(t, flaky)
	run, err := e.Prepare(def, types.GlobalScope(), workflow.Budget{})
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), run))

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, execution.StatusCompleted, run.Context().Status())
}

func TestExecutePermanentFailureSkipsRetry(t *testing.T) {
	var calls atomic.Int32
	broken := newStubAction("broken", func(context.Context, *action.ActionContext, json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, types.NewError(types.KindPermanent, types.ACTION_FAILED, "schema mismatch")
	})

	a := node("a", broken)
	a.RetryPolicy = &workflow.RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond}
	def := definition("no-retry", []workflow.Node{a}, nil)

	e := newTestEngine(t, broken)
	run, err := e.Prepare(def, types.GlobalScope(), workflow.Budget{})
	require.NoError(t, err)

	err = e.Execute(context.Background(), run)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "permanent errors do not retry")
	assert.Equal(t, execution.StatusFailed, run.Context().Status())
}

func TestExecuteContinuePolicyRunsIndependentBranches(t *testing.T) {
	ok := succeedWith("ok", `{"ok":true}`)
	boom := newStubAction("boom", func(context.Context, *action.ActionContext, json.RawMessage) (json.RawMessage, error) {
		return nil, types.NewError(types.KindPermanent, types.ACTION_FAILED, "branch failed")
	})

	a := node("a", ok)
	b := node("b", boom)
	c := node("c", ok)
	d := node("d", ok) // depends on the failing branch
	e5 := node("e", ok)
	def := definition("branches", []workflow.Node{a, b, c, d, e5}, []workflow.Connection{
		{From: a.ID, To: b.ID},
		{From: a.ID, To: c.ID},
		{From: b.ID, To: d.ID},
		{From: c.ID, To: e5.ID},
	})
	def.Config.FailurePolicy = workflow.ContinueOnFailure

	e := newTestEngine(t, ok, boom)
	run, err := e.Prepare(def, types.GlobalScope(), workflow.Budget{})
	require.NoError(t, err)

	err = e.Execute(context.Background(), run)
	require.Error(t, err)
	assert.Equal(t, execution.StatusFailed, run.Context().Status())

	states := run.Context().NodeStates()
	assert.Equal(t, execution.NodeFailed, states[b.ID])
	assert.Equal(t, execution.NodeCancelled, states[d.ID], "dependent of the failed branch")
	assert.Equal(t, execution.NodeCompleted, states[c.ID], "independent branch keeps running")
	assert.Equal(t, execution.NodeCompleted, states[e5.ID])
}

func TestExecuteTimesOut(t *testing.T) {
	slow := pollUntilCancelled("slow")
	a := node("a", slow)
	def := definition("slow", []workflow.Node{a}, nil)

	e := newTestEngine(t, slow)
	run, err := e.Prepare(def, types.GlobalScope(), workflow.Budget{Timeout: 40 * time.Millisecond})
	require.NoError(t, err)

	err = e.Execute(context.Background(), run)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.NewError(types.KindTransient, types.EXECUTION_TIMEOUT, ""))
	assert.Equal(t, execution.StatusTimedOut, run.Context().Status())
}

func TestParameterResolution(t *testing.T) {
	producer := succeedWith("producer", `{"value":41,"tags":["x","y"]}`)
	var received json.RawMessage
	consumer := newStubAction("consumer", func(_ context.Context, _ *action.ActionContext, input json.RawMessage) (json.RawMessage, error) {
		received = input
		return json.RawMessage(`{}`), nil
	})

	a := node("a", producer)
	b := node("b", consumer)
	b.Parameters = map[string]workflow.ParamValue{
		"lit": workflow.Literal("fixed"),
		"ref": workflow.Reference(a.ID, "/value"),
		"msg": workflow.Expression(fmt.Sprintf("got {{ $node[%q].value }} items", a.ID.String())),
		"sum": workflow.Expression(fmt.Sprintf("$node[%q].value + 1", a.ID.String())),
		"tag": workflow.Reference(a.ID, "/tags/1"),
	}
	def := definition("params", []workflow.Node{a, b}, []workflow.Connection{{From: a.ID, To: b.ID}})

	e := newTestEngine(t, producer, consumer)
	run, err := e.Prepare(def, types.GlobalScope(), workflow.Budget{})
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), run))

	var input map[string]any
	require.NoError(t, json.Unmarshal(received, &input))
	assert.Equal(t, "fixed", input["lit"])
	assert.Equal(t, float64(41), input["ref"])
	assert.Equal(t, "got 41 items", input["msg"])
	assert.Equal(t, float64(42), input["sum"])
	assert.Equal(t, "y", input["tag"])
}

func TestParameterResolutionMissingUpstreamFails(t *testing.T) {
	consumer := succeedWith("consumer", `{}`)
	a := node("a", consumer)
	a.Parameters = map[string]workflow.ParamValue{
		"ref": workflow.Reference(a.ID, "/value"), // own output never exists at resolve time
	}
	def := definition("bad-ref", []workflow.Node{a}, nil)

	e := newTestEngine(t, consumer)
	run, err := e.Prepare(def, types.GlobalScope(), workflow.Budget{})
	require.NoError(t, err)

	err = e.Execute(context.Background(), run)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.NewError(types.KindValidation, types.PARAMETER_RESOLUTION_FAILED, ""))
	assert.Equal(t, execution.StatusFailed, run.Context().Status())
}

func TestExecuteSpillsLargeOutputs(t *testing.T) {
	big := make([]byte, 256)
	for i := range big {
		big[i] = 'x'
	}
	payload := fmt.Sprintf(`{"blob":%q}`, big)
	producer := succeedWith("producer", payload)

	var got string
	consumer := newStubAction("consumer", func(_ context.Context, _ *action.ActionContext, input json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Blob string `json:"blob"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		got = in.Blob
		return json.RawMessage(`{}`), nil
	})

	a := node("a", producer)
	b := node("b", consumer)
	b.Parameters = map[string]workflow.ParamValue{
		"blob": workflow.Reference(a.ID, "/blob"),
	}
	def := definition("spill", []workflow.Node{a, b}, []workflow.Connection{{From: a.ID, To: b.ID}})

	store := execution.NewMemoryBlobStore()
	registry := action.NewRegistry()
	require.NoError(t, registry.Register(producer))
	require.NoError(t, registry.Register(consumer))
	e := New(registry, WithBlobStore(store))

	run, err := e.Prepare(def, types.GlobalScope(), workflow.Budget{InlineOutputLimit: 64})
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), run))

	out, ok := run.Context().Output(a.ID)
	require.True(t, ok)
	assert.True(t, out.IsExternal(), "payload above the inline limit moves to the blob store")
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, string(big), got, "reference resolution reads through the store")
}

func TestExecuteUnknownActionFails(t *testing.T) {
	ghost := workflow.Node{ID: types.NewNodeID(), Name: "ghost", ActionID: types.NewActionID()}
	def := definition("ghost", []workflow.Node{ghost}, nil)

	e := newTestEngine(t)
	run, err := e.Prepare(def, types.GlobalScope(), workflow.Budget{})
	require.NoError(t, err)

	err = e.Execute(context.Background(), run)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.NewError(types.KindValidation, types.ACTION_NOT_FOUND, ""))
	assert.Equal(t, execution.StatusFailed, run.Context().Status())
}

func TestExecutePublishesLifecycleEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(context.Background(), events.Filter{}, 64)
	defer cancel()

	act := succeedWith("noop", `{"ok":true}`)
	a := node("a", act)
	b := node("b", act)
	def := definition("evented", []workflow.Node{a, b}, []workflow.Connection{{From: a.ID, To: b.ID}})

	registry := action.NewRegistry()
	require.NoError(t, registry.Register(act))
	e := New(registry, WithBus(bus))

	run, err := e.Prepare(def, types.GlobalScope(), workflow.Budget{})
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), run))

	seen := map[events.EventType]int{}
	deadline := time.After(time.Second)
	for seen[events.EventExecutionCompleted] == 0 {
		select {
		case event := <-ch:
			seen[event.Type]++
			assert.Equal(t, run.Context().ExecutionID(), event.ExecutionID)
		case <-deadline:
			t.Fatalf("missing terminal event, saw %v", seen)
		}
	}
	assert.Equal(t, 1, seen[events.EventExecutionStarted])
	assert.Equal(t, 2, seen[events.EventNodeStarted])
	assert.Equal(t, 2, seen[events.EventNodeCompleted])
}

func TestExecuteInvokePolicyOpensCircuit(t *testing.T) {
	var calls atomic.Int32
	flaky := newStubAction("flaky", func(context.Context, *action.ActionContext, json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, types.NewError(types.KindTransient, types.ACTION_FAILED, "connection reset")
	})

	a := node("a", flaky)
	a.RetryPolicy = &workflow.RetryPolicy{MaxAttempts: 5}
	def := definition("guarded", []workflow.Node{a}, nil)

	registry := action.NewRegistry()
	require.NoError(t, registry.Register(flaky))
	breaker := resilience.NewCircuitBreaker("actions", 2, 500*time.Millisecond)
	e := New(registry, WithInvokePolicy(breaker))

	run, err := e.Prepare(def, types.GlobalScope(), workflow.Budget{})
	require.NoError(t, err)

	err = e.Execute(context.Background(), run)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.NewError(types.KindTransient, types.CIRCUIT_OPEN, ""))
	assert.Equal(t, int32(2), calls.Load(), "the open breaker fails later attempts fast")
	assert.Equal(t, resilience.BreakerOpen, breaker.State())
}

func TestExecuteRejectsReuse(t *testing.T) {
	act := succeedWith("noop", `{"ok":true}`)
	a := node("a", act)
	def := definition("once", []workflow.Node{a}, nil)

	e := newTestEngine(t, act)
	run, err := e.Prepare(def, types.GlobalScope(), workflow.Budget{})
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), run))

	err = e.Execute(context.Background(), run)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.NewError(types.KindTransition, types.EXECUTION_INVALID_TRANSITION, ""))
}
