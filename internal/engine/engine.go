// Package engine drives execution plans to a terminal state: per-level
// scheduling with a barrier between levels, parameter resolution, action
// invocation through the sandbox, retry with backoff, cooperative
// cancellation, and lifecycle events on the bus.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vanyastaff/nebula-sub013/internal/action"
	"github.com/vanyastaff/nebula-sub013/internal/events"
	"github.com/vanyastaff/nebula-sub013/internal/execution"
	"github.com/vanyastaff/nebula-sub013/internal/expr"
	"github.com/vanyastaff/nebula-sub013/internal/observability"
	"github.com/vanyastaff/nebula-sub013/internal/resilience"
	"github.com/vanyastaff/nebula-sub013/internal/types"
	"github.com/vanyastaff/nebula-sub013/internal/workflow"
)

// Engine executes workflow plans. It is safe for concurrent use; each run
// carries its own state in a Run.
type Engine struct {
	registry *action.Registry
	sandbox  action.Sandbox
	eval     *expr.Evaluator
	bus      events.Bus
	blobs    execution.BlobStore
	spans    *observability.Stack
	policy   resilience.Policy
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSandbox overrides the default in-process sandbox.
func WithSandbox(sb action.Sandbox) Option {
	return func(e *Engine) { e.sandbox = sb }
}

// WithEvaluator overrides the expression evaluator.
func WithEvaluator(eval *expr.Evaluator) Option {
	return func(e *Engine) { e.eval = eval }
}

// WithBus publishes lifecycle events on the bus.
func WithBus(bus events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithBlobStore spills oversized node outputs to the store.
func WithBlobStore(store execution.BlobStore) Option {
	return func(e *Engine) { e.blobs = store }
}

// WithSpanStack sets the observability span stack.
func WithSpanStack(stack *observability.Stack) Option {
	return func(e *Engine) { e.spans = stack }
}

// WithInvokePolicy wraps every action invocation in a resilience policy,
// e.g. a circuit breaker or a bulkhead shared across nodes. The policy runs
// inside the engine's own retry loop, so a fast-failing breaker still
// consumes retry attempts.
func WithInvokePolicy(policy resilience.Policy) Option {
	return func(e *Engine) { e.policy = policy }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New builds an engine resolving nodes against the registry.
func New(registry *action.Registry, opts ...Option) *Engine {
	e := &Engine{registry: registry}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.sandbox == nil {
		e.sandbox = action.NewInProcessSandbox(e.logger, nil)
	}
	if e.eval == nil {
		e.eval = expr.NewEvaluator()
	}
	if e.spans == nil {
		e.spans = observability.NewStack()
	}
	return e
}

// Run is one prepared execution: the plan, the dependency graph, and the
// live execution context.
type Run struct {
	plan  *workflow.ExecutionPlan
	graph *workflow.Graph
	ec    *execution.ExecutionContext
}

// Plan returns the computed execution plan.
func (r *Run) Plan() *workflow.ExecutionPlan { return r.plan }

// Context returns the live execution context.
func (r *Run) Context() *execution.ExecutionContext { return r.ec }

// Cancel requests cooperative cancellation of the run.
func (r *Run) Cancel(reason string) error { return r.ec.Cancel(reason) }

// Prepare validates the workflow, computes its plan, and installs the
// initial execution state. A zero budget timeout falls back to the
// workflow's configured timeout.
func (e *Engine) Prepare(def *workflow.Workflow, scope types.Scope, budget workflow.Budget) (*Run, error) {
	if budget.Timeout <= 0 {
		budget.Timeout = def.Config.Timeout
	}
	execID := types.NewExecutionID()
	graph, err := workflow.NewGraph(def)
	if err != nil {
		return nil, err
	}
	plan, err := workflow.NewExecutionPlan(execID, def, budget)
	if err != nil {
		return nil, err
	}
	return &Run{
		plan:  plan,
		graph: graph,
		ec:    execution.NewExecutionContext(execID, def, scope, budget),
	}, nil
}

// ExecuteWorkflow prepares and executes a definition in one call.
func (e *Engine) ExecuteWorkflow(ctx context.Context, def *workflow.Workflow, scope types.Scope, budget workflow.Budget) (*Run, error) {
	run, err := e.Prepare(def, scope, budget)
	if err != nil {
		return nil, err
	}
	return run, e.Execute(ctx, run)
}

// failures collects node failures across a run, preserving arrival order.
type failures struct {
	mu    sync.Mutex
	order []types.NodeID
	errs  map[types.NodeID]error
}

func newFailures() *failures {
	return &failures{errs: make(map[types.NodeID]error)}
}

func (f *failures) record(id types.NodeID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, seen := f.errs[id]; !seen {
		f.order = append(f.order, id)
	}
	f.errs[id] = err
}

func (f *failures) empty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order) == 0
}

func (f *failures) first() (types.NodeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 {
		return "", nil
	}
	id := f.order[0]
	return id, f.errs[id]
}

func (f *failures) ids() []types.NodeID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.NodeID, len(f.order))
	copy(out, f.order)
	return out
}

// Execute drives a prepared run to a terminal status. It returns nil when
// the execution completes, and a classified error for Failed, Cancelled and
// TimedOut terminals.
func (e *Engine) Execute(ctx context.Context, run *Run) error {
	ec := run.ec
	if err := ec.TransitionStatus(execution.StatusRunning); err != nil {
		return err
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if d := run.plan.Budget.Timeout; d > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	runCtx, execSpan := e.spans.PushExecution(runCtx, ec.ExecutionID(), observability.LoggerResource{})
	defer execSpan.End()

	e.logger.InfoContext(runCtx, "execution started",
		"execution_id", ec.ExecutionID().String(),
		"workflow_id", run.plan.WorkflowID.String(),
		"levels", len(run.plan.ParallelGroups),
		"total_nodes", run.plan.TotalNodes)
	e.publish(runCtx, events.New(events.EventExecutionStarted).
		WithExecution(ec.ExecutionID(), run.plan.WorkflowID).
		WithField("total_nodes", run.plan.TotalNodes))

	// The watcher maps context endings onto the run: a budget deadline
	// becomes TimedOut, a caller cancellation becomes Cancelling. Both set
	// the shared token so in-flight actions observe it.
	var timedOut atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				timedOut.Store(true)
				ec.Token().Cancel("execution deadline exceeded")
				return
			}
			_ = ec.Cancel("context cancelled")
			ec.Token().Cancel("context cancelled")
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	failed := newFailures()
	policy := ec.Workflow().Config.FailurePolicy
	if policy == "" {
		policy = workflow.FailFast
	}

	for _, group := range run.plan.ParallelGroups {
		if ec.Token().IsCancelled() {
			break
		}

		runnable := make([]types.NodeID, 0, len(group))
		for _, id := range group {
			state, ok := ec.NodeState(id)
			if !ok || state != execution.NodePending {
				continue
			}
			if err := ec.TransitionNode(id, execution.NodeReady); err != nil {
				return err
			}
			runnable = append(runnable, id)
		}

		g := new(errgroup.Group)
		if limit := run.plan.Budget.MaxConcurrency; limit > 0 {
			g.SetLimit(limit)
		}
		for _, id := range runnable {
			id := id
			g.Go(func() error {
				e.runNode(runCtx, run, id, failed)
				return nil
			})
		}
		_ = g.Wait()

		if ec.Token().IsCancelled() {
			break
		}
		if !failed.empty() {
			if policy == workflow.FailFast {
				break
			}
			e.cancelDependents(runCtx, run, failed.ids())
		}
	}

	e.cancelRemaining(runCtx, run)
	return e.finish(ctx, run, failed, timedOut.Load())
}

// finish moves the run to its terminal status, publishes the terminal
// event, and returns the classified result error.
func (e *Engine) finish(ctx context.Context, run *Run, failed *failures, timedOut bool) error {
	ec := run.ec
	base := events.New("").WithExecution(ec.ExecutionID(), run.plan.WorkflowID)

	if ec.Status() == execution.StatusCancelling && !timedOut {
		if err := ec.TransitionStatus(execution.StatusCancelled); err != nil {
			return err
		}
		reason := ec.Token().Reason()
		e.logger.InfoContext(ctx, "execution cancelled",
			"execution_id", ec.ExecutionID().String(), "reason", reason)
		base.Type = events.EventExecutionCancelled
		e.publish(ctx, base.WithField("reason", reason))
		return types.NewError(types.KindCancelled, types.EXECUTION_CANCELLED, reason)
	}

	if timedOut {
		if err := ec.TransitionStatus(execution.StatusTimedOut); err != nil {
			return err
		}
		e.logger.WarnContext(ctx, "execution timed out",
			"execution_id", ec.ExecutionID().String(),
			"timeout", run.plan.Budget.Timeout)
		base.Type = events.EventExecutionTimedOut
		e.publish(ctx, base.WithField("timeout_ms", run.plan.Budget.Timeout.Milliseconds()))
		return types.NewError(types.KindTransient, types.EXECUTION_TIMEOUT,
			"execution deadline exceeded").
			With("execution_id", ec.ExecutionID().String())
	}

	if !failed.empty() {
		if err := ec.TransitionStatus(execution.StatusFailed); err != nil {
			return err
		}
		nodeID, nodeErr := failed.first()
		e.logger.WarnContext(ctx, "execution failed",
			"execution_id", ec.ExecutionID().String(),
			"failed_nodes", len(failed.ids()),
			"error", nodeErr)
		base.Type = events.EventExecutionFailed
		e.publish(ctx, base.WithField("failed_nodes", len(failed.ids())))
		return types.WrapError(types.KindPermanent, types.EXECUTION_NODE_FAILED,
			"one or more nodes failed", nodeErr).
			With("node_id", nodeID.String()).
			With("failed_nodes", len(failed.ids()))
	}

	if err := ec.TransitionStatus(execution.StatusCompleted); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "execution completed",
		"execution_id", ec.ExecutionID().String(),
		"duration", time.Since(ec.StartedAt()))
	base.Type = events.EventExecutionCompleted
	e.publish(ctx, base)
	return nil
}

// runNode drives one node through its state machine: Ready -> Running ->
// Completed, or through the retry loop to Failed, or to Cancelled.
func (e *Engine) runNode(ctx context.Context, run *Run, id types.NodeID, failed *failures) {
	ec := run.ec
	node := ec.Workflow().GetNode(id)
	if node == nil {
		failed.record(id, types.NewError(types.KindValidation, types.WORKFLOW_NODE_NOT_FOUND,
			"planned node missing from definition").With("node_id", id.String()))
		return
	}

	nodeCtx, span := e.spans.PushNode(ctx, id, observability.LoggerResource{})
	defer span.End()

	if err := ec.TransitionNode(id, execution.NodeRunning); err != nil {
		failed.record(id, err)
		return
	}
	e.publish(nodeCtx, events.New(events.EventNodeStarted).
		WithExecution(ec.ExecutionID(), run.plan.WorkflowID).
		WithNode(id))

	policy := ec.Workflow().RetryPolicyFor(id)
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 1 {
		maxAttempts = policy.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := e.invoke(nodeCtx, run, node)
		if err == nil {
			recorded, recErr := execution.RecordOutput(nodeCtx, e.blobs, ec.ExecutionID(), id,
				execution.NodeCompleted, out, run.plan.Budget.EffectiveInlineLimit())
			if recErr == nil {
				recErr = ec.SetOutput(id, recorded)
			}
			if recErr != nil {
				lastErr = recErr
				break
			}
			if transErr := ec.TransitionNode(id, execution.NodeCompleted); transErr != nil {
				failed.record(id, transErr)
				return
			}
			e.publish(nodeCtx, events.New(events.EventNodeCompleted).
				WithExecution(ec.ExecutionID(), run.plan.WorkflowID).
				WithNode(id).
				WithField("output_bytes", recorded.Bytes))
			return
		}

		if types.IsCancelled(err) || ec.Token().IsCancelled() {
			e.markCancelled(nodeCtx, run, id)
			return
		}

		lastErr = err
		if attempt == maxAttempts || !types.IsRetryable(err) {
			break
		}

		if transErr := e.beginRetry(nodeCtx, run, id, attempt, err); transErr != nil {
			failed.record(id, transErr)
			return
		}
		if !e.waitRetryDelay(nodeCtx, ec, policy, attempt) {
			e.markCancelled(nodeCtx, run, id)
			return
		}
		if transErr := ec.TransitionNode(id, execution.NodeRunning); transErr != nil {
			failed.record(id, transErr)
			return
		}
	}

	if transErr := ec.TransitionNode(id, execution.NodeFailed); transErr != nil {
		failed.record(id, transErr)
		return
	}
	span.RecordError(lastErr)
	e.logger.WarnContext(nodeCtx, "node failed",
		"execution_id", ec.ExecutionID().String(),
		"node_id", id.String(),
		"attempts", maxAttempts,
		"error", lastErr)
	e.publish(nodeCtx, events.New(events.EventNodeFailed).
		WithExecution(ec.ExecutionID(), run.plan.WorkflowID).
		WithNode(id).
		WithField("error", lastErr.Error()))
	failed.record(id, lastErr)
}

// beginRetry moves the node Running -> Failed -> Retrying and publishes the
// retry event.
func (e *Engine) beginRetry(ctx context.Context, run *Run, id types.NodeID, attempt int, cause error) error {
	ec := run.ec
	if err := ec.TransitionNode(id, execution.NodeFailed); err != nil {
		return err
	}
	if err := ec.TransitionNode(id, execution.NodeRetrying); err != nil {
		return err
	}
	e.publish(ctx, events.New(events.EventNodeRetrying).
		WithExecution(ec.ExecutionID(), run.plan.WorkflowID).
		WithNode(id).
		WithField("attempt", attempt).
		WithField("error", cause.Error()))
	return nil
}

// waitRetryDelay sleeps the backoff delay before the next attempt. Returns
// false when cancellation interrupted the wait.
func (e *Engine) waitRetryDelay(ctx context.Context, ec *execution.ExecutionContext, policy *workflow.RetryPolicy, attempt int) bool {
	delay := policy.DelayFor(attempt)
	if delay <= 0 {
		return !ec.Token().IsCancelled()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ec.Token().Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// markCancelled settles a node as Cancelled and publishes the event. Nodes
// already in a terminal state are left alone.
func (e *Engine) markCancelled(ctx context.Context, run *Run, id types.NodeID) {
	ec := run.ec
	if state, ok := ec.NodeState(id); !ok || state.IsTerminal() {
		return
	}
	if err := ec.TransitionNode(id, execution.NodeCancelled); err != nil {
		return
	}
	e.publish(ctx, events.New(events.EventNodeCancelled).
		WithExecution(ec.ExecutionID(), run.plan.WorkflowID).
		WithNode(id).
		WithField("reason", ec.Token().Reason()))
}

// cancelDependents cancels every still-pending transitive dependent of the
// failed nodes. Used under the continue-on-failure policy so independent
// branches keep running.
func (e *Engine) cancelDependents(ctx context.Context, run *Run, failedIDs []types.NodeID) {
	seen := make(map[types.NodeID]bool, len(failedIDs))
	queue := append([]types.NodeID(nil), failedIDs...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range run.graph.Successors(current) {
			if seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, next)
			if state, ok := run.ec.NodeState(next); ok &&
				(state == execution.NodePending || state == execution.NodeReady) {
				if err := run.ec.TransitionNode(next, execution.NodeCancelled); err != nil {
					continue
				}
				e.publish(ctx, events.New(events.EventNodeCancelled).
					WithExecution(run.ec.ExecutionID(), run.plan.WorkflowID).
					WithNode(next).
					WithField("reason", "upstream node failed"))
			}
		}
	}
}

// cancelRemaining settles every node still Pending or Ready as Cancelled.
// Called once forward progress has stopped.
func (e *Engine) cancelRemaining(ctx context.Context, run *Run) {
	for id, state := range run.ec.NodeStates() {
		if state != execution.NodePending && state != execution.NodeReady {
			continue
		}
		if err := run.ec.TransitionNode(id, execution.NodeCancelled); err != nil {
			continue
		}
		e.publish(ctx, events.New(events.EventNodeCancelled).
			WithExecution(run.ec.ExecutionID(), run.plan.WorkflowID).
			WithNode(id))
	}
}

// publish sends a lifecycle event on the bus. Delivery survives run
// cancellation; terminal events still go out after the run context ends.
func (e *Engine) publish(ctx context.Context, event events.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.WarnContext(ctx, "event publish failed",
			"type", string(event.Type), "error", err)
	}
}
