package action

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// Capability names a privileged operation an action may be granted under
// IsolationCapabilityGated.
type Capability string

const (
	CapabilityNetwork     Capability = "network"
	CapabilityFilesystem  Capability = "filesystem"
	CapabilityCredentials Capability = "credentials"
	CapabilityExec        Capability = "exec"
)

// Sandbox runs an action within its declared isolation boundary.
type Sandbox interface {
	Run(ctx context.Context, act Action, actx *ActionContext, input json.RawMessage) (json.RawMessage, error)
}

// Executor is the runtime-provided callback the in-process sandbox
// delegates to. It lets the engine own retries and instrumentation around
// the raw invocation.
type Executor func(ctx context.Context, act Action, actx *ActionContext, input json.RawMessage) (json.RawMessage, error)

// InProcessSandbox drives IsolationNone and IsolationCapabilityGated
// actions. It asserts cancellation before invoking, applies the capability
// gate, and logs start and finish.
type InProcessSandbox struct {
	logger   *slog.Logger
	executor Executor
}

var _ Sandbox = (*InProcessSandbox)(nil)

// NewInProcessSandbox builds the in-process driver. A nil executor invokes
// the action directly.
func NewInProcessSandbox(logger *slog.Logger, executor Executor) *InProcessSandbox {
	if logger == nil {
		logger = slog.Default()
	}
	if executor == nil {
		executor = func(ctx context.Context, act Action, actx *ActionContext, input json.RawMessage) (json.RawMessage, error) {
			return act.Execute(ctx, actx, input)
		}
	}
	return &InProcessSandbox{logger: logger, executor: executor}
}

// Run implements Sandbox.
func (s *InProcessSandbox) Run(ctx context.Context, act Action, actx *ActionContext, input json.RawMessage) (json.RawMessage, error) {
	meta := act.Metadata()
	switch meta.Isolation {
	case IsolationNone, IsolationCapabilityGated, "":
	default:
		return nil, types.NewError(types.KindPermanent, types.ACTION_CAPABILITY_DENIED,
			"no sandbox driver for isolation level").
			With("action", meta.Key).
			With("isolation", string(meta.Isolation))
	}

	if err := actx.CheckCancelled(); err != nil {
		return nil, err
	}
	if meta.Isolation == IsolationCapabilityGated {
		actx = actx.withCapabilities(meta.Capabilities)
	}

	s.logger.InfoContext(ctx, "action started",
		"action", meta.Key,
		"node_id", actx.NodeID().String(),
		"execution_id", actx.ExecutionID().String(),
		"isolation", string(meta.Isolation))

	start := time.Now()
	out, err := s.executor(ctx, act, actx, input)
	elapsed := time.Since(start)

	if err != nil {
		s.logger.WarnContext(ctx, "action failed",
			"action", meta.Key,
			"node_id", actx.NodeID().String(),
			"duration", elapsed,
			"error", err)
		return nil, err
	}

	s.logger.InfoContext(ctx, "action finished",
		"action", meta.Key,
		"node_id", actx.NodeID().String(),
		"duration", elapsed,
		"output_bytes", len(out))
	return out, nil
}
