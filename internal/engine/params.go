package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/vanyastaff/nebula-sub013/internal/action"
	"github.com/vanyastaff/nebula-sub013/internal/execution"
	"github.com/vanyastaff/nebula-sub013/internal/expr"
	"github.com/vanyastaff/nebula-sub013/internal/observability"
	"github.com/vanyastaff/nebula-sub013/internal/types"
	"github.com/vanyastaff/nebula-sub013/internal/workflow"
)

// invoke resolves the node's action and parameters and runs one attempt
// through the sandbox, applying the node's own timeout when set.
func (e *Engine) invoke(ctx context.Context, run *Run, node *workflow.Node) (json.RawMessage, error) {
	act, err := e.registry.Get(node.ActionID)
	if err != nil {
		return nil, err
	}
	input, err := e.resolveParameters(ctx, run, node)
	if err != nil {
		return nil, err
	}

	ec := run.ec
	actx := action.NewActionContext(ec.ExecutionID(), node.ID, run.plan.WorkflowID,
		ec.Scope(), ec.Token(), ec)

	callCtx := ctx
	cancel := func() {}
	if node.Timeout != nil && *node.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, *node.Timeout)
	}
	defer cancel()

	callCtx, span := e.spans.PushAction(callCtx, act.Metadata().Key, observability.LoggerResource{})
	defer span.End()

	var out json.RawMessage
	if e.policy != nil {
		err = e.policy.Execute(callCtx, func(opCtx context.Context) error {
			var runErr error
			out, runErr = e.sandbox.Run(opCtx, act, actx, input)
			return runErr
		})
	} else {
		out, err = e.sandbox.Run(callCtx, act, actx, input)
	}
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil && ctx.Err() == nil {
			return nil, types.WrapError(types.KindTransient, types.OPERATION_TIMED_OUT,
				"node action timed out", err).
				With("node_id", node.ID.String()).
				With("timeout", node.Timeout.String())
		}
		return nil, err
	}
	return out, nil
}

// resolveParameters materializes a node's parameter map into the JSON input
// object handed to its action. Parameters resolve in name order so
// expressions can read earlier parameters through $input.
func (e *Engine) resolveParameters(ctx context.Context, run *Run, node *workflow.Node) (json.RawMessage, error) {
	if len(node.Parameters) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(node.Parameters))
	for name := range node.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	resolved := make(map[string]any, len(names))
	for _, name := range names {
		param := node.Parameters[name]
		value, err := e.resolveParam(ctx, run, node, param, resolved)
		if err != nil {
			return nil, types.WrapError(types.KindOf(err), types.PARAMETER_RESOLUTION_FAILED,
				"failed to resolve node parameter", err).
				With("node_id", node.ID.String()).
				With("parameter", name)
		}
		resolved[name] = value
	}

	data, err := json.Marshal(resolved)
	if err != nil {
		return nil, types.WrapError(types.KindPermanent, types.PARAMETER_RESOLUTION_FAILED,
			"resolved parameters are not serializable", err).
			With("node_id", node.ID.String())
	}
	return data, nil
}

func (e *Engine) resolveParam(ctx context.Context, run *Run, node *workflow.Node, param workflow.ParamValue, input map[string]any) (any, error) {
	switch param.Kind() {
	case workflow.ParamLiteral:
		return param.LiteralValue(), nil

	case workflow.ParamReference:
		upstream, pointer := param.ReferenceTarget()
		out, ok := run.ec.Output(upstream)
		if !ok {
			return nil, types.NewError(types.KindValidation, types.PARAMETER_RESOLUTION_FAILED,
				"referenced node has no recorded output").
				With("referenced_node", upstream.String())
		}
		doc, err := e.decodeOutput(ctx, out)
		if err != nil {
			return nil, err
		}
		return expr.ResolvePointer(doc, pointer)

	case workflow.ParamExpression:
		env, err := e.buildEnv(ctx, run, input)
		if err != nil {
			return nil, err
		}
		source := param.ExpressionSource()
		if strings.Contains(source, "{{") {
			return expr.RenderTemplate(ctx, e.eval, source, env)
		}
		return e.eval.Evaluate(ctx, source, env)

	default:
		return nil, types.NewError(types.KindValidation, types.PARAMETER_RESOLUTION_FAILED,
			"parameter has unknown kind").With("kind", string(param.Kind()))
	}
}

// buildEnv snapshots the execution state into an expression environment.
func (e *Engine) buildEnv(ctx context.Context, run *Run, input map[string]any) (expr.Env, error) {
	outputs := run.ec.Outputs()
	nodeDocs := make(map[string]any, len(outputs))
	for id, out := range outputs {
		doc, err := e.decodeOutput(ctx, out)
		if err != nil {
			return expr.Env{}, err
		}
		nodeDocs[id.String()] = doc
	}

	inputCopy := make(map[string]any, len(input))
	for k, v := range input {
		inputCopy[k] = v
	}

	def := run.ec.Workflow()
	return expr.Env{
		Node: nodeDocs,
		Workflow: map[string]any{
			"id":        def.ID.String(),
			"name":      def.Name,
			"version":   def.Version.String(),
			"variables": run.ec.Variables(),
		},
		Execution: map[string]any{
			"id": run.ec.ExecutionID().String(),
		},
		Input: inputCopy,
	}, nil
}

// decodeOutput fetches an output payload (inline or external) and decodes
// it to plain JSON shapes.
func (e *Engine) decodeOutput(ctx context.Context, out *execution.NodeOutput) (any, error) {
	payload, err := out.Payload(ctx, e.blobs)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, types.WrapError(types.KindPermanent, types.PARAMETER_RESOLUTION_FAILED,
			"node output payload is not valid JSON", err).
			With("node_id", out.NodeID.String())
	}
	return doc, nil
}
