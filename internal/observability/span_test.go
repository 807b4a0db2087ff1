package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

func TestMergeRules(t *testing.T) {
	tests := []struct {
		name   string
		parent LoggerResource
		child  LoggerResource
		want   LoggerResource
	}{
		{
			name:   "tags accumulate",
			parent: LoggerResource{Tags: map[string]string{"env": "prod", "team": "core"}},
			child:  LoggerResource{Tags: map[string]string{"node": "fetch"}},
			want: LoggerResource{Tags: map[string]string{
				"env": "prod", "team": "core", "node": "fetch",
			}},
		},
		{
			name:   "inner tag value wins on collision",
			parent: LoggerResource{Tags: map[string]string{"env": "prod"}},
			child:  LoggerResource{Tags: map[string]string{"env": "staging"}},
			want:   LoggerResource{Tags: map[string]string{"env": "staging"}},
		},
		{
			name:   "innermost DSN wins",
			parent: LoggerResource{SentryDSN: "https://outer"},
			child:  LoggerResource{SentryDSN: "https://inner"},
			want:   LoggerResource{SentryDSN: "https://inner"},
		},
		{
			name:   "empty DSN inherits",
			parent: LoggerResource{SentryDSN: "https://outer", WebhookURL: "https://hook"},
			child:  LoggerResource{},
			want:   LoggerResource{SentryDSN: "https://outer", WebhookURL: "https://hook"},
		},
		{
			name:   "level overrides when non-default",
			parent: LoggerResource{Level: "info"},
			child:  LoggerResource{Level: "debug"},
			want:   LoggerResource{Level: "debug"},
		},
		{
			name:   "default level inherits",
			parent: LoggerResource{Level: "warn"},
			child:  LoggerResource{},
			want:   LoggerResource{Level: "warn"},
		},
		{
			name:   "sampling sticks once enabled",
			parent: LoggerResource{Sampling: true},
			child:  LoggerResource{},
			want:   LoggerResource{Sampling: true},
		},
		{
			name:   "child can enable sampling",
			parent: LoggerResource{},
			child:  LoggerResource{Sampling: true},
			want:   LoggerResource{Sampling: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Merge(tt.parent, tt.child))
		})
	}
}

func TestStackMergesThroughLevels(t *testing.T) {
	stack := NewStack(WithRootResource(LoggerResource{
		Level: "info",
		Tags:  map[string]string{"service": "nebula"},
	}))
	ctx := context.Background()

	ctx, execSpan := stack.PushExecution(ctx, types.NewExecutionID(), LoggerResource{
		SentryDSN: "https://exec-dsn",
		Tags:      map[string]string{"workflow": "deploy"},
	})
	defer execSpan.End()

	nodeCtx, nodeSpan := stack.PushNode(ctx, types.NewNodeID(), LoggerResource{
		Level:    "debug",
		Tags:     map[string]string{"node": "build"},
		Sampling: true,
	})
	defer nodeSpan.End()

	actionCtx, actionSpan := stack.PushAction(nodeCtx, "shell.run", LoggerResource{
		SentryDSN: "https://action-dsn",
	})
	defer actionSpan.End()

	res := CurrentResource(actionCtx)
	assert.Equal(t, "debug", res.Level, "node-level override carries down")
	assert.Equal(t, "https://action-dsn", res.SentryDSN, "innermost DSN wins")
	assert.Equal(t, map[string]string{
		"service": "nebula", "workflow": "deploy", "node": "build",
	}, res.Tags)
	assert.True(t, res.Sampling, "sampling enabled at the node level sticks")

	// Sibling node spans pushed from the execution context are unaffected.
	siblingCtx, siblingSpan := stack.PushNode(ctx, types.NewNodeID(), LoggerResource{})
	defer siblingSpan.End()
	sibling := CurrentResource(siblingCtx)
	assert.Equal(t, "info", sibling.Level)
	assert.Equal(t, "https://exec-dsn", sibling.SentryDSN)
	assert.False(t, sibling.Sampling)
}

func TestCurrentResourceOutsideSpan(t *testing.T) {
	assert.Equal(t, LoggerResource{}, CurrentResource(context.Background()))
	assert.Nil(t, FromContext(context.Background()))
}

func TestSpanKindAndName(t *testing.T) {
	stack := NewStack()
	ctx, span := stack.PushExecution(context.Background(), types.NewExecutionID(), LoggerResource{})
	require.NotNil(t, FromContext(ctx))
	assert.Equal(t, SpanExecution, span.Kind())
	assert.Contains(t, span.Name(), "execution ")
	span.End()
	span.RecordError(assert.AnError)
}
