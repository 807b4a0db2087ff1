package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// LoggerResource is the logging/notification configuration attached to one
// span level. Zero-value fields inherit from the enclosing span.
type LoggerResource struct {
	// Level overrides the effective log level when non-empty.
	Level string `yaml:"level" json:"level,omitempty"`

	// SentryDSN is where errors are reported; innermost non-empty wins.
	SentryDSN string `yaml:"sentry_dsn" json:"sentry_dsn,omitempty"`

	// WebhookURL receives notifications; innermost non-empty wins.
	WebhookURL string `yaml:"webhook_url" json:"webhook_url,omitempty"`

	// Tags accumulate across levels; inner values win on key collision.
	Tags map[string]string `yaml:"tags" json:"tags,omitempty"`

	// Sampling, once enabled at any level, stays enabled for descendants.
	Sampling bool `yaml:"sampling" json:"sampling,omitempty"`
}

// Merge layers child over parent: tags accumulate, DSN and webhook URL
// override when the child sets them, the level overrides when non-default,
// and sampling is sticky once enabled.
func Merge(parent, child LoggerResource) LoggerResource {
	merged := parent

	if child.Level != "" {
		merged.Level = child.Level
	}
	if child.SentryDSN != "" {
		merged.SentryDSN = child.SentryDSN
	}
	if child.WebhookURL != "" {
		merged.WebhookURL = child.WebhookURL
	}
	if len(child.Tags) > 0 {
		tags := make(map[string]string, len(parent.Tags)+len(child.Tags))
		for k, v := range parent.Tags {
			tags[k] = v
		}
		for k, v := range child.Tags {
			tags[k] = v
		}
		merged.Tags = tags
	}
	merged.Sampling = parent.Sampling || child.Sampling
	return merged
}

// SpanKind names the level a span sits at.
type SpanKind string

const (
	SpanExecution SpanKind = "execution"
	SpanNode      SpanKind = "node"
	SpanAction    SpanKind = "action"
)

// Span is one level of the observability context stack. Its resource is
// the merge of every enclosing span's resource with its own.
type Span struct {
	kind     SpanKind
	name     string
	resource LoggerResource
	otel     trace.Span
}

// Kind returns the span's level.
func (s *Span) Kind() SpanKind { return s.kind }

// Name returns the span's display name.
func (s *Span) Name() string { return s.name }

// Resource returns the merged logger resource in effect for this span.
func (s *Span) Resource() LoggerResource { return s.resource }

// End closes the span's trace span, if any.
func (s *Span) End() {
	if s.otel != nil {
		s.otel.End()
	}
}

// RecordError marks the trace span with an error, if tracing is active.
func (s *Span) RecordError(err error) {
	if s.otel != nil && err != nil {
		s.otel.RecordError(err)
	}
}

type spanContextKey struct{}

// FromContext returns the innermost span, or nil when none is active.
func FromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(spanContextKey{}).(*Span)
	return span
}

// CurrentResource returns the merged logger resource in effect, or the
// zero resource outside any span.
func CurrentResource(ctx context.Context) LoggerResource {
	if span := FromContext(ctx); span != nil {
		return span.resource
	}
	return LoggerResource{}
}

// Stack pushes and pops spans through contexts. The tracer is optional;
// without one spans still merge resources but record no traces.
type Stack struct {
	tracer trace.Tracer
	root   LoggerResource
}

// StackOption configures a Stack.
type StackOption func(*Stack)

// WithTracer records OpenTelemetry spans alongside the resource stack.
func WithTracer(tracer trace.Tracer) StackOption {
	return func(s *Stack) { s.tracer = tracer }
}

// WithRootResource sets the resource in effect before any span is pushed.
func WithRootResource(res LoggerResource) StackOption {
	return func(s *Stack) { s.root = res }
}

// NewStack builds a span stack.
func NewStack(opts ...StackOption) *Stack {
	s := &Stack{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PushExecution opens the outermost span for an execution.
func (s *Stack) PushExecution(ctx context.Context, id types.ExecutionID, res LoggerResource) (context.Context, *Span) {
	return s.push(ctx, SpanExecution, "execution "+id.String(), res,
		attribute.String("execution.id", id.String()))
}

// PushNode opens a node span inside the current execution span.
func (s *Stack) PushNode(ctx context.Context, id types.NodeID, res LoggerResource) (context.Context, *Span) {
	return s.push(ctx, SpanNode, "node "+id.String(), res,
		attribute.String("node.id", id.String()))
}

// PushAction opens an action span inside the current node span.
func (s *Stack) PushAction(ctx context.Context, key string, res LoggerResource) (context.Context, *Span) {
	return s.push(ctx, SpanAction, "action "+key, res,
		attribute.String("action.key", key))
}

func (s *Stack) push(ctx context.Context, kind SpanKind, name string, res LoggerResource, attrs ...attribute.KeyValue) (context.Context, *Span) {
	parent := s.root
	if enclosing := FromContext(ctx); enclosing != nil {
		parent = enclosing.resource
	}

	span := &Span{
		kind:     kind,
		name:     name,
		resource: Merge(parent, res),
	}
	if s.tracer != nil {
		var otelSpan trace.Span
		ctx, otelSpan = s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
		span.otel = otelSpan
	}
	return context.WithValue(ctx, spanContextKey{}, span), span
}
