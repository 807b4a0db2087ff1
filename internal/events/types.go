package events

import (
	"time"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// EventType identifies the kind of lifecycle event.
type EventType string

// Execution lifecycle events.
const (
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionPaused    EventType = "execution.paused"
	EventExecutionResumed   EventType = "execution.resumed"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionCancelled EventType = "execution.cancelled"
	EventExecutionTimedOut  EventType = "execution.timed_out"
)

// Node lifecycle events.
const (
	EventNodeStarted   EventType = "node.started"
	EventNodeCompleted EventType = "node.completed"
	EventNodeFailed    EventType = "node.failed"
	EventNodeRetrying  EventType = "node.retrying"
	EventNodeSkipped   EventType = "node.skipped"
	EventNodeCancelled EventType = "node.cancelled"
)

// Resource lifecycle events.
const (
	EventResourceCreated       EventType = "resource.created"
	EventResourceAcquired      EventType = "resource.acquired"
	EventResourceReleased      EventType = "resource.released"
	EventResourceHealthChanged EventType = "resource.health_changed"
	EventResourcePoolExhausted EventType = "resource.pool_exhausted"
	EventResourceCleanedUp     EventType = "resource.cleaned_up"
	EventResourceQuarantined   EventType = "resource.quarantined"
	EventResourceError         EventType = "resource.error"
)

// Credential lifecycle events.
const (
	EventCredentialStored    EventType = "credential.stored"
	EventCredentialRetrieved EventType = "credential.retrieved"
	EventCredentialDeleted   EventType = "credential.deleted"
	EventRotationStarted     EventType = "credential.rotation_started"
	EventRotationCommitted   EventType = "credential.rotation_committed"
	EventRotationCompensated EventType = "credential.rotation_compensated"
)

// Event is a single lifecycle notification. Identifier fields are set when
// they apply to the event type; Fields carries type-specific payload such as
// usage durations, waiter counts, or cleanup reasons.
type Event struct {
	Type         EventType          `json:"type"`
	Timestamp    time.Time          `json:"timestamp"`
	ExecutionID  types.ExecutionID  `json:"execution_id,omitempty"`
	WorkflowID   types.WorkflowID   `json:"workflow_id,omitempty"`
	NodeID       types.NodeID       `json:"node_id,omitempty"`
	ResourceID   types.ResourceID   `json:"resource_id,omitempty"`
	CredentialID types.CredentialID `json:"credential_id,omitempty"`
	Message      string             `json:"message,omitempty"`
	Fields       map[string]any     `json:"fields,omitempty"`
}

// New builds an event stamped with the current time.
func New(eventType EventType) Event {
	return Event{Type: eventType, Timestamp: time.Now().UTC()}
}

// WithExecution attaches execution identifiers.
func (e Event) WithExecution(executionID types.ExecutionID, workflowID types.WorkflowID) Event {
	e.ExecutionID = executionID
	e.WorkflowID = workflowID
	return e
}

// WithNode attaches a node identifier.
func (e Event) WithNode(nodeID types.NodeID) Event {
	e.NodeID = nodeID
	return e
}

// WithResource attaches a resource identifier.
func (e Event) WithResource(resourceID types.ResourceID) Event {
	e.ResourceID = resourceID
	return e
}

// WithCredential attaches a credential identifier.
func (e Event) WithCredential(credentialID types.CredentialID) Event {
	e.CredentialID = credentialID
	return e
}

// WithMessage attaches a human-readable message.
func (e Event) WithMessage(msg string) Event {
	e.Message = msg
	return e
}

// WithField attaches one payload field, copying the map so built events
// stay independent.
func (e Event) WithField(key string, value any) Event {
	fields := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	e.Fields = fields
	return e
}

// Filter selects which events a subscriber receives. Zero-value fields
// match everything; set fields must all match.
type Filter struct {
	// Types restricts delivery to the listed event types.
	Types []EventType

	// ExecutionID restricts delivery to one execution.
	ExecutionID types.ExecutionID

	// ResourceID restricts delivery to one resource. Matching is by exact
	// identifier.
	ResourceID types.ResourceID

	// CredentialID restricts delivery to one credential.
	CredentialID types.CredentialID
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.ExecutionID.IsZero() && f.ExecutionID != e.ExecutionID {
		return false
	}
	if !f.ResourceID.IsZero() && f.ResourceID != e.ResourceID {
		return false
	}
	if !f.CredentialID.IsZero() && f.CredentialID != e.CredentialID {
		return false
	}
	return true
}
