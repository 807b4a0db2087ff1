// Package types defines the core value types shared across Nebula:
// nominal entity identifiers, authorization scopes, the Secret primitive,
// health states, and the structured error taxonomy.
package types

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Every entity in Nebula is identified by its own nominal ID type wrapping a
// canonical UUID string. Keeping the types distinct makes it a compile-time
// error to pass, say, a NodeID where an ExecutionID is expected.
//
// IDs are value-typed, comparable, orderable, hashable, and serialize as
// canonical UUID strings.

// WorkflowID identifies a workflow definition.
type WorkflowID string

// ExecutionID identifies a single run of a workflow.
type ExecutionID string

// NodeID identifies a node within a workflow graph.
type NodeID string

// ActionID identifies a registered action.
type ActionID string

// ResourceID identifies a registered resource type.
type ResourceID string

// CredentialID identifies a stored credential.
type CredentialID string

// newID generates a new UUID v4 string. uuid.New uses crypto/rand and only
// panics on system-level entropy failure, so no error is surfaced.
func newID() string {
	return uuid.New().String()
}

// parseID parses and canonicalizes a UUID string.
func parseID(kind, s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%s cannot be empty", kind)
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid %s %q: %w", kind, s, err)
	}
	return parsed.String(), nil
}

// validateID checks that a string is a valid, non-empty UUID.
func validateID(kind, s string) error {
	_, err := parseID(kind, s)
	return err
}

// marshalID serializes an ID as a JSON string, or null when zero.
func marshalID(s string) ([]byte, error) {
	if s == "" {
		return []byte("null"), nil
	}
	return json.Marshal(s)
}

// unmarshalID deserializes and validates a JSON string into an ID.
// Empty or null input sets the zero value.
func unmarshalID(kind string, data []byte, out *string) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", kind, err)
	}
	if s == "" {
		*out = ""
		return nil
	}
	parsed, err := parseID(kind, s)
	if err != nil {
		return err
	}
	*out = parsed
	return nil
}

// NewWorkflowID generates a new random WorkflowID.
func NewWorkflowID() WorkflowID { return WorkflowID(newID()) }

// ParseWorkflowID parses and validates a UUID string as a WorkflowID.
func ParseWorkflowID(s string) (WorkflowID, error) {
	id, err := parseID("workflow ID", s)
	return WorkflowID(id), err
}

// Validate checks that the ID is a valid, non-empty UUID.
func (id WorkflowID) Validate() error { return validateID("workflow ID", string(id)) }

// String returns the canonical UUID string.
func (id WorkflowID) String() string { return string(id) }

// IsZero reports whether the ID is unset.
func (id WorkflowID) IsZero() bool { return id == "" }

// MarshalJSON implements json.Marshaler.
func (id WorkflowID) MarshalJSON() ([]byte, error) { return marshalID(string(id)) }

// UnmarshalJSON implements json.Unmarshaler.
func (id *WorkflowID) UnmarshalJSON(data []byte) error {
	return unmarshalID("workflow ID", data, (*string)(id))
}

// NewExecutionID generates a new random ExecutionID.
func NewExecutionID() ExecutionID { return ExecutionID(newID()) }

// ParseExecutionID parses and validates a UUID string as an ExecutionID.
func ParseExecutionID(s string) (ExecutionID, error) {
	id, err := parseID("execution ID", s)
	return ExecutionID(id), err
}

// Validate checks that the ID is a valid, non-empty UUID.
func (id ExecutionID) Validate() error { return validateID("execution ID", string(id)) }

// String returns the canonical UUID string.
func (id ExecutionID) String() string { return string(id) }

// IsZero reports whether the ID is unset.
func (id ExecutionID) IsZero() bool { return id == "" }

// MarshalJSON implements json.Marshaler.
func (id ExecutionID) MarshalJSON() ([]byte, error) { return marshalID(string(id)) }

// UnmarshalJSON implements json.Unmarshaler.
func (id *ExecutionID) UnmarshalJSON(data []byte) error {
	return unmarshalID("execution ID", data, (*string)(id))
}

// NewNodeID generates a new random NodeID.
func NewNodeID() NodeID { return NodeID(newID()) }

// ParseNodeID parses and validates a UUID string as a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	id, err := parseID("node ID", s)
	return NodeID(id), err
}

// Validate checks that the ID is a valid, non-empty UUID.
func (id NodeID) Validate() error { return validateID("node ID", string(id)) }

// String returns the canonical UUID string.
func (id NodeID) String() string { return string(id) }

// IsZero reports whether the ID is unset.
func (id NodeID) IsZero() bool { return id == "" }

// MarshalJSON implements json.Marshaler.
func (id NodeID) MarshalJSON() ([]byte, error) { return marshalID(string(id)) }

// UnmarshalJSON implements json.Unmarshaler.
func (id *NodeID) UnmarshalJSON(data []byte) error {
	return unmarshalID("node ID", data, (*string)(id))
}

// NewActionID generates a new random ActionID.
func NewActionID() ActionID { return ActionID(newID()) }

// ParseActionID parses and validates a UUID string as an ActionID.
func ParseActionID(s string) (ActionID, error) {
	id, err := parseID("action ID", s)
	return ActionID(id), err
}

// Validate checks that the ID is a valid, non-empty UUID.
func (id ActionID) Validate() error { return validateID("action ID", string(id)) }

// String returns the canonical UUID string.
func (id ActionID) String() string { return string(id) }

// IsZero reports whether the ID is unset.
func (id ActionID) IsZero() bool { return id == "" }

// MarshalJSON implements json.Marshaler.
func (id ActionID) MarshalJSON() ([]byte, error) { return marshalID(string(id)) }

// UnmarshalJSON implements json.Unmarshaler.
func (id *ActionID) UnmarshalJSON(data []byte) error {
	return unmarshalID("action ID", data, (*string)(id))
}

// NewResourceID generates a new random ResourceID.
func NewResourceID() ResourceID { return ResourceID(newID()) }

// ParseResourceID parses and validates a UUID string as a ResourceID.
func ParseResourceID(s string) (ResourceID, error) {
	id, err := parseID("resource ID", s)
	return ResourceID(id), err
}

// Validate checks that the ID is a valid, non-empty UUID.
func (id ResourceID) Validate() error { return validateID("resource ID", string(id)) }

// String returns the canonical UUID string.
func (id ResourceID) String() string { return string(id) }

// IsZero reports whether the ID is unset.
func (id ResourceID) IsZero() bool { return id == "" }

// MarshalJSON implements json.Marshaler.
func (id ResourceID) MarshalJSON() ([]byte, error) { return marshalID(string(id)) }

// UnmarshalJSON implements json.Unmarshaler.
func (id *ResourceID) UnmarshalJSON(data []byte) error {
	return unmarshalID("resource ID", data, (*string)(id))
}

// NewCredentialID generates a new random CredentialID.
func NewCredentialID() CredentialID { return CredentialID(newID()) }

// ParseCredentialID parses and validates a UUID string as a CredentialID.
func ParseCredentialID(s string) (CredentialID, error) {
	id, err := parseID("credential ID", s)
	return CredentialID(id), err
}

// Validate checks that the ID is a valid, non-empty UUID.
func (id CredentialID) Validate() error { return validateID("credential ID", string(id)) }

// String returns the canonical UUID string.
func (id CredentialID) String() string { return string(id) }

// IsZero reports whether the ID is unset.
func (id CredentialID) IsZero() bool { return id == "" }

// MarshalJSON implements json.Marshaler.
func (id CredentialID) MarshalJSON() ([]byte, error) { return marshalID(string(id)) }

// UnmarshalJSON implements json.Unmarshaler.
func (id *CredentialID) UnmarshalJSON(data []byte) error {
	return unmarshalID("credential ID", data, (*string)(id))
}
