package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ScopeLevel identifies one level in the scope hierarchy, from broadest
// (Global) to narrowest (Node). A scope at a broader level contains every
// scope beneath it that shares its qualifiers.
type ScopeLevel int

const (
	ScopeGlobal ScopeLevel = iota
	ScopeTenant
	ScopeUser
	ScopeWorkflow
	ScopeExecution
	ScopeNode
)

// String returns the string representation of the scope level.
func (l ScopeLevel) String() string {
	switch l {
	case ScopeGlobal:
		return "global"
	case ScopeTenant:
		return "tenant"
	case ScopeUser:
		return "user"
	case ScopeWorkflow:
		return "workflow"
	case ScopeExecution:
		return "execution"
	case ScopeNode:
		return "node"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// IsValid checks if the ScopeLevel is a defined value.
func (l ScopeLevel) IsValid() bool {
	return l >= ScopeGlobal && l <= ScopeNode
}

// Scope is a hierarchical authorization context. Each level adds one
// qualifier; qualifiers above the scope's level must be set, qualifiers
// below it are empty.
//
// Scopes gate credential visibility and resource lifetime. Containment is
// structural: scope A contains scope B when A's level is at least as broad
// and every qualifier A carries matches B's.
type Scope struct {
	Level     ScopeLevel  `json:"level"`
	Tenant    string      `json:"tenant,omitempty"`
	User      string      `json:"user,omitempty"`
	Workflow  WorkflowID  `json:"workflow,omitempty"`
	Execution ExecutionID `json:"execution,omitempty"`
	Node      NodeID      `json:"node,omitempty"`
}

// GlobalScope returns the broadest scope.
func GlobalScope() Scope {
	return Scope{Level: ScopeGlobal}
}

// TenantScope returns a scope covering one tenant.
func TenantScope(tenant string) Scope {
	return Scope{Level: ScopeTenant, Tenant: tenant}
}

// UserScope returns a scope covering one user within a tenant.
func UserScope(tenant, user string) Scope {
	return Scope{Level: ScopeUser, Tenant: tenant, User: user}
}

// WorkflowScope narrows a user scope to one workflow.
func (s Scope) WorkflowScope(id WorkflowID) Scope {
	s.Level = ScopeWorkflow
	s.Workflow = id
	return s
}

// ExecutionScope narrows a workflow scope to one execution.
func (s Scope) ExecutionScope(id ExecutionID) Scope {
	s.Level = ScopeExecution
	s.Execution = id
	return s
}

// NodeScope narrows an execution scope to one node.
func (s Scope) NodeScope(id NodeID) Scope {
	s.Level = ScopeNode
	s.Node = id
	return s
}

// Validate checks that the scope's qualifiers are consistent with its level:
// every qualifier at or above the level is set, every qualifier below it is
// empty.
func (s Scope) Validate() error {
	if !s.Level.IsValid() {
		return fmt.Errorf("invalid scope level: %d", int(s.Level))
	}
	type qualifier struct {
		level ScopeLevel
		name  string
		set   bool
	}
	qualifiers := []qualifier{
		{ScopeTenant, "tenant", s.Tenant != ""},
		{ScopeUser, "user", s.User != ""},
		{ScopeWorkflow, "workflow", !s.Workflow.IsZero()},
		{ScopeExecution, "execution", !s.Execution.IsZero()},
		{ScopeNode, "node", !s.Node.IsZero()},
	}
	for _, q := range qualifiers {
		if q.level <= s.Level && !q.set {
			return fmt.Errorf("scope at %s level is missing %s qualifier", s.Level, q.name)
		}
		if q.level > s.Level && q.set {
			return fmt.Errorf("scope at %s level must not carry %s qualifier", s.Level, q.name)
		}
	}
	return nil
}

// Contains reports whether s contains other: s is at least as broad as
// other and every qualifier s carries matches other's.
func (s Scope) Contains(other Scope) bool {
	if s.Level > other.Level {
		return false
	}
	if s.Level >= ScopeTenant && s.Tenant != other.Tenant {
		return false
	}
	if s.Level >= ScopeUser && s.User != other.User {
		return false
	}
	if s.Level >= ScopeWorkflow && s.Workflow != other.Workflow {
		return false
	}
	if s.Level >= ScopeExecution && s.Execution != other.Execution {
		return false
	}
	if s.Level >= ScopeNode && s.Node != other.Node {
		return false
	}
	return true
}

// PermitsAccess reports whether a caller holding scope s may access an
// entity owned by owner.
//
// Two cases grant access:
//   - The caller is at least as specific as the owner and sits inside the
//     owner's subtree (the common case: a node-level caller reading a
//     user-owned credential of the same tenant and user).
//   - The caller is broader than the owner and the owner sits inside the
//     caller's subtree (an operator at tenant level reading a credential
//     owned at workflow level within that tenant).
func (s Scope) PermitsAccess(owner Scope) bool {
	if s.Level >= owner.Level {
		return owner.Contains(s)
	}
	return s.Contains(owner)
}

// String renders the scope as a path from broad to narrow, e.g.
// "tenant:org-a/user:team-x/workflow:<uuid>".
func (s Scope) String() string {
	if s.Level == ScopeGlobal {
		return "global"
	}
	parts := make([]string, 0, int(s.Level))
	if s.Level >= ScopeTenant {
		parts = append(parts, "tenant:"+s.Tenant)
	}
	if s.Level >= ScopeUser {
		parts = append(parts, "user:"+s.User)
	}
	if s.Level >= ScopeWorkflow {
		parts = append(parts, "workflow:"+s.Workflow.String())
	}
	if s.Level >= ScopeExecution {
		parts = append(parts, "execution:"+s.Execution.String())
	}
	if s.Level >= ScopeNode {
		parts = append(parts, "node:"+s.Node.String())
	}
	return strings.Join(parts, "/")
}

// MarshalJSON implements json.Marshaler for the ScopeLevel enum.
func (l ScopeLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON implements json.Unmarshaler for the ScopeLevel enum.
func (l *ScopeLevel) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "global":
		*l = ScopeGlobal
	case "tenant":
		*l = ScopeTenant
	case "user":
		*l = ScopeUser
	case "workflow":
		*l = ScopeWorkflow
	case "execution":
		*l = ScopeExecution
	case "node":
		*l = ScopeNode
	default:
		return fmt.Errorf("invalid scope level: %s", str)
	}
	return nil
}
