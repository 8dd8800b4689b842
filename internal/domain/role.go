package domain

import (
	"slices"
	"strings"
)

// Role identifies an actor's seniority within a shared workspace.
type Role string

// Built-in roles ordered from most to least senior.
const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// AnyResource matches every resource type in a role policy.
const AnyResource = "*"

// roleRanks stores seniority used by priority-based resolution.
var roleRanks = map[Role]int{
	RoleOwner:  4,
	RoleAdmin:  3,
	RoleMember: 2,
	RoleViewer: 1,
}

// NormalizeRole canonicalizes role names.
func NormalizeRole(role Role) Role {
	return Role(strings.TrimSpace(strings.ToLower(string(role))))
}

// Rank returns the role's seniority; unknown roles rank 0.
func (r Role) Rank() int {
	return roleRanks[NormalizeRole(r)]
}

// RolePolicy is the capability table entry for one role.
type RolePolicy struct {
	Role         Role
	Permissions  map[string][]OperationKind
	ModifyOthers bool
}

// Allows reports whether the policy grants the operation on the resource type.
func (p RolePolicy) Allows(resourceType string, op OperationKind) bool {
	op = NormalizeOperationKind(op)
	resourceType = NormalizeResourceType(resourceType)
	if ops, ok := p.Permissions[resourceType]; ok && slices.Contains(ops, op) {
		return true
	}
	if ops, ok := p.Permissions[AnyResource]; ok && slices.Contains(ops, op) {
		return true
	}
	return false
}

// NewRolePolicy normalizes a policy table row.
func NewRolePolicy(role Role, permissions map[string][]OperationKind, modifyOthers bool) (RolePolicy, error) {
	role = NormalizeRole(role)
	if role == "" {
		return RolePolicy{}, ErrInvalidRole
	}
	out := RolePolicy{
		Role:         role,
		Permissions:  make(map[string][]OperationKind, len(permissions)),
		ModifyOthers: modifyOthers,
	}
	for resource, ops := range permissions {
		resource = NormalizeResourceType(resource)
		if resource == "" {
			return RolePolicy{}, ErrInvalidResourceType
		}
		normalized := make([]OperationKind, 0, len(ops))
		for _, op := range ops {
			op = NormalizeOperationKind(op)
			if !IsValidOperationKind(op) {
				return RolePolicy{}, ErrInvalidOperationKind
			}
			if !slices.Contains(normalized, op) {
				normalized = append(normalized, op)
			}
		}
		out.Permissions[resource] = normalized
	}
	return out, nil
}

// SystemActorID attributes writes made by the engine itself, such as merges
// applied without a named resolver.
const SystemActorID = "concord-system"
