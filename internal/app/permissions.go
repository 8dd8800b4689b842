package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hylla/concord/internal/domain"
)

// DefaultRoleCacheSize bounds cached actor-role lookups.
const DefaultRoleCacheSize = 1024

// RoleProvider resolves actor roles and role policies.
type RoleProvider interface {
	RoleOf(ctx context.Context, actorID string) (domain.Role, error)
	Policy(role domain.Role) (domain.RolePolicy, bool)
}

// RoleDirectoryConfig holds role lookup settings.
type RoleDirectoryConfig struct {
	DefaultRole domain.Role
	CacheSize   int
}

// RoleDirectory resolves actor roles from the store through an LRU cache and
// holds the reloadable role policy table.
type RoleDirectory struct {
	repo        RoleRepository
	boundary    *Boundary
	clock       Clock
	cache       *lru.Cache[string, domain.Role]
	defaultRole domain.Role

	mu       sync.RWMutex
	policies map[domain.Role]domain.RolePolicy
}

// NewRoleDirectory constructs a role directory.
func NewRoleDirectory(repo RoleRepository, boundary *Boundary, clock Clock, policies []domain.RolePolicy, cfg RoleDirectoryConfig) (*RoleDirectory, error) {
	if clock == nil {
		clock = time.Now
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultRoleCacheSize
	}
	cache, err := lru.New[string, domain.Role](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create role cache: %w", err)
	}
	d := &RoleDirectory{
		repo:        repo,
		boundary:    boundary,
		clock:       clock,
		cache:       cache,
		defaultRole: domain.NormalizeRole(cfg.DefaultRole),
	}
	if len(policies) == 0 {
		policies = DefaultRolePolicies()
	}
	if err := d.SetPolicies(policies); err != nil {
		return nil, err
	}
	return d, nil
}

// RoleOf returns the actor's assigned role or the default role.
func (d *RoleDirectory) RoleOf(ctx context.Context, actorID string) (domain.Role, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return "", domain.ErrInvalidActor
	}
	if role, ok := d.cache.Get(actorID); ok {
		return role, nil
	}
	role, err := boundaryCall(ctx, d.boundary, "get actor role", func(ctx context.Context) (domain.Role, error) {
		return d.repo.GetActorRole(ctx, actorID)
	})
	if errors.Is(err, ErrNotFound) {
		role, err = d.defaultRole, nil
	}
	if err != nil {
		return "", err
	}
	d.cache.Add(actorID, role)
	return role, nil
}

// Assign persists an actor's role.
func (d *RoleDirectory) Assign(ctx context.Context, actorID string, role domain.Role) error {
	actorID = strings.TrimSpace(actorID)
	role = domain.NormalizeRole(role)
	if actorID == "" {
		return domain.ErrInvalidActor
	}
	if _, ok := d.Policy(role); !ok {
		return fmt.Errorf("%w: %q", domain.ErrInvalidRole, role)
	}
	if err := d.boundary.Do(ctx, "set actor role", func(ctx context.Context) error {
		return d.repo.SetActorRole(ctx, actorID, role, d.clock().UTC())
	}); err != nil {
		return err
	}
	d.cache.Remove(actorID)
	return nil
}

// Policy returns the policy for one role.
func (d *RoleDirectory) Policy(role domain.Role) (domain.RolePolicy, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.policies[domain.NormalizeRole(role)]
	return p, ok
}

// Policies returns the policy table ordered by seniority.
func (d *RoleDirectory) Policies() []domain.RolePolicy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.RolePolicy, 0, len(d.policies))
	for _, p := range d.policies {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.RolePolicy) int {
		if a.Role.Rank() != b.Role.Rank() {
			return b.Role.Rank() - a.Role.Rank()
		}
		return strings.Compare(string(a.Role), string(b.Role))
	})
	return out
}

// SetPolicies replaces the policy table and drops cached roles.
func (d *RoleDirectory) SetPolicies(policies []domain.RolePolicy) error {
	next := make(map[domain.Role]domain.RolePolicy, len(policies))
	for _, p := range policies {
		role := domain.NormalizeRole(p.Role)
		if role == "" {
			return domain.ErrInvalidRole
		}
		p.Role = role
		next[role] = p
	}
	if d.defaultRole != "" {
		if _, ok := next[d.defaultRole]; !ok {
			return fmt.Errorf("%w: default role %q has no policy", domain.ErrInvalidRole, d.defaultRole)
		}
	}
	d.mu.Lock()
	d.policies = next
	d.mu.Unlock()
	d.cache.Purge()
	return nil
}

// DefaultRolePolicies returns the built-in policy table.
func DefaultRolePolicies() []domain.RolePolicy {
	all := []domain.OperationKind{domain.OperationCreate, domain.OperationRead, domain.OperationUpdate, domain.OperationDelete}
	return []domain.RolePolicy{
		{Role: domain.RoleOwner, Permissions: map[string][]domain.OperationKind{domain.AnyResource: all}, ModifyOthers: true},
		{Role: domain.RoleAdmin, Permissions: map[string][]domain.OperationKind{domain.AnyResource: all}, ModifyOthers: true},
		{Role: domain.RoleMember, Permissions: map[string][]domain.OperationKind{
			domain.AnyResource: {domain.OperationCreate, domain.OperationRead, domain.OperationUpdate},
		}},
		{Role: domain.RoleViewer, Permissions: map[string][]domain.OperationKind{domain.AnyResource: {domain.OperationRead}}},
	}
}

// PermissionInput holds input values for permission checks.
type PermissionInput struct {
	ActorID        string
	OperationKind  domain.OperationKind
	ResourceType   string
	CheckOwnership bool
	DataOwnerID    string
}

// PermissionGate answers role-based capability checks.
type PermissionGate struct {
	roles  RoleProvider
	logger *log.Logger
}

// NewPermissionGate constructs a permission gate.
func NewPermissionGate(roles RoleProvider, logger *log.Logger) *PermissionGate {
	if logger == nil {
		logger = log.Default()
	}
	return &PermissionGate{roles: roles, logger: logger}
}

// Check reports whether the actor may perform the operation. Modifying another
// actor's data additionally requires the role's ModifyOthers flag.
func (g *PermissionGate) Check(ctx context.Context, in PermissionInput) (bool, error) {
	in.ActorID = strings.TrimSpace(in.ActorID)
	in.OperationKind = domain.NormalizeOperationKind(in.OperationKind)
	in.ResourceType = domain.NormalizeResourceType(in.ResourceType)
	in.DataOwnerID = strings.TrimSpace(in.DataOwnerID)
	if in.ActorID == "" {
		return false, domain.ErrInvalidActor
	}
	if !domain.IsValidOperationKind(in.OperationKind) {
		return false, domain.ErrInvalidOperationKind
	}
	if in.ResourceType == "" {
		return false, domain.ErrInvalidResourceType
	}

	role, err := g.roles.RoleOf(ctx, in.ActorID)
	if err != nil {
		return false, err
	}
	policy, ok := g.roles.Policy(role)
	if !ok {
		g.logger.Debug("permission denied: role has no policy", "actor_id", in.ActorID, "role", role)
		return false, nil
	}
	if !policy.Allows(in.ResourceType, in.OperationKind) {
		g.logger.Debug("permission denied: operation not granted", "actor_id", in.ActorID, "role", role, "operation", in.OperationKind, "resource_type", in.ResourceType)
		return false, nil
	}
	if in.CheckOwnership && in.DataOwnerID != "" && in.DataOwnerID != in.ActorID && !policy.ModifyOthers {
		g.logger.Debug("permission denied: not the data owner", "actor_id", in.ActorID, "role", role, "owner_id", in.DataOwnerID)
		return false, nil
	}
	return true, nil
}
