package app

import (
	"context"
	"errors"
	"testing"

	"github.com/hylla/concord/internal/domain"
)

func newTestRoleDirectory(t *testing.T, repo *fakeRepo) *RoleDirectory {
	t.Helper()
	roles, err := NewRoleDirectory(repo, NewBoundary(repo, quietLogger()), newTestClock().Now, nil, RoleDirectoryConfig{DefaultRole: domain.RoleMember, CacheSize: 8})
	if err != nil {
		t.Fatalf("NewRoleDirectory() error = %v", err)
	}
	return roles
}

func TestPermissionGateDefaultRole(t *testing.T) {
	repo := newFakeRepo()
	roles := newTestRoleDirectory(t, repo)
	gate := NewPermissionGate(roles, quietLogger())
	ctx := context.Background()

	role, err := roles.RoleOf(ctx, "alice")
	if err != nil || role != domain.RoleMember {
		t.Fatalf("RoleOf() = %q, %v; want member", role, err)
	}
	ok, err := gate.Check(ctx, PermissionInput{ActorID: "alice", OperationKind: domain.OperationUpdate, ResourceType: "budget"})
	if err != nil || !ok {
		t.Fatalf("Check(update) = %v, %v; want true", ok, err)
	}
	ok, err = gate.Check(ctx, PermissionInput{ActorID: "alice", OperationKind: domain.OperationDelete, ResourceType: "budget"})
	if err != nil || ok {
		t.Fatalf("Check(delete) = %v, %v; want false", ok, err)
	}
}

func TestPermissionGateViewerAndOwnership(t *testing.T) {
	repo := newFakeRepo()
	roles := newTestRoleDirectory(t, repo)
	gate := NewPermissionGate(roles, quietLogger())
	ctx := context.Background()
	if err := roles.Assign(ctx, "vera", domain.RoleViewer); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if err := roles.Assign(ctx, "olga", domain.RoleOwner); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	if ok, _ := gate.Check(ctx, PermissionInput{ActorID: "vera", OperationKind: domain.OperationRead, ResourceType: "budget"}); !ok {
		t.Fatal("viewer should read")
	}
	if ok, _ := gate.Check(ctx, PermissionInput{ActorID: "vera", OperationKind: domain.OperationUpdate, ResourceType: "budget"}); ok {
		t.Fatal("viewer should not update")
	}

	others := PermissionInput{ActorID: "alice", OperationKind: domain.OperationUpdate, ResourceType: "budget", CheckOwnership: true, DataOwnerID: "bob"}
	if ok, _ := gate.Check(ctx, others); ok {
		t.Fatal("member should not modify another actor's data")
	}
	others.DataOwnerID = "alice"
	if ok, _ := gate.Check(ctx, others); !ok {
		t.Fatal("member should modify own data")
	}
	others.ActorID, others.DataOwnerID = "olga", "bob"
	if ok, _ := gate.Check(ctx, others); !ok {
		t.Fatal("owner should modify another actor's data")
	}
}

func TestPermissionGateRejectsInvalidInput(t *testing.T) {
	gate := NewPermissionGate(newTestRoleDirectory(t, newFakeRepo()), quietLogger())
	ctx := context.Background()
	if _, err := gate.Check(ctx, PermissionInput{OperationKind: domain.OperationRead, ResourceType: "budget"}); !errors.Is(err, domain.ErrInvalidActor) {
		t.Fatalf("expected ErrInvalidActor, got %v", err)
	}
	if _, err := gate.Check(ctx, PermissionInput{ActorID: "a", OperationKind: "archive", ResourceType: "budget"}); !errors.Is(err, domain.ErrInvalidOperationKind) {
		t.Fatalf("expected ErrInvalidOperationKind, got %v", err)
	}
	if _, err := gate.Check(ctx, PermissionInput{ActorID: "a", OperationKind: domain.OperationRead}); !errors.Is(err, domain.ErrInvalidResourceType) {
		t.Fatalf("expected ErrInvalidResourceType, got %v", err)
	}
}

func TestRoleDirectoryAssignInvalidatesCache(t *testing.T) {
	repo := newFakeRepo()
	roles := newTestRoleDirectory(t, repo)
	ctx := context.Background()
	if _, err := roles.RoleOf(ctx, "alice"); err != nil {
		t.Fatalf("RoleOf() error = %v", err)
	}
	if err := roles.Assign(ctx, "alice", domain.RoleAdmin); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	role, err := roles.RoleOf(ctx, "alice")
	if err != nil || role != domain.RoleAdmin {
		t.Fatalf("RoleOf() = %q, %v; want admin", role, err)
	}
	if err := roles.Assign(ctx, "alice", "superuser"); !errors.Is(err, domain.ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestRoleDirectorySetPolicies(t *testing.T) {
	repo := newFakeRepo()
	roles := newTestRoleDirectory(t, repo)
	gate := NewPermissionGate(roles, quietLogger())
	ctx := context.Background()

	restricted := []domain.RolePolicy{
		{Role: domain.RoleOwner, Permissions: map[string][]domain.OperationKind{domain.AnyResource: {domain.OperationRead}}, ModifyOthers: true},
		{Role: domain.RoleMember, Permissions: map[string][]domain.OperationKind{"note": {domain.OperationRead, domain.OperationUpdate}}},
	}
	if err := roles.SetPolicies(restricted); err != nil {
		t.Fatalf("SetPolicies() error = %v", err)
	}
	if ok, _ := gate.Check(ctx, PermissionInput{ActorID: "alice", OperationKind: domain.OperationUpdate, ResourceType: "budget"}); ok {
		t.Fatal("member should lose budget update")
	}
	if ok, _ := gate.Check(ctx, PermissionInput{ActorID: "alice", OperationKind: domain.OperationUpdate, ResourceType: "note"}); !ok {
		t.Fatal("member should keep note update")
	}
	if got := roles.Policies(); len(got) != 2 || got[0].Role != domain.RoleOwner {
		t.Fatalf("Policies() = %#v", got)
	}

	if err := roles.SetPolicies(restricted[:1]); !errors.Is(err, domain.ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole when default role has no policy, got %v", err)
	}
}
