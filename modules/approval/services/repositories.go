package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/iota-uz/approval-sdk/modules/approval/domain/assignment"
)

// HierarchyEntity is the resolved organisational node an assignment targets.
// Ancestors is ordered root to leaf and includes the node itself as the last
// element. Path is the slash-delimited id chain used for subtree prefix
// matching (e.g. "/id1/id2/id3").
type HierarchyEntity struct {
	ID        uuid.UUID
	Path      string
	Ancestors []uuid.UUID
}

type HierarchyRepository interface {
	Resolve(ctx context.Context, tenantID uuid.UUID, targetType assignment.TargetType, targetID uuid.UUID) (HierarchyEntity, error)
}

type ApprovalLevelRow struct {
	ID          uuid.UUID
	StageID     uuid.UUID
	ContainerID uuid.UUID
	Name        string
	Ordinal     int
	Active      bool
}

type ApprovalLevelRepository interface {
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (ApprovalLevelRow, error)
	ListActiveByContainer(ctx context.Context, tenantID, containerID uuid.UUID) ([]ApprovalLevelRow, error)
}

// SubtreeQuery bounds a descendant search to one node's hierarchy subtree
// within a container, at one approval level.
type SubtreeQuery struct {
	ContainerID uuid.UUID
	TargetType  assignment.TargetType
	// PathPrefix is the subtree root's hierarchy path; matches the root
	// itself and everything below it.
	PathPrefix string
	LevelID    uuid.UUID
	// IncludeDraft widens the status filter beyond active assignments.
	// Archived assignments are never included.
	IncludeDraft bool
	// ExcludeAssignmentID drops the propagation source itself from results.
	ExcludeAssignmentID uuid.UUID
}

// DescendantQuery finds assignments eligible to receive inherited approver
// copies: non-default, in the subtree, without a direct active approver at
// the level.
type DescendantQuery struct {
	SubtreeQuery
	// ExcludePathPrefixes carves out subtrees governed by their own direct
	// approver. Applied SQL-side; the caller may instead filter in memory.
	ExcludePathPrefixes []string
}

// AudienceQuery finds audience-type descendants: audiences are flat, so the
// only filters are container, level and status.
type AudienceQuery struct {
	ContainerID  uuid.UUID
	LevelID      uuid.UUID
	IncludeDraft bool
}

// AssignmentPathRow pairs an assignment with its hierarchy path. Audience
// assignments carry an empty path.
type AssignmentPathRow struct {
	Assignment assignment.Assignment
	Path       string
}

// ResolverRepository holds the joined queries the inheritance resolver needs
// beyond plain assignment lookups.
type ResolverRepository interface {
	// ListDirectHolderPaths returns assignments in the subtree holding a
	// direct active approver at the level. Their subtrees are ineligible
	// for propagation from above.
	ListDirectHolderPaths(ctx context.Context, tenantID uuid.UUID, q SubtreeQuery) ([]AssignmentPathRow, error)
	ListDescendantCandidates(ctx context.Context, tenantID uuid.UUID, q DescendantQuery) ([]AssignmentPathRow, error)
	ListAudienceDescendants(ctx context.Context, tenantID uuid.UUID, q AudienceQuery) ([]AssignmentPathRow, error)
}

// RoleGranter applies the approver role side effect in the external
// authorization system. The role is assignment-scoped. Both calls must be
// idempotent: activating a user at several levels of one assignment grants
// the same (role, user, assignment) tuple more than once, and a repeated
// Grant must not accumulate state that a single Revoke cannot clear.
type RoleGranter interface {
	Grant(ctx context.Context, tenantID uuid.UUID, roleName string, userID int64, assignmentID uuid.UUID) error
	Revoke(ctx context.Context, tenantID uuid.UUID, roleName string, userID int64, assignmentID uuid.UUID) error
}

// ApproverRoleName is the role granted to user-kind approvers in the
// assignment scope.
const ApproverRoleName = "approval.approver"
