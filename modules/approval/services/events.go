package services

import "github.com/google/uuid"

// Event topics published on the application event bus. Delivery is
// fire-and-forget; subscribers must not assume ordering relative to the
// transaction commit beyond "after commit intent".
const (
	EventApproverSetChanged  = "approval.approver_set.changed"
	EventAssignmentActivated = "approval.assignment.activated"
	EventAssignmentArchived  = "approval.assignment.archived"
)

type ApproverSetChanged struct {
	TenantID     uuid.UUID
	AssignmentID uuid.UUID
	LevelID      uuid.UUID
}

type AssignmentActivated struct {
	TenantID     uuid.UUID
	AssignmentID uuid.UUID
}

type AssignmentArchived struct {
	TenantID     uuid.UUID
	AssignmentID uuid.UUID
}
