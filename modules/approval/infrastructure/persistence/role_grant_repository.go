package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/iota-uz/approval-sdk/modules/approval/services"
	"github.com/iota-uz/approval-sdk/pkg/composables"
)

// RoleGrantRepository records assignment-scoped role grants. Granting is
// idempotent; revoking a missing grant is a no-op so retraction cascades can
// run over partially-granted state.
type RoleGrantRepository struct{}

func NewRoleGrantRepository() services.RoleGranter {
	return &RoleGrantRepository{}
}

func (r *RoleGrantRepository) Grant(ctx context.Context, tenantID uuid.UUID, roleName string, userID int64, assignmentID uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO approval_role_grants (tenant_id, role_name, user_id, assignment_id)
VALUES ($1,$2,$3,$4)
ON CONFLICT (tenant_id, role_name, user_id, assignment_id) DO NOTHING
`, pgUUID(tenantID), roleName, userID, pgUUID(assignmentID))
	return err
}

func (r *RoleGrantRepository) Revoke(ctx context.Context, tenantID uuid.UUID, roleName string, userID int64, assignmentID uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
DELETE FROM approval_role_grants
WHERE tenant_id=$1 AND role_name=$2 AND user_id=$3 AND assignment_id=$4
`, pgUUID(tenantID), roleName, userID, pgUUID(assignmentID))
	return err
}
