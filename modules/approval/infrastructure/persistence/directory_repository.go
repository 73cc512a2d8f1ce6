package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/iota-uz/approval-sdk/modules/approval/domain/approver"
	"github.com/iota-uz/approval-sdk/pkg/composables"
)

// UserDirectoryRepository backs user-kind validation and labels with the
// replicated user table.
type UserDirectoryRepository struct{}

func NewUserDirectoryRepository() approver.UserDirectory {
	return &UserDirectoryRepository{}
}

func (r *UserDirectoryRepository) UserExists(ctx context.Context, tenantID uuid.UUID, userID int64) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	if err := tx.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM approval_users WHERE tenant_id=$1 AND id=$2)
`, pgUUID(tenantID), userID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *UserDirectoryRepository) UserFullName(ctx context.Context, tenantID uuid.UUID, userID int64) (string, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return "", err
	}
	var name string
	if err := tx.QueryRow(ctx, `
SELECT full_name FROM approval_users WHERE tenant_id=$1 AND id=$2
`, pgUUID(tenantID), userID).Scan(&name); err != nil {
		return "", err
	}
	return name, nil
}

// RelationshipDirectoryRepository exposes the job-assignment chain used by
// relationship-kind approvers.
type RelationshipDirectoryRepository struct{}

func NewRelationshipDirectoryRepository() approver.RelationshipDirectory {
	return &RelationshipDirectoryRepository{}
}

func (r *RelationshipDirectoryRepository) RelationshipExists(ctx context.Context, tenantID uuid.UUID, relationshipID int64) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	if err := tx.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM approval_relationships WHERE tenant_id=$1 AND id=$2)
`, pgUUID(tenantID), relationshipID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *RelationshipDirectoryRepository) ListManagerUserIDs(ctx context.Context, tenantID uuid.UUID, userID int64) ([]int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT manager_user_id
FROM approval_job_assignments
WHERE tenant_id=$1 AND user_id=$2 AND is_current=true
ORDER BY manager_user_id
`, pgUUID(tenantID), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *RelationshipDirectoryRepository) ListTemporaryManagers(ctx context.Context, tenantID uuid.UUID, userID int64) ([]approver.TemporaryManager, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT manager_user_id, expires_at
FROM approval_temp_managers
WHERE tenant_id=$1 AND user_id=$2
ORDER BY manager_user_id
`, pgUUID(tenantID), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []approver.TemporaryManager
	for rows.Next() {
		var tm approver.TemporaryManager
		if err := rows.Scan(&tm.UserID, &tm.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, tm)
	}
	return out, rows.Err()
}
