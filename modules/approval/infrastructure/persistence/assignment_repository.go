package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/iota-uz/approval-sdk/modules/approval/domain/assignment"
	"github.com/iota-uz/approval-sdk/pkg/composables"
)

type AssignmentRepository struct{}

func NewAssignmentRepository() assignment.Repository {
	return &AssignmentRepository{}
}

const assignmentColumns = `id, tenant_id, container_id, target_type, target_id, status, is_default, id_number, created_at, updated_at`

func scanAssignment(row interface {
	Scan(dest ...any) error
}) (assignment.Assignment, error) {
	var (
		id, tenantID, containerID pgtype.UUID
		targetType, status        string
		targetID                  pgtype.UUID
		isDefault                 bool
		idNumber                  string
		createdAt, updatedAt      pgtype.Timestamptz
	)
	if err := row.Scan(&id, &tenantID, &containerID, &targetType, &targetID, &status, &isDefault, &idNumber, &createdAt, &updatedAt); err != nil {
		return assignment.Assignment{}, err
	}
	return assignment.Hydrate(
		asUUID(id),
		asUUID(tenantID),
		asUUID(containerID),
		assignment.TargetType(targetType),
		asUUID(targetID),
		assignment.Status(status),
		isDefault,
		idNumber,
		asTime(createdAt),
		asTime(updatedAt),
	), nil
}

func (r *AssignmentRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (assignment.Assignment, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return assignment.Assignment{}, err
	}
	return scanAssignment(tx.QueryRow(ctx, `
SELECT `+assignmentColumns+`
FROM approval_assignments
WHERE tenant_id=$1 AND id=$2
`, pgUUID(tenantID), pgUUID(id)))
}

func (r *AssignmentRepository) GetDefault(ctx context.Context, tenantID, containerID uuid.UUID) (assignment.Assignment, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return assignment.Assignment{}, err
	}
	return scanAssignment(tx.QueryRow(ctx, `
SELECT `+assignmentColumns+`
FROM approval_assignments
WHERE tenant_id=$1 AND container_id=$2 AND is_default=true AND status <> 'archived'
`, pgUUID(tenantID), pgUUID(containerID)))
}

func (r *AssignmentRepository) Find(ctx context.Context, tenantID uuid.UUID, params assignment.FindParams) ([]assignment.Assignment, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	where := []string{"tenant_id=$1", "container_id=$2"}
	args := []any{pgUUID(tenantID), pgUUID(params.ContainerID)}

	if params.TargetType != "" {
		args = append(args, string(params.TargetType))
		where = append(where, fmt.Sprintf("target_type=$%d", len(args)))
	}
	if len(params.TargetIDs) > 0 {
		args = append(args, pgUUIDArray(params.TargetIDs))
		where = append(where, fmt.Sprintf("target_id = ANY($%d)", len(args)))
	}
	if len(params.Statuses) > 0 {
		statuses := make([]string, 0, len(params.Statuses))
		for _, s := range params.Statuses {
			statuses = append(statuses, string(s))
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if params.IsDefault != nil {
		args = append(args, *params.IsDefault)
		where = append(where, fmt.Sprintf("is_default=$%d", len(args)))
	}

	rows, err := tx.Query(ctx, `
SELECT `+assignmentColumns+`
FROM approval_assignments
WHERE `+strings.Join(where, " AND ")+`
ORDER BY created_at, id
`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []assignment.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AssignmentRepository) Create(ctx context.Context, a assignment.Assignment) (assignment.Assignment, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return assignment.Assignment{}, err
	}
	return scanAssignment(tx.QueryRow(ctx, `
INSERT INTO approval_assignments (tenant_id, container_id, target_type, target_id, status, is_default, id_number)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING `+assignmentColumns+`
`,
		pgUUID(a.TenantID()),
		pgUUID(a.ContainerID()),
		string(a.TargetType()),
		pgUUID(a.TargetID()),
		string(a.Status()),
		a.IsDefault(),
		a.IDNumber(),
	))
}

func (r *AssignmentRepository) SetStatus(ctx context.Context, tenantID, id uuid.UUID, status assignment.Status) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
UPDATE approval_assignments
SET status=$3, updated_at=now()
WHERE tenant_id=$1 AND id=$2
`, pgUUID(tenantID), pgUUID(id), string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errNoRows
	}
	return nil
}

func (r *AssignmentRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
DELETE FROM approval_assignments
WHERE tenant_id=$1 AND id=$2
`, pgUUID(tenantID), pgUUID(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errNoRows
	}
	return nil
}
