package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/iota-uz/approval-sdk/modules/approval/domain/approver"
	"github.com/iota-uz/approval-sdk/pkg/composables"
)

type ApproverRepository struct{}

func NewApproverRepository() approver.Repository {
	return &ApproverRepository{}
}

const approverColumns = `id, tenant_id, assignment_id, approval_level_id, kind, identifier, is_active, ancestor_id, created_at, updated_at`

func scanApprover(row interface {
	Scan(dest ...any) error
}) (approver.Record, error) {
	var (
		id, tenantID, assignmentID, levelID pgtype.UUID
		kind                                int32
		identifier                          int64
		active                              bool
		ancestorID                          pgtype.UUID
		createdAt, updatedAt                pgtype.Timestamptz
	)
	if err := row.Scan(&id, &tenantID, &assignmentID, &levelID, &kind, &identifier, &active, &ancestorID, &createdAt, &updatedAt); err != nil {
		return approver.Record{}, err
	}
	return approver.Record{
		ID:           asUUID(id),
		TenantID:     asUUID(tenantID),
		AssignmentID: asUUID(assignmentID),
		LevelID:      asUUID(levelID),
		Kind:         approver.Kind(kind),
		Identifier:   identifier,
		Active:       active,
		AncestorID:   asNullableUUID(ancestorID),
		CreatedAt:    asTime(createdAt),
		UpdatedAt:    asTime(updatedAt),
	}, nil
}

func (r *ApproverRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (approver.Record, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return approver.Record{}, err
	}
	return scanApprover(tx.QueryRow(ctx, `
SELECT `+approverColumns+`
FROM approval_approvers
WHERE tenant_id=$1 AND id=$2
`, pgUUID(tenantID), pgUUID(id)))
}

func (r *ApproverRepository) GetByTuple(ctx context.Context, tenantID, assignmentID, levelID uuid.UUID, kind approver.Kind, identifier int64) (approver.Record, bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return approver.Record{}, false, err
	}
	// FOR UPDATE pins the slot for the find-or-create sequence in the
	// lifecycle service.
	rec, err := scanApprover(tx.QueryRow(ctx, `
SELECT `+approverColumns+`
FROM approval_approvers
WHERE tenant_id=$1 AND assignment_id=$2 AND approval_level_id=$3 AND kind=$4 AND identifier=$5
FOR UPDATE
`, pgUUID(tenantID), pgUUID(assignmentID), pgUUID(levelID), int32(kind), identifier))
	if errors.Is(err, pgx.ErrNoRows) {
		return approver.Record{}, false, nil
	}
	if err != nil {
		return approver.Record{}, false, err
	}
	return rec, true, nil
}

func (r *ApproverRepository) queryRecords(ctx context.Context, query string, args ...any) ([]approver.Record, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []approver.Record
	for rows.Next() {
		rec, err := scanApprover(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *ApproverRepository) ListByAssignmentLevel(ctx context.Context, tenantID, assignmentID, levelID uuid.UUID, filter approver.ListFilter) ([]approver.Record, error) {
	query := `
SELECT ` + approverColumns + `
FROM approval_approvers
WHERE tenant_id=$1 AND assignment_id=$2 AND approval_level_id=$3`
	if filter.ActiveOnly {
		query += ` AND is_active=true`
	}
	if filter.DirectOnly {
		query += ` AND ancestor_id IS NULL`
	}
	query += `
ORDER BY created_at, id`
	return r.queryRecords(ctx, query, pgUUID(tenantID), pgUUID(assignmentID), pgUUID(levelID))
}

func (r *ApproverRepository) ListByAssignment(ctx context.Context, tenantID, assignmentID uuid.UUID, activeOnly bool) ([]approver.Record, error) {
	query := `
SELECT ` + approverColumns + `
FROM approval_approvers
WHERE tenant_id=$1 AND assignment_id=$2`
	if activeOnly {
		query += ` AND is_active=true`
	}
	query += `
ORDER BY created_at, id`
	return r.queryRecords(ctx, query, pgUUID(tenantID), pgUUID(assignmentID))
}

func (r *ApproverRepository) ListByAncestor(ctx context.Context, tenantID, ancestorID uuid.UUID) ([]approver.Record, error) {
	return r.queryRecords(ctx, `
SELECT `+approverColumns+`
FROM approval_approvers
WHERE tenant_id=$1 AND ancestor_id=$2
ORDER BY created_at, id
`, pgUUID(tenantID), pgUUID(ancestorID))
}

func (r *ApproverRepository) ListActiveByIdentifier(ctx context.Context, tenantID, assignmentID uuid.UUID, kind approver.Kind, identifier int64) ([]approver.Record, error) {
	return r.queryRecords(ctx, `
SELECT `+approverColumns+`
FROM approval_approvers
WHERE tenant_id=$1 AND assignment_id=$2 AND kind=$3 AND identifier=$4 AND is_active=true
ORDER BY created_at, id
`, pgUUID(tenantID), pgUUID(assignmentID), int32(kind), identifier)
}

func (r *ApproverRepository) Create(ctx context.Context, rec approver.Record) (approver.Record, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return approver.Record{}, err
	}
	return scanApprover(tx.QueryRow(ctx, `
INSERT INTO approval_approvers (tenant_id, assignment_id, approval_level_id, kind, identifier, is_active, ancestor_id)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING `+approverColumns+`
`,
		pgUUID(rec.TenantID),
		pgUUID(rec.AssignmentID),
		pgUUID(rec.LevelID),
		int32(rec.Kind),
		rec.Identifier,
		rec.Active,
		pgNullableUUID(rec.AncestorID),
	))
}

func (r *ApproverRepository) SetActive(ctx context.Context, tenantID, id uuid.UUID, active bool) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
UPDATE approval_approvers
SET is_active=$3, updated_at=now()
WHERE tenant_id=$1 AND id=$2
`, pgUUID(tenantID), pgUUID(id), active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errNoRows
	}
	return nil
}

func (r *ApproverRepository) SetAncestor(ctx context.Context, tenantID, id uuid.UUID, ancestorID *uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
UPDATE approval_approvers
SET ancestor_id=$3, updated_at=now()
WHERE tenant_id=$1 AND id=$2
`, pgUUID(tenantID), pgUUID(id), pgNullableUUID(ancestorID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errNoRows
	}
	return nil
}

func (r *ApproverRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
DELETE FROM approval_approvers
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
