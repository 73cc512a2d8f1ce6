package persistence

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/iota-uz/approval-sdk/modules/approval/services"
	"github.com/iota-uz/approval-sdk/pkg/composables"
)

type ApprovalLevelRepository struct{}

func NewApprovalLevelRepository() services.ApprovalLevelRepository {
	return &ApprovalLevelRepository{}
}

func (r *ApprovalLevelRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (services.ApprovalLevelRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.ApprovalLevelRow{}, err
	}
	var (
		rowID, stageID, containerID pgtype.UUID
		name                        string
		ordinal                     int
		active                      bool
	)
	if err := tx.QueryRow(ctx, `
SELECT id, stage_id, container_id, name, ordinal, is_active
FROM approval_levels
WHERE tenant_id=$1 AND id=$2
`, pgUUID(tenantID), pgUUID(id)).Scan(&rowID, &stageID, &containerID, &name, &ordinal, &active); err != nil {
		return services.ApprovalLevelRow{}, err
	}
	return services.ApprovalLevelRow{
		ID:          asUUID(rowID),
		StageID:     asUUID(stageID),
		ContainerID: asUUID(containerID),
		Name:        name,
		Ordinal:     ordinal,
		Active:      active,
	}, nil
}

func (r *ApprovalLevelRepository) ListActiveByContainer(ctx context.Context, tenantID, containerID uuid.UUID) ([]services.ApprovalLevelRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT id, stage_id, container_id, name, ordinal, is_active
FROM approval_levels
WHERE tenant_id=$1 AND container_id=$2 AND is_active=true
ORDER BY ordinal, id
`, pgUUID(tenantID), pgUUID(containerID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []services.ApprovalLevelRow
	for rows.Next() {
		var (
			rowID, stageID, container pgtype.UUID
			name                      string
			ordinal                   int
			active                    bool
		)
		if err := rows.Scan(&rowID, &stageID, &container, &name, &ordinal, &active); err != nil {
			return nil, err
		}
		out = append(out, services.ApprovalLevelRow{
			ID:          asUUID(rowID),
			StageID:     asUUID(stageID),
			ContainerID: asUUID(container),
			Name:        name,
			Ordinal:     ordinal,
			Active:      active,
		})
	}
	return out, rows.Err()
}
