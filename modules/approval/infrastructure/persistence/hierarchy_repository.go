package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/iota-uz/approval-sdk/modules/approval/domain/assignment"
	"github.com/iota-uz/approval-sdk/modules/approval/services"
	"github.com/iota-uz/approval-sdk/pkg/composables"
)

// HierarchyRepository resolves assignment targets against the materialised
// node table. Paths are slash-delimited id chains maintained by the owning
// org/position systems; this repository only reads them.
type HierarchyRepository struct{}

func NewHierarchyRepository() services.HierarchyRepository {
	return &HierarchyRepository{}
}

func (r *HierarchyRepository) Resolve(ctx context.Context, tenantID uuid.UUID, targetType assignment.TargetType, targetID uuid.UUID) (services.HierarchyEntity, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.HierarchyEntity{}, err
	}
	var path string
	if err := tx.QueryRow(ctx, `
SELECT path
FROM approval_hierarchy_nodes
WHERE tenant_id=$1 AND target_type=$2 AND id=$3
`, pgUUID(tenantID), string(targetType), pgUUID(targetID)).Scan(&path); err != nil {
		return services.HierarchyEntity{}, err
	}

	ancestors, err := parseHierarchyPath(path)
	if err != nil {
		return services.HierarchyEntity{}, err
	}
	return services.HierarchyEntity{ID: targetID, Path: path, Ancestors: ancestors}, nil
}

func parseHierarchyPath(path string) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, seg := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if seg == "" {
			continue
		}
		id, err := uuid.Parse(seg)
		if err != nil {
			return nil, fmt.Errorf("malformed hierarchy path %q: %w", path, err)
		}
		out = append(out, id)
	}
	return out, nil
}
