package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/approval-sdk/modules/approval/services"
	"github.com/iota-uz/approval-sdk/pkg/composables"
)

// ResolverRepository holds the joined subtree queries behind the inheritance
// resolver. Path prefixes translate to "path = X OR path LIKE X || '/%'" so a
// node matches its own subtree root; exclusion prefixes negate the same
// clause, which must stay in step with the in-memory filter in the services
// package.
type ResolverRepository struct{}

func NewResolverRepository() services.ResolverRepository {
	return &ResolverRepository{}
}

func subtreeStatuses(includeDraft bool) []string {
	if includeDraft {
		return []string{"active", "draft"}
	}
	return []string{"active"}
}

const assignmentPathColumns = `a.id, a.tenant_id, a.container_id, a.target_type, a.target_id, a.status, a.is_default, a.id_number, a.created_at, a.updated_at, h.path`

func scanAssignmentPaths(rows pgx.Rows) ([]services.AssignmentPathRow, error) {
	defer rows.Close()
	var out []services.AssignmentPathRow
	for rows.Next() {
		var path string
		scanner := pathRowScanner{rows: rows, path: &path}
		a, err := scanAssignment(scanner)
		if err != nil {
			return nil, err
		}
		out = append(out, services.AssignmentPathRow{Assignment: a, Path: path})
	}
	return out, rows.Err()
}

// pathRowScanner appends the trailing path column to the assignment scan.
type pathRowScanner struct {
	rows pgx.Rows
	path *string
}

func (s pathRowScanner) Scan(dest ...any) error {
	return s.rows.Scan(append(dest, s.path)...)
}

func (r *ResolverRepository) ListDirectHolderPaths(ctx context.Context, tenantID uuid.UUID, q services.SubtreeQuery) ([]services.AssignmentPathRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT `+assignmentPathColumns+`
FROM approval_assignments a
JOIN approval_hierarchy_nodes h
  ON h.tenant_id = a.tenant_id AND h.target_type = a.target_type AND h.id = a.target_id
WHERE a.tenant_id = $1
  AND a.container_id = $2
  AND a.target_type = $3
  AND a.id <> $4
  AND a.status = ANY($5)
  AND (h.path = $6 OR h.path LIKE $6 || '/%')
  AND EXISTS (
    SELECT 1 FROM approval_approvers ap
    WHERE ap.tenant_id = a.tenant_id
      AND ap.assignment_id = a.id
      AND ap.approval_level_id = $7
      AND ap.is_active = true
      AND ap.ancestor_id IS NULL
  )
ORDER BY h.path, a.id
`,
		pgUUID(tenantID),
		pgUUID(q.ContainerID),
		string(q.TargetType),
		pgUUID(q.ExcludeAssignmentID),
		subtreeStatuses(q.IncludeDraft),
		q.PathPrefix,
		pgUUID(q.LevelID),
	)
	if err != nil {
		return nil, err
	}
	return scanAssignmentPaths(rows)
}

func (r *ResolverRepository) ListDescendantCandidates(ctx context.Context, tenantID uuid.UUID, q services.DescendantQuery) ([]services.AssignmentPathRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	args := []any{
		pgUUID(tenantID),
		pgUUID(q.ContainerID),
		string(q.TargetType),
		pgUUID(q.ExcludeAssignmentID),
		subtreeStatuses(q.IncludeDraft),
		q.PathPrefix,
		pgUUID(q.LevelID),
	}
	var sb strings.Builder
	sb.WriteString(`
SELECT ` + assignmentPathColumns + `
FROM approval_assignments a
JOIN approval_hierarchy_nodes h
  ON h.tenant_id = a.tenant_id AND h.target_type = a.target_type AND h.id = a.target_id
WHERE a.tenant_id = $1
  AND a.container_id = $2
  AND a.target_type = $3
  AND a.id <> $4
  AND a.is_default = false
  AND a.status = ANY($5)
  AND (h.path = $6 OR h.path LIKE $6 || '/%')
  AND NOT EXISTS (
    SELECT 1 FROM approval_approvers ap
    WHERE ap.tenant_id = a.tenant_id
      AND ap.assignment_id = a.id
      AND ap.approval_level_id = $7
      AND ap.is_active = true
      AND ap.ancestor_id IS NULL
  )`)
	for _, prefix := range q.ExcludePathPrefixes {
		args = append(args, prefix)
		n := len(args)
		fmt.Fprintf(&sb, `
  AND NOT (h.path = $%d OR h.path LIKE $%d || '/%%')`, n, n)
	}
	sb.WriteString(`
ORDER BY h.path, a.id`)

	rows, err := tx.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	return scanAssignmentPaths(rows)
}

func (r *ResolverRepository) ListAudienceDescendants(ctx context.Context, tenantID uuid.UUID, q services.AudienceQuery) ([]services.AssignmentPathRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT a.id, a.tenant_id, a.container_id, a.target_type, a.target_id, a.status, a.is_default, a.id_number, a.created_at, a.updated_at
FROM approval_assignments a
WHERE a.tenant_id = $1
  AND a.container_id = $2
  AND a.target_type = 'audience'
  AND a.is_default = false
  AND a.status = ANY($3)
  AND NOT EXISTS (
    SELECT 1 FROM approval_approvers ap
    WHERE ap.tenant_id = a.tenant_id
      AND ap.assignment_id = a.id
      AND ap.approval_level_id = $4
      AND ap.is_active = true
      AND ap.ancestor_id IS NULL
  )
ORDER BY a.created_at, a.id
`,
		pgUUID(tenantID),
		pgUUID(q.ContainerID),
		subtreeStatuses(q.IncludeDraft),
		pgUUID(q.LevelID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []services.AssignmentPathRow
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, services.AssignmentPathRow{Assignment: a})
	}
	return out, rows.Err()
}
