package approver

import (
	"context"

	"github.com/google/uuid"
)

type ListFilter struct {
	ActiveOnly bool
	DirectOnly bool
}

type Repository interface {
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (Record, error)
	// GetByTuple returns the record matching the logical identity of an
	// approver regardless of its active flag or ancestry. The found flag is
	// false when no such record exists.
	GetByTuple(ctx context.Context, tenantID, assignmentID, levelID uuid.UUID, kind Kind, identifier int64) (Record, bool, error)
	ListByAssignmentLevel(ctx context.Context, tenantID, assignmentID, levelID uuid.UUID, filter ListFilter) ([]Record, error)
	ListByAssignment(ctx context.Context, tenantID, assignmentID uuid.UUID, activeOnly bool) ([]Record, error)
	// ListByAncestor returns all records whose AncestorID equals ancestorID.
	ListByAncestor(ctx context.Context, tenantID, ancestorID uuid.UUID) ([]Record, error)
	// ListActiveByIdentifier returns active records for the same approver
	// identity anywhere on the assignment, across levels.
	ListActiveByIdentifier(ctx context.Context, tenantID, assignmentID uuid.UUID, kind Kind, identifier int64) ([]Record, error)
	Create(ctx context.Context, rec Record) (Record, error)
	SetActive(ctx context.Context, tenantID, id uuid.UUID, active bool) error
	SetAncestor(ctx context.Context, tenantID, id uuid.UUID, ancestorID *uuid.UUID) error
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
}
