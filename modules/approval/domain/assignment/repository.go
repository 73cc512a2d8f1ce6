package assignment

import (
	"context"

	"github.com/google/uuid"
)

type FindParams struct {
	ContainerID uuid.UUID
	TargetType  TargetType
	// TargetIDs restricts results to assignments bound to any of these
	// targets. Empty means no restriction.
	TargetIDs []uuid.UUID
	// Statuses restricts results to these statuses. Empty means any.
	Statuses  []Status
	IsDefault *bool
}

type Repository interface {
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (Assignment, error)
	// GetDefault returns the single default assignment of the container.
	GetDefault(ctx context.Context, tenantID, containerID uuid.UUID) (Assignment, error)
	Find(ctx context.Context, tenantID uuid.UUID, params FindParams) ([]Assignment, error)
	Create(ctx context.Context, a Assignment) (Assignment, error)
	SetStatus(ctx context.Context, tenantID, id uuid.UUID, status Status) error
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
}
