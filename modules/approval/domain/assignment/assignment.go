package assignment

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TargetType identifies the kind of organisational entity a workflow
// assignment is bound to.
type TargetType string

const (
	TargetOrganisation TargetType = "organisation"
	TargetPosition     TargetType = "position"
	TargetAudience     TargetType = "audience"
)

func (t TargetType) Valid() bool {
	switch t {
	case TargetOrganisation, TargetPosition, TargetAudience:
		return true
	}
	return false
}

// Hierarchical reports whether targets of this type form a tree. Audiences
// are flat: every audience assignment inherits directly from the default.
func (t TargetType) Hierarchical() bool {
	return t == TargetOrganisation || t == TargetPosition
}

type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusArchived:
		return true
	}
	return false
}

// Assignment binds a workflow container to one organisational target. The
// default assignment is the root of every approver inheritance chain within
// its container.
type Assignment struct {
	id          uuid.UUID
	tenantID    uuid.UUID
	containerID uuid.UUID
	targetType  TargetType
	targetID    uuid.UUID
	status      Status
	isDefault   bool
	idNumber    string
	createdAt   time.Time
	updatedAt   time.Time
}

func New(tenantID, containerID uuid.UUID, targetType TargetType, targetID uuid.UUID, isDefault bool, idNumber string) Assignment {
	return Assignment{
		tenantID:    tenantID,
		containerID: containerID,
		targetType:  targetType,
		targetID:    targetID,
		status:      StatusDraft,
		isDefault:   isDefault,
		idNumber:    normalizeIDNumber(idNumber),
	}
}

func Hydrate(
	id uuid.UUID,
	tenantID uuid.UUID,
	containerID uuid.UUID,
	targetType TargetType,
	targetID uuid.UUID,
	status Status,
	isDefault bool,
	idNumber string,
	createdAt time.Time,
	updatedAt time.Time,
) Assignment {
	return Assignment{
		id:          id,
		tenantID:    tenantID,
		containerID: containerID,
		targetType:  targetType,
		targetID:    targetID,
		status:      status,
		isDefault:   isDefault,
		idNumber:    normalizeIDNumber(idNumber),
		createdAt:   createdAt,
		updatedAt:   updatedAt,
	}
}

func (a Assignment) ID() uuid.UUID          { return a.id }
func (a Assignment) TenantID() uuid.UUID    { return a.tenantID }
func (a Assignment) ContainerID() uuid.UUID { return a.containerID }
func (a Assignment) TargetType() TargetType { return a.targetType }
func (a Assignment) TargetID() uuid.UUID    { return a.targetID }
func (a Assignment) Status() Status         { return a.status }
func (a Assignment) IsDefault() bool        { return a.isDefault }
func (a Assignment) IDNumber() string       { return a.idNumber }
func (a Assignment) CreatedAt() time.Time   { return a.createdAt }
func (a Assignment) UpdatedAt() time.Time   { return a.updatedAt }
func (a Assignment) IsZero() bool           { return a.id == uuid.Nil }

func (a Assignment) CanActivate() bool { return a.status == StatusDraft }
func (a Assignment) CanArchive() bool  { return a.status != StatusArchived }
func (a Assignment) CanDelete() bool   { return a.status == StatusDraft }

// WithStatus returns a copy carrying the new status.
func (a Assignment) WithStatus(status Status) Assignment {
	a.status = status
	return a
}

func normalizeIDNumber(v string) string { return strings.TrimSpace(v) }
