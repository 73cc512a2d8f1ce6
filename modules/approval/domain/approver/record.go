package approver

import (
	"time"

	"github.com/google/uuid"
)

// Record is one approver bound to an (assignment, approval level) slot.
// A record with a nil AncestorID is direct (authoritative); a record with a
// non-nil AncestorID is an inherited copy of the referenced record, which
// lives on a different assignment but carries the same kind, identifier and
// level.
type Record struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	AssignmentID uuid.UUID
	LevelID      uuid.UUID
	Kind         Kind
	Identifier   int64
	Active       bool
	AncestorID   *uuid.UUID
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r Record) Direct() bool    { return r.AncestorID == nil }
func (r Record) Inherited() bool { return r.AncestorID != nil }

// InheritsFrom reports whether this record is an inherited copy of ancestorID.
func (r Record) InheritsFrom(ancestorID uuid.UUID) bool {
	return r.AncestorID != nil && *r.AncestorID == ancestorID
}
