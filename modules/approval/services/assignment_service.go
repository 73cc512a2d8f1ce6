package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/iota-uz/approval-sdk/modules/approval/domain/approver"
	"github.com/iota-uz/approval-sdk/modules/approval/domain/assignment"
	"github.com/iota-uz/approval-sdk/pkg/eventbus"
)

// AssignmentService owns assignment lifecycle transitions. Activation and
// archival drive the approver inheritance tree through the approver service.
type AssignmentService struct {
	assignments assignment.Repository
	approvers   approver.Repository
	levels      ApprovalLevelRepository
	lifecycle   *ApproverService
	publisher   eventbus.EventBus
}

func NewAssignmentService(
	assignments assignment.Repository,
	approvers approver.Repository,
	levels ApprovalLevelRepository,
	lifecycle *ApproverService,
	publisher eventbus.EventBus,
) *AssignmentService {
	return &AssignmentService{
		assignments: assignments,
		approvers:   approvers,
		levels:      levels,
		lifecycle:   lifecycle,
		publisher:   publisher,
	}
}

type CreateAssignmentParams struct {
	ContainerID uuid.UUID
	TargetType  assignment.TargetType
	TargetID    uuid.UUID
	IsDefault   bool
	// IDNumber is the external reference; generated when empty.
	IDNumber string
}

func (s *AssignmentService) Create(ctx context.Context, params CreateAssignmentParams) (assignment.Assignment, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return assignment.Assignment{}, err
	}
	if params.ContainerID == uuid.Nil {
		return assignment.Assignment{}, validationError("APPROVAL_CONTAINER_REQUIRED", "container id is required")
	}
	if !params.TargetType.Valid() {
		return assignment.Assignment{}, validationError("APPROVAL_INVALID_TARGET_TYPE", "unknown assignment target type")
	}
	if params.TargetID == uuid.Nil && !params.IsDefault {
		return assignment.Assignment{}, validationError("APPROVAL_TARGET_REQUIRED", "target id is required")
	}

	return runInTxResult(ctx, func(txCtx context.Context) (assignment.Assignment, error) {
		if params.IsDefault {
			existing, err := s.assignments.GetDefault(txCtx, tenantID, params.ContainerID)
			if err != nil && !isNoRows(err) {
				return assignment.Assignment{}, mapPgError(err, "default assignment lookup failed")
			}
			if err == nil && !existing.IsZero() {
				recordWriteConflict("duplicate_default")
				return assignment.Assignment{}, conflictError("APPROVAL_DUPLICATE_DEFAULT", "container already has a default assignment")
			}
		}

		// One non-archived assignment per (container, type, target).
		matches, err := s.assignments.Find(txCtx, tenantID, assignment.FindParams{
			ContainerID: params.ContainerID,
			TargetType:  params.TargetType,
			TargetIDs:   []uuid.UUID{params.TargetID},
			Statuses:    []assignment.Status{assignment.StatusDraft, assignment.StatusActive},
		})
		if err != nil {
			return assignment.Assignment{}, mapPgError(err, "assignment lookup failed")
		}
		if len(matches) > 0 {
			recordWriteConflict("duplicate_assignment")
			return assignment.Assignment{}, conflictError("APPROVAL_DUPLICATE_ASSIGNMENT", "a non-archived assignment already exists for this target")
		}

		idNumber := params.IDNumber
		if strings.TrimSpace(idNumber) == "" {
			idNumber = nextAssignmentIDNumber()
		}
		created, err := s.assignments.Create(txCtx, assignment.New(
			tenantID,
			params.ContainerID,
			params.TargetType,
			params.TargetID,
			params.IsDefault,
			idNumber,
		))
		if err != nil {
			return assignment.Assignment{}, mapPgError(err, "failed to create assignment")
		}
		return created, nil
	})
}

func nextAssignmentIDNumber() string {
	id := uuid.New()
	return fmt.Sprintf("APPR-%08X", id.ID())
}

func (s *AssignmentService) GetByID(ctx context.Context, id uuid.UUID) (assignment.Assignment, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return assignment.Assignment{}, err
	}
	a, err := s.assignments.GetByID(ctx, tenantID, id)
	if err != nil {
		return assignment.Assignment{}, mapPgError(err, "assignment not found")
	}
	return a, nil
}

func (s *AssignmentService) Find(ctx context.Context, params assignment.FindParams) ([]assignment.Assignment, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	out, err := s.assignments.Find(ctx, tenantID, params)
	if err != nil {
		return nil, mapPgError(err, "assignment lookup failed")
	}
	return out, nil
}

// Activate transitions a draft assignment to active and rebuilds the
// inherited approver tree for every active level of the container: the
// assignment's own direct approvers propagate down, and slots without a
// direct approver are refilled from the resolved ancestor.
func (s *AssignmentService) Activate(ctx context.Context, id uuid.UUID) (assignment.Assignment, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return assignment.Assignment{}, err
	}

	out, err := runInTxResult(ctx, func(txCtx context.Context) (assignment.Assignment, error) {
		a, err := s.assignments.GetByID(txCtx, tenantID, id)
		if err != nil {
			return assignment.Assignment{}, mapPgError(err, "assignment not found")
		}
		if !a.CanActivate() {
			return assignment.Assignment{}, stateError("APPROVAL_NOT_DRAFT", "only draft assignments can be activated")
		}
		if err := s.assignments.SetStatus(txCtx, tenantID, a.ID(), assignment.StatusActive); err != nil {
			return assignment.Assignment{}, mapPgError(err, "failed to activate assignment")
		}
		a = a.WithStatus(assignment.StatusActive)

		levels, err := s.levels.ListActiveByContainer(txCtx, tenantID, a.ContainerID())
		if err != nil {
			return assignment.Assignment{}, mapPgError(err, "approval level lookup failed")
		}
		for _, lvl := range levels {
			if err := s.rebuildLevel(txCtx, tenantID, a, lvl); err != nil {
				return assignment.Assignment{}, err
			}
		}
		return a, nil
	})
	if err != nil {
		return assignment.Assignment{}, err
	}
	s.publishActivated(tenantID, out.ID())
	return out, nil
}

// rebuildLevel re-establishes the inheritance state at one level after the
// assignment turned active. With direct approvers of its own the assignment
// now governs its subtree; without them it joins the ancestor's descendant
// set and re-running the ancestor cascade fills the slot and relinks the
// subtree below.
func (s *AssignmentService) rebuildLevel(ctx context.Context, tenantID uuid.UUID, a assignment.Assignment, lvl ApprovalLevelRow) error {
	lc := NewAssignmentApprovalLevel(s.lifecycle.resolverDeps(), a, lvl).WithActiveMode()

	direct, err := lc.Approvers(ctx, false)
	if err != nil {
		return err
	}
	if len(direct) > 0 {
		// The fresh override shadows whatever the subtree inherited before.
		if err := s.lifecycle.deactivateInherited(ctx, tenantID, a, lvl); err != nil {
			return err
		}
		for _, rec := range direct {
			if err := s.lifecycle.createDescendants(ctx, tenantID, lc, rec); err != nil {
				return err
			}
		}
		return nil
	}

	ancestor, err := lc.AncestorLevel(ctx)
	if err != nil {
		return err
	}
	if ancestor == nil {
		return nil
	}
	ancestorDirect, err := ancestor.Approvers(ctx, false)
	if err != nil {
		return err
	}
	for _, rec := range ancestorDirect {
		if _, err := s.lifecycle.activateRecord(ctx, tenantID, rec, activateOptions{Level: ancestor}); err != nil {
			return err
		}
	}
	return nil
}

// Archive deactivates every approver on the assignment, cascading retraction
// of inherited copies below, then marks the assignment archived.
func (s *AssignmentService) Archive(ctx context.Context, id uuid.UUID) (assignment.Assignment, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return assignment.Assignment{}, err
	}

	out, err := runInTxResult(ctx, func(txCtx context.Context) (assignment.Assignment, error) {
		a, err := s.assignments.GetByID(txCtx, tenantID, id)
		if err != nil {
			return assignment.Assignment{}, mapPgError(err, "assignment not found")
		}
		if !a.CanArchive() {
			return assignment.Assignment{}, stateError("APPROVAL_ALREADY_ARCHIVED", "assignment is already archived")
		}

		active, err := s.approvers.ListByAssignment(txCtx, tenantID, a.ID(), true)
		if err != nil {
			return assignment.Assignment{}, mapPgError(err, "approver lookup failed")
		}
		for _, rec := range active {
			// Inherited copies retract locally; direct records drag their
			// own descendants down with them.
			if _, err := s.lifecycle.deactivateRecord(txCtx, tenantID, rec, rec.Inherited()); err != nil {
				return assignment.Assignment{}, err
			}
		}

		if err := s.assignments.SetStatus(txCtx, tenantID, a.ID(), assignment.StatusArchived); err != nil {
			return assignment.Assignment{}, mapPgError(err, "failed to archive assignment")
		}
		return a.WithStatus(assignment.StatusArchived), nil
	})
	if err != nil {
		return assignment.Assignment{}, err
	}
	s.publishArchived(tenantID, out.ID())
	return out, nil
}

// Delete removes a draft assignment and its approver records. Active and
// archived assignments are kept for audit.
func (s *AssignmentService) Delete(ctx context.Context, id uuid.UUID) error {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}
	return runInTx(ctx, func(txCtx context.Context) error {
		a, err := s.assignments.GetByID(txCtx, tenantID, id)
		if err != nil {
			return mapPgError(err, "assignment not found")
		}
		if !a.CanDelete() {
			return stateError("APPROVAL_NOT_DRAFT", "only draft assignments can be deleted")
		}

		records, err := s.approvers.ListByAssignment(txCtx, tenantID, a.ID(), false)
		if err != nil {
			return mapPgError(err, "approver lookup failed")
		}
		for _, rec := range records {
			if err := s.lifecycle.deleteRecord(txCtx, tenantID, rec); err != nil {
				return err
			}
		}
		if err := s.assignments.Delete(txCtx, tenantID, a.ID()); err != nil {
			return mapPgError(err, "failed to delete assignment")
		}
		return nil
	})
}

// EffectiveApprovers returns the approvers that govern the slot, resolved
// through inheritance. Preview mode widens the search to draft assignments.
func (s *AssignmentService) EffectiveApprovers(ctx context.Context, assignmentID, levelID uuid.UUID, preview bool) ([]approver.Record, error) {
	lc, err := s.lifecycle.LevelContext(ctx, assignmentID, levelID, !preview)
	if err != nil {
		return nil, err
	}
	return lc.ApproversWithInheritance(ctx)
}

func (s *AssignmentService) publishActivated(tenantID, assignmentID uuid.UUID) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(AssignmentActivated{TenantID: tenantID, AssignmentID: assignmentID})
}

func (s *AssignmentService) publishArchived(tenantID, assignmentID uuid.UUID) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(AssignmentArchived{TenantID: tenantID, AssignmentID: assignmentID})
}
