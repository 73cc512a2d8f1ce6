package services

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"

	"github.com/iota-uz/approval-sdk/modules/approval/domain/approver"
	"github.com/iota-uz/approval-sdk/modules/approval/domain/assignment"
	"github.com/iota-uz/approval-sdk/pkg/composables"
	"github.com/iota-uz/approval-sdk/pkg/eventbus"
	"github.com/iota-uz/approval-sdk/pkg/serrors"
)

// ApproverService owns the approver record lifecycle: creation, activation,
// deactivation and deletion, including the inheritance cascades that keep
// descendant assignments in sync with their governing direct approver.
type ApproverService struct {
	assignments assignment.Repository
	approvers   approver.Repository
	levels      ApprovalLevelRepository
	hierarchy   HierarchyRepository
	resolver    ResolverRepository
	registry    *approver.Registry
	roles       RoleGranter
	publisher   eventbus.EventBus
}

func NewApproverService(
	assignments assignment.Repository,
	approvers approver.Repository,
	levels ApprovalLevelRepository,
	hierarchy HierarchyRepository,
	resolver ResolverRepository,
	registry *approver.Registry,
	roles RoleGranter,
	publisher eventbus.EventBus,
) *ApproverService {
	return &ApproverService{
		assignments: assignments,
		approvers:   approvers,
		levels:      levels,
		hierarchy:   hierarchy,
		resolver:    resolver,
		registry:    registry,
		roles:       roles,
		publisher:   publisher,
	}
}

func (s *ApproverService) resolverDeps() ResolverDeps {
	return ResolverDeps{
		Assignments: s.assignments,
		Approvers:   s.approvers,
		Hierarchy:   s.hierarchy,
		Resolver:    s.resolver,
	}
}

func tenantFromContext(ctx context.Context) (uuid.UUID, error) {
	tenantID, err := composables.UseTenantID(ctx)
	if err != nil {
		return uuid.Nil, validationError("APPROVAL_TENANT_REQUIRED", "tenant id missing from request context")
	}
	return tenantID, nil
}

// LevelContext loads the (assignment, level) pair into a resolution context.
// Callers previewing effective approvers on drafts pass activeMode false.
func (s *ApproverService) LevelContext(ctx context.Context, assignmentID, levelID uuid.UUID, activeMode bool) (*AssignmentApprovalLevel, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.levelContext(ctx, tenantID, assignmentID, levelID, activeMode)
}

func (s *ApproverService) levelContext(ctx context.Context, tenantID, assignmentID, levelID uuid.UUID, activeMode bool) (*AssignmentApprovalLevel, error) {
	a, err := s.assignments.GetByID(ctx, tenantID, assignmentID)
	if err != nil {
		return nil, mapPgError(err, "assignment not found")
	}
	lvl, err := s.levels.GetByID(ctx, tenantID, levelID)
	if err != nil {
		return nil, mapPgError(err, "approval level not found")
	}
	lc := NewAssignmentApprovalLevel(s.resolverDeps(), a, lvl)
	if activeMode {
		lc.WithActiveMode()
	}
	return lc, nil
}

type CreateApproverParams struct {
	AssignmentID uuid.UUID
	LevelID      uuid.UUID
	Kind         approver.Kind
	Identifier   int64
	// AncestorID marks the new record as an inherited copy of the
	// referenced record. Nil creates a direct, authoritative approver.
	AncestorID *uuid.UUID
}

// Create validates and persists an approver record, activates it, and runs
// the inheritance cascade. When the new record is direct it first deactivates
// the inherited records it supersedes at the same slot and below. The whole
// operation is one transaction.
func (s *ApproverService) Create(ctx context.Context, params CreateApproverParams) (approver.Record, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return approver.Record{}, err
	}

	var out approver.Record
	err = runInTx(ctx, func(txCtx context.Context) error {
		var txErr error
		out, txErr = s.create(txCtx, tenantID, params)
		return txErr
	})
	if err != nil {
		return approver.Record{}, err
	}
	s.publishSetChanged(tenantID, params.AssignmentID, params.LevelID)
	return out, nil
}

func (s *ApproverService) create(ctx context.Context, tenantID uuid.UUID, params CreateApproverParams) (approver.Record, error) {
	if params.AssignmentID == uuid.Nil {
		return approver.Record{}, validationError("APPROVAL_ASSIGNMENT_REQUIRED", "assignment id is required")
	}
	if params.LevelID == uuid.Nil {
		return approver.Record{}, validationError("APPROVAL_LEVEL_REQUIRED", "approval level id is required")
	}

	a, err := s.assignments.GetByID(ctx, tenantID, params.AssignmentID)
	if err != nil {
		return approver.Record{}, mapPgError(err, "assignment not found")
	}
	lvl, err := s.levels.GetByID(ctx, tenantID, params.LevelID)
	if err != nil {
		return approver.Record{}, mapPgError(err, "approval level not found")
	}
	if !lvl.Active {
		return approver.Record{}, validationError("APPROVAL_LEVEL_INACTIVE", "approval level is not active")
	}

	handler, ok := s.registry.Get(params.Kind)
	if !ok {
		return approver.Record{}, validationError("APPROVAL_UNKNOWN_KIND", "unknown approver kind")
	}
	if err := handler.Validate(ctx, tenantID, params.Identifier); err != nil {
		var base *serrors.BaseError
		if errors.As(err, &base) {
			return approver.Record{}, newValidationCause(base.Code, base.Message, err)
		}
		return approver.Record{}, mapPgError(err, "approver identifier validation failed")
	}

	if params.AncestorID != nil {
		if err := s.checkAncestorLink(ctx, tenantID, params); err != nil {
			return approver.Record{}, err
		}
	}

	existing, found, err := s.approvers.GetByTuple(ctx, tenantID, params.AssignmentID, params.LevelID, params.Kind, params.Identifier)
	if err != nil {
		return approver.Record{}, mapPgError(err, "approver lookup failed")
	}

	// A direct entry supersedes inherited ones at the same slot and in the
	// subtree below, so clear those before activating.
	if params.AncestorID == nil {
		if err := s.deactivateInherited(ctx, tenantID, a, lvl); err != nil {
			return approver.Record{}, err
		}
	}

	var rec approver.Record
	if found {
		// Refresh: the supersession pass above may have just deactivated it.
		rec, err = s.approvers.GetByID(ctx, tenantID, existing.ID)
		if err != nil {
			return approver.Record{}, mapPgError(err, "approver not found")
		}
		if rec.Active {
			recordWriteConflict("duplicate_active")
			return approver.Record{}, conflictError("APPROVAL_DUPLICATE_ACTIVE", "approver is already active for this assignment and level")
		}
		if err := s.approvers.SetAncestor(ctx, tenantID, rec.ID, params.AncestorID); err != nil {
			return approver.Record{}, mapPgError(err, "failed to update approver ancestry")
		}
		rec.AncestorID = params.AncestorID
	} else {
		rec, err = s.approvers.Create(ctx, approver.Record{
			ID:           uuid.New(),
			TenantID:     tenantID,
			AssignmentID: params.AssignmentID,
			LevelID:      params.LevelID,
			Kind:         params.Kind,
			Identifier:   params.Identifier,
			Active:       false,
			AncestorID:   params.AncestorID,
		})
		if err != nil {
			return approver.Record{}, mapPgError(err, "failed to create approver")
		}
	}

	lc := NewAssignmentApprovalLevel(s.resolverDeps(), a, lvl).WithActiveMode()
	return s.activateRecord(ctx, tenantID, rec, activateOptions{Level: lc})
}

func (s *ApproverService) checkAncestorLink(ctx context.Context, tenantID uuid.UUID, params CreateApproverParams) error {
	ancestor, err := s.approvers.GetByID(ctx, tenantID, *params.AncestorID)
	if err != nil {
		return mapPgError(err, "ancestor approver not found")
	}
	if ancestor.AssignmentID == params.AssignmentID {
		recordWriteConflict("self_ancestry")
		return conflictError("APPROVAL_SELF_ANCESTRY", "approver cannot inherit from a record on its own assignment")
	}
	if ancestor.Kind != params.Kind || ancestor.Identifier != params.Identifier || ancestor.LevelID != params.LevelID {
		recordWriteConflict("ancestor_mismatch")
		return conflictError("APPROVAL_ANCESTOR_MISMATCH", "ancestor approver kind, identifier and level must match")
	}
	return nil
}

// ActivateOptions controls the activation cascade. SkipDescendants is used
// when the caller already enumerated the eligible descendant set; Level, when
// provided, must be in active-mode.
type ActivateOptions struct {
	SkipDescendants bool
	Level           *AssignmentApprovalLevel
}

type activateOptions = ActivateOptions

func (s *ApproverService) Activate(ctx context.Context, recordID uuid.UUID, opts ActivateOptions) (approver.Record, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return approver.Record{}, err
	}

	var out approver.Record
	err = runInTx(ctx, func(txCtx context.Context) error {
		rec, txErr := s.approvers.GetByID(txCtx, tenantID, recordID)
		if txErr != nil {
			return mapPgError(txErr, "approver not found")
		}
		out, txErr = s.activateRecord(txCtx, tenantID, rec, opts)
		return txErr
	})
	if err != nil {
		return approver.Record{}, err
	}
	s.publishSetChanged(tenantID, out.AssignmentID, out.LevelID)
	return out, nil
}

func (s *ApproverService) activateRecord(ctx context.Context, tenantID uuid.UUID, rec approver.Record, opts activateOptions) (approver.Record, error) {
	if !rec.Active {
		if err := s.approvers.SetActive(ctx, tenantID, rec.ID, true); err != nil {
			return approver.Record{}, mapPgError(err, "failed to activate approver")
		}
		rec.Active = true
		if rec.Kind == approver.KindUser {
			if err := s.roles.Grant(ctx, tenantID, ApproverRoleName, rec.Identifier, rec.AssignmentID); err != nil {
				return approver.Record{}, mapPgError(err, "failed to grant approver role")
			}
		}
	}

	if opts.SkipDescendants {
		return rec, nil
	}

	lc := opts.Level
	if lc == nil {
		var err error
		lc, err = s.levelContext(ctx, tenantID, rec.AssignmentID, rec.LevelID, true)
		if err != nil {
			return approver.Record{}, err
		}
	}
	// A draft assignment does not govern the live tree yet; its approvers
	// propagate when the assignment itself activates.
	if lc.Assignment().Status() != assignment.StatusActive {
		return rec, nil
	}
	if err := s.createDescendants(ctx, tenantID, lc, rec); err != nil {
		return approver.Record{}, err
	}
	return rec, nil
}

// createDescendants copies rec down to every eligible descendant slot,
// linking each copy back via ancestor id. Eligibility queries are only
// meaningful over non-draft assignments, so the context must be in
// active-mode.
func (s *ApproverService) createDescendants(ctx context.Context, tenantID uuid.UUID, lc *AssignmentApprovalLevel, rec approver.Record) error {
	if !lc.ActiveMode() {
		return stateError("APPROVAL_NOT_ACTIVE_MODE", "descendant cascade requires an active-mode resolution context")
	}

	descendants, err := lc.Descendants(ctx)
	if err != nil {
		return err
	}

	created := 0
	for _, d := range descendants {
		existing, found, err := s.approvers.GetByTuple(ctx, tenantID, d.Assignment().ID(), lc.Level().ID, rec.Kind, rec.Identifier)
		if err != nil {
			return mapPgError(err, "descendant approver lookup failed")
		}
		var child approver.Record
		if found {
			if err := s.approvers.SetAncestor(ctx, tenantID, existing.ID, &rec.ID); err != nil {
				return mapPgError(err, "failed to relink descendant approver")
			}
			existing.AncestorID = &rec.ID
			child = existing
		} else {
			child, err = s.approvers.Create(ctx, approver.Record{
				ID:           uuid.New(),
				TenantID:     tenantID,
				AssignmentID: d.Assignment().ID(),
				LevelID:      lc.Level().ID,
				Kind:         rec.Kind,
				Identifier:   rec.Identifier,
				Active:       false,
				AncestorID:   &rec.ID,
			})
			if err != nil {
				return mapPgError(err, "failed to create descendant approver")
			}
		}
		if _, err := s.activateRecord(ctx, tenantID, child, activateOptions{SkipDescendants: true}); err != nil {
			return err
		}
		created++
	}
	recordCascade("activate", created)
	return nil
}

type DeactivateOptions struct {
	SkipDescendants bool
}

func (s *ApproverService) Deactivate(ctx context.Context, recordID uuid.UUID, opts DeactivateOptions) (approver.Record, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return approver.Record{}, err
	}

	var out approver.Record
	err = runInTx(ctx, func(txCtx context.Context) error {
		rec, txErr := s.approvers.GetByID(txCtx, tenantID, recordID)
		if txErr != nil {
			return mapPgError(txErr, "approver not found")
		}
		out, txErr = s.deactivateRecord(txCtx, tenantID, rec, opts.SkipDescendants)
		return txErr
	})
	if err != nil {
		return approver.Record{}, err
	}
	s.publishSetChanged(tenantID, out.AssignmentID, out.LevelID)
	return out, nil
}

// canDeactivate is a pre-check hook for blocking active dependents. The
// descendant cascade is the actual retraction mechanism today.
func (s *ApproverService) canDeactivate(_ context.Context, _ approver.Record) error {
	return nil
}

func (s *ApproverService) deactivateRecord(ctx context.Context, tenantID uuid.UUID, rec approver.Record, skipDescendants bool) (approver.Record, error) {
	if !rec.Active {
		return rec, nil
	}
	if err := s.canDeactivate(ctx, rec); err != nil {
		return approver.Record{}, err
	}

	if err := s.approvers.SetActive(ctx, tenantID, rec.ID, false); err != nil {
		return approver.Record{}, mapPgError(err, "failed to deactivate approver")
	}
	rec.Active = false

	// The role is assignment-scoped: revoke only when no other active record
	// on this assignment still references the user at another level.
	if rec.Kind == approver.KindUser {
		others, err := s.approvers.ListActiveByIdentifier(ctx, tenantID, rec.AssignmentID, rec.Kind, rec.Identifier)
		if err != nil {
			return approver.Record{}, mapPgError(err, "approver role check failed")
		}
		stillReferenced := false
		for _, other := range others {
			if other.ID != rec.ID {
				stillReferenced = true
				break
			}
		}
		if !stillReferenced {
			if err := s.roles.Revoke(ctx, tenantID, ApproverRoleName, rec.Identifier, rec.AssignmentID); err != nil {
				return approver.Record{}, mapPgError(err, "failed to revoke approver role")
			}
		}
	}

	if skipDescendants {
		return rec, nil
	}
	dependents, err := s.approvers.ListByAncestor(ctx, tenantID, rec.ID)
	if err != nil {
		return approver.Record{}, mapPgError(err, "descendant approver lookup failed")
	}
	if len(dependents) == 0 {
		return rec, nil
	}

	lc, err := s.levelContext(ctx, tenantID, rec.AssignmentID, rec.LevelID, true)
	if err != nil {
		return approver.Record{}, err
	}
	descendants, err := lc.Descendants(ctx)
	if err != nil {
		return approver.Record{}, err
	}

	// The ancestor fetch above is the one bulk read; prime each descendant
	// context from it instead of re-querying per slot.
	byAssignment := make(map[uuid.UUID][]approver.Record, len(dependents))
	for _, dep := range dependents {
		byAssignment[dep.AssignmentID] = append(byAssignment[dep.AssignmentID], dep)
	}

	retracted := 0
	for _, d := range descendants {
		d.SetApproversCache(byAssignment[d.Assignment().ID()])
		matches, err := d.Approvers(ctx, true)
		if err != nil {
			return approver.Record{}, err
		}
		for _, match := range matches {
			if !match.InheritsFrom(rec.ID) {
				continue
			}
			if _, err := s.deactivateRecord(ctx, tenantID, match, true); err != nil {
				return approver.Record{}, err
			}
			retracted++
		}
	}
	recordCascade("deactivate", retracted)
	return rec, nil
}

// Delete deactivates the record with its full cascade, then deletes every
// record tracing ancestry back to it, then the record itself.
func (s *ApproverService) Delete(ctx context.Context, recordID uuid.UUID) error {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}

	var assignmentID, levelID uuid.UUID
	err = runInTx(ctx, func(txCtx context.Context) error {
		rec, txErr := s.approvers.GetByID(txCtx, tenantID, recordID)
		if txErr != nil {
			return mapPgError(txErr, "approver not found")
		}
		assignmentID, levelID = rec.AssignmentID, rec.LevelID
		return s.deleteRecord(txCtx, tenantID, rec)
	})
	if err != nil {
		return err
	}
	s.publishSetChanged(tenantID, assignmentID, levelID)
	return nil
}

func (s *ApproverService) deleteRecord(ctx context.Context, tenantID uuid.UUID, rec approver.Record) error {
	if _, err := s.deactivateRecord(ctx, tenantID, rec, false); err != nil {
		return err
	}

	children, err := s.approvers.ListByAncestor(ctx, tenantID, rec.ID)
	if err != nil {
		return mapPgError(err, "descendant approver lookup failed")
	}
	for _, child := range children {
		if err := s.deleteRecord(ctx, tenantID, child); err != nil {
			return err
		}
	}
	recordCascade("delete", len(children))

	if err := s.approvers.Delete(ctx, tenantID, rec.ID); err != nil {
		return mapPgError(err, "failed to delete approver")
	}
	return nil
}

// DeactivateInheritedApprovers retracts active inherited approvers at the
// (assignment, level) slot and throughout its descendant subtree. It is
// always part of a larger state change, so a caller-supplied transaction is
// required.
func (s *ApproverService) DeactivateInheritedApprovers(ctx context.Context, assignmentID, levelID uuid.UUID) error {
	if !composables.HasTx(ctx) {
		return stateError("APPROVAL_TX_REQUIRED", "inherited approver retraction requires a caller-supplied transaction")
	}
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}
	a, err := s.assignments.GetByID(ctx, tenantID, assignmentID)
	if err != nil {
		return mapPgError(err, "assignment not found")
	}
	lvl, err := s.levels.GetByID(ctx, tenantID, levelID)
	if err != nil {
		return mapPgError(err, "approval level not found")
	}
	return s.deactivateInherited(ctx, tenantID, a, lvl)
}

func (s *ApproverService) deactivateInherited(ctx context.Context, tenantID uuid.UUID, a assignment.Assignment, lvl ApprovalLevelRow) error {
	// The default assignment never inherits; nothing to retract.
	if a.IsDefault() {
		return nil
	}

	if err := s.deactivateInheritedAt(ctx, tenantID, a.ID(), lvl.ID); err != nil {
		return err
	}
	// Only a live assignment's override retracts inherited copies below it.
	if a.Status() != assignment.StatusActive {
		return nil
	}

	lc := NewAssignmentApprovalLevel(s.resolverDeps(), a, lvl).WithActiveMode()
	descendants, err := lc.Descendants(ctx)
	if err != nil {
		return err
	}
	for _, d := range descendants {
		if err := s.deactivateInheritedAt(ctx, tenantID, d.Assignment().ID(), lvl.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *ApproverService) deactivateInheritedAt(ctx context.Context, tenantID, assignmentID, levelID uuid.UUID) error {
	records, err := s.approvers.ListByAssignmentLevel(ctx, tenantID, assignmentID, levelID, approver.ListFilter{ActiveOnly: true})
	if err != nil {
		return mapPgError(err, "approver lookup failed")
	}
	for _, rec := range records {
		if rec.Direct() {
			continue
		}
		if _, err := s.deactivateRecord(ctx, tenantID, rec, true); err != nil {
			return err
		}
	}
	return nil
}

// ResolveApproverUsers expands the effective approvers at a slot into
// concrete user ids against the given subject. Dangling identifier
// references are tolerated and skipped; the resolved list is best-effort
// over the known-active set.
func (s *ApproverService) ResolveApproverUsers(ctx context.Context, assignmentID, levelID uuid.UUID, rc approver.ResolutionContext) ([]int64, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	lc, err := s.levelContext(ctx, tenantID, assignmentID, levelID, true)
	if err != nil {
		return nil, err
	}
	records, err := lc.ApproversWithInheritance(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{}, len(records))
	out := make([]int64, 0, len(records))
	add := func(id int64) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for _, rec := range records {
		switch rec.Kind {
		case approver.KindUser:
			add(rec.Identifier)
		default:
			handler, ok := s.registry.Get(rec.Kind)
			if !ok {
				continue
			}
			expander, ok := handler.(approver.UserExpander)
			if !ok {
				continue
			}
			userIDs, err := expander.ExpandUsers(ctx, tenantID, rec.Identifier, rc)
			if err != nil {
				if IsNotFound(err) || isUnknownReference(err) {
					continue
				}
				return nil, err
			}
			for _, id := range userIDs {
				add(id)
			}
		}
	}
	slices.Sort(out)
	return out, nil
}

func isUnknownReference(err error) bool {
	return errors.Is(err, approver.ErrUnknownUser) ||
		errors.Is(err, approver.ErrUnknownRelationship) ||
		errors.Is(err, approver.ErrUnknownKind)
}

func newValidationCause(code, message string, cause error) *ServiceError {
	e := validationError(code, message)
	e.Cause = cause
	return e
}

func (s *ApproverService) publishSetChanged(tenantID, assignmentID, levelID uuid.UUID) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ApproverSetChanged{
		TenantID:     tenantID,
		AssignmentID: assignmentID,
		LevelID:      levelID,
	})
}
