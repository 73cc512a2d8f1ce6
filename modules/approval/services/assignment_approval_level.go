package services

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/iota-uz/approval-sdk/modules/approval/domain/approver"
	"github.com/iota-uz/approval-sdk/modules/approval/domain/assignment"
)

// descendantExclusionBreakpoint is the largest ineligible-subtree count for
// which exclusion is pushed into SQL as NOT-LIKE path clauses. Above it the
// candidate set is fetched unfiltered and pruned in memory, bounding query
// plan complexity.
const descendantExclusionBreakpoint = 32

// ResolverDeps bundles the read-side collaborators of the inheritance
// resolver.
type ResolverDeps struct {
	Assignments assignment.Repository
	Approvers   approver.Repository
	Hierarchy   HierarchyRepository
	Resolver    ResolverRepository
}

// AssignmentApprovalLevel is a transient resolution context pairing one
// assignment with one approval level. It is not persisted; it exists to run
// inheritance queries.
//
// Active-mode restricts every ancestor/descendant search to non-draft
// assignments. Mutating cascades always run in active-mode; previewing
// effective approvers on a draft does not.
type AssignmentApprovalLevel struct {
	deps       ResolverDeps
	assignment assignment.Assignment
	level      ApprovalLevelRow
	activeMode bool

	cache       []approver.Record
	cachePrimed bool
}

func NewAssignmentApprovalLevel(deps ResolverDeps, a assignment.Assignment, level ApprovalLevelRow) *AssignmentApprovalLevel {
	return &AssignmentApprovalLevel{deps: deps, assignment: a, level: level}
}

func (l *AssignmentApprovalLevel) WithActiveMode() *AssignmentApprovalLevel {
	l.activeMode = true
	return l
}

func (l *AssignmentApprovalLevel) ActiveMode() bool                  { return l.activeMode }
func (l *AssignmentApprovalLevel) Assignment() assignment.Assignment { return l.assignment }
func (l *AssignmentApprovalLevel) Level() ApprovalLevelRow           { return l.level }

// SetApproversCache primes the active-approver cache for this context. A
// primed cache always wins over a fresh query; callers iterating many
// descendant contexts prime it from one bulk fetch.
func (l *AssignmentApprovalLevel) SetApproversCache(records []approver.Record) {
	active := make([]approver.Record, 0, len(records))
	for _, rec := range records {
		if rec.Active {
			active = append(active, rec)
		}
	}
	l.cache = active
	l.cachePrimed = true
}

// sibling builds a context for another assignment at the same level,
// carrying over active-mode.
func (l *AssignmentApprovalLevel) sibling(a assignment.Assignment) *AssignmentApprovalLevel {
	s := NewAssignmentApprovalLevel(l.deps, a, l.level)
	s.activeMode = l.activeMode
	return s
}

// resolveNode fetches this assignment's hierarchy node, mapping a missing row
// to a 404 rather than leaking pgx.ErrNoRows.
func (l *AssignmentApprovalLevel) resolveNode(ctx context.Context) (HierarchyEntity, error) {
	entity, err := l.deps.Hierarchy.Resolve(ctx, l.assignment.TenantID(), l.assignment.TargetType(), l.assignment.TargetID())
	if err != nil {
		if isNoRows(err) {
			return HierarchyEntity{}, notFoundError("APPROVAL_NODE_MISSING", "hierarchy node not found for assignment target", err)
		}
		return HierarchyEntity{}, mapPgError(err, "resolve hierarchy node")
	}
	return entity, nil
}

func (l *AssignmentApprovalLevel) searchStatuses() []assignment.Status {
	if l.activeMode {
		return []assignment.Status{assignment.StatusActive}
	}
	return []assignment.Status{assignment.StatusDraft, assignment.StatusActive}
}

// Approvers returns the active approver records at this (assignment, level).
// When includeInherited is false only direct records are returned.
func (l *AssignmentApprovalLevel) Approvers(ctx context.Context, includeInherited bool) ([]approver.Record, error) {
	if l.cachePrimed {
		out := make([]approver.Record, 0, len(l.cache))
		for _, rec := range l.cache {
			if !includeInherited && rec.Inherited() {
				continue
			}
			out = append(out, rec)
		}
		return out, nil
	}
	return l.deps.Approvers.ListByAssignmentLevel(ctx, l.assignment.TenantID(), l.assignment.ID(), l.level.ID, approver.ListFilter{
		ActiveOnly: true,
		DirectOnly: !includeInherited,
	})
}

// ApproversWithInheritance returns the effective approvers at this slot: its
// own records when any exist (or when this is the default assignment), else
// the direct approvers of the resolved ancestor level. The ancestor's
// records are not re-resolved recursively; its own resolution already
// guarantees they are direct or were propagated down.
func (l *AssignmentApprovalLevel) ApproversWithInheritance(ctx context.Context) ([]approver.Record, error) {
	own, err := l.Approvers(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(own) > 0 || l.assignment.IsDefault() {
		return own, nil
	}
	ancestor, err := l.AncestorLevel(ctx)
	if err != nil {
		return nil, err
	}
	if ancestor == nil {
		return own, nil
	}
	return ancestor.Approvers(ctx, false)
}

// InheritedFromLevel returns the level this slot inherits from, or nil when
// it holds direct approvers of its own.
func (l *AssignmentApprovalLevel) InheritedFromLevel(ctx context.Context) (*AssignmentApprovalLevel, error) {
	direct, err := l.Approvers(ctx, false)
	if err != nil {
		return nil, err
	}
	if len(direct) > 0 {
		return nil, nil
	}
	return l.AncestorLevel(ctx)
}

// AncestorLevel resolves the level this slot would inherit from: the nearest
// hierarchy ancestor holding an assignment with direct approvers at this
// level, or the default assignment's level. Returns nil for the default
// assignment itself.
func (l *AssignmentApprovalLevel) AncestorLevel(ctx context.Context) (*AssignmentApprovalLevel, error) {
	if l.assignment.IsDefault() {
		return nil, nil
	}

	tenantID := l.assignment.TenantID()
	def, err := l.deps.Assignments.GetDefault(ctx, tenantID, l.assignment.ContainerID())
	if err != nil {
		if isNoRows(err) {
			return nil, notFoundError("APPROVAL_DEFAULT_MISSING", "container has no default assignment", err)
		}
		return nil, mapPgError(err, "resolve default assignment")
	}
	fallback := l.sibling(def)

	// Audiences do not form a hierarchy; they inherit straight from the
	// default assignment.
	if !l.assignment.TargetType().Hierarchical() {
		return fallback, nil
	}

	entity, err := l.resolveNode(ctx)
	if err != nil {
		return nil, err
	}

	candidates := ancestorCandidates(entity)
	if len(candidates) == 0 {
		return fallback, nil
	}

	found, err := l.deps.Assignments.Find(ctx, tenantID, assignment.FindParams{
		ContainerID: l.assignment.ContainerID(),
		TargetType:  l.assignment.TargetType(),
		TargetIDs:   candidates,
		Statuses:    l.searchStatuses(),
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return fallback, nil
	}

	byTarget := make(map[uuid.UUID][]assignment.Assignment, len(found))
	for _, a := range found {
		byTarget[a.TargetID()] = append(byTarget[a.TargetID()], a)
	}

	// Nearest candidate last in the slice; walk backwards. The first
	// candidate holding a matching assignment settles the question: either
	// it governs, or inheritance falls back to the default assignment.
	for i := len(candidates) - 1; i >= 0; i-- {
		matches := byTarget[candidates[i]]
		if len(matches) == 0 {
			continue
		}
		if len(matches) > 1 {
			recordWriteConflict("ambiguous_ancestor")
			return nil, conflictError("APPROVAL_AMBIGUOUS_ANCESTOR", "multiple assignments match one ancestor node")
		}
		candidate := l.sibling(matches[0])
		direct, err := candidate.Approvers(ctx, false)
		if err != nil {
			return nil, err
		}
		if len(direct) > 0 {
			return candidate, nil
		}
		break
	}
	return fallback, nil
}

// ancestorCandidates turns a hierarchy entity into the ordered ancestor id
// list to search: root to leaf, minus the top framework node and the entity's
// own node.
func ancestorCandidates(entity HierarchyEntity) []uuid.UUID {
	path := entity.Ancestors
	if len(path) > 0 {
		path = path[1:]
	}
	out := make([]uuid.UUID, 0, len(path))
	for _, id := range path {
		if id == entity.ID {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Descendants returns a context for every assignment that would inherit from
// this slot: same container, type and level, inside this node's subtree, not
// holding a direct approver of its own. For audience assignments only the
// default propagates, to every non-default audience assignment.
func (l *AssignmentApprovalLevel) Descendants(ctx context.Context) ([]*AssignmentApprovalLevel, error) {
	tenantID := l.assignment.TenantID()

	if !l.assignment.TargetType().Hierarchical() {
		if !l.assignment.IsDefault() {
			return nil, nil
		}
		rows, err := l.deps.Resolver.ListAudienceDescendants(ctx, tenantID, AudienceQuery{
			ContainerID:  l.assignment.ContainerID(),
			LevelID:      l.level.ID,
			IncludeDraft: !l.activeMode,
		})
		if err != nil {
			return nil, err
		}
		return l.wrapRows(rows), nil
	}

	entity, err := l.resolveNode(ctx)
	if err != nil {
		return nil, err
	}

	subtree := SubtreeQuery{
		ContainerID:         l.assignment.ContainerID(),
		TargetType:          l.assignment.TargetType(),
		PathPrefix:          entity.Path,
		LevelID:             l.level.ID,
		IncludeDraft:        !l.activeMode,
		ExcludeAssignmentID: l.assignment.ID(),
	}

	holders, err := l.deps.Resolver.ListDirectHolderPaths(ctx, tenantID, subtree)
	if err != nil {
		return nil, err
	}

	query := DescendantQuery{SubtreeQuery: subtree}
	if len(holders) <= descendantExclusionBreakpoint {
		recordDescendantStrategy("sql")
		for _, h := range holders {
			query.ExcludePathPrefixes = append(query.ExcludePathPrefixes, h.Path)
		}
		rows, err := l.deps.Resolver.ListDescendantCandidates(ctx, tenantID, query)
		if err != nil {
			return nil, err
		}
		return l.wrapRows(rows), nil
	}

	recordDescendantStrategy("memory")
	rows, err := l.deps.Resolver.ListDescendantCandidates(ctx, tenantID, query)
	if err != nil {
		return nil, err
	}
	kept := rows[:0]
	for _, row := range rows {
		excluded := false
		for _, h := range holders {
			if underPath(row.Path, h.Path) {
				excluded = true
				break
			}
		}
		if !excluded {
			kept = append(kept, row)
		}
	}
	return l.wrapRows(kept), nil
}

func (l *AssignmentApprovalLevel) wrapRows(rows []AssignmentPathRow) []*AssignmentApprovalLevel {
	out := make([]*AssignmentApprovalLevel, 0, len(rows))
	for _, row := range rows {
		if row.Assignment.ID() == l.assignment.ID() {
			continue
		}
		out = append(out, l.sibling(row.Assignment))
	}
	return out
}

// underPath reports whether path lies at or below prefix in the hierarchy.
// Must agree with the SQL exclusion clauses in the resolver repository.
func underPath(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
