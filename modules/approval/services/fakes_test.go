package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/approval-sdk/modules/approval/domain/approver"
	"github.com/iota-uz/approval-sdk/modules/approval/domain/assignment"
	"github.com/iota-uz/approval-sdk/pkg/composables"
)

// memStore backs all repository fakes with one consistent in-memory state.
// Slices keep insertion order so list results are deterministic.
type memStore struct {
	assignments      map[uuid.UUID]assignment.Assignment
	assignmentOrder  []uuid.UUID
	approvers        map[uuid.UUID]approver.Record
	approverOrder    []uuid.UUID
	levels           map[uuid.UUID]ApprovalLevelRow
	levelOrder       []uuid.UUID
	paths            map[uuid.UUID]string
	approverListHits int
}

func newMemStore() *memStore {
	return &memStore{
		assignments: make(map[uuid.UUID]assignment.Assignment),
		approvers:   make(map[uuid.UUID]approver.Record),
		levels:      make(map[uuid.UUID]ApprovalLevelRow),
		paths:       make(map[uuid.UUID]string),
	}
}

func (m *memStore) orderedAssignments() []assignment.Assignment {
	out := make([]assignment.Assignment, 0, len(m.assignmentOrder))
	for _, id := range m.assignmentOrder {
		if a, ok := m.assignments[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

func (m *memStore) orderedApprovers() []approver.Record {
	out := make([]approver.Record, 0, len(m.approverOrder))
	for _, id := range m.approverOrder {
		if rec, ok := m.approvers[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func (m *memStore) hasDirectActiveApprover(assignmentID, levelID uuid.UUID) bool {
	for _, rec := range m.orderedApprovers() {
		if rec.AssignmentID == assignmentID && rec.LevelID == levelID && rec.Active && rec.Direct() {
			return true
		}
	}
	return false
}

func statusIn(s assignment.Status, statuses []assignment.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

type assignmentRepoFake struct{ store *memStore }

func (r *assignmentRepoFake) GetByID(_ context.Context, _ uuid.UUID, id uuid.UUID) (assignment.Assignment, error) {
	a, ok := r.store.assignments[id]
	if !ok {
		return assignment.Assignment{}, pgx.ErrNoRows
	}
	return a, nil
}

func (r *assignmentRepoFake) GetDefault(_ context.Context, _ uuid.UUID, containerID uuid.UUID) (assignment.Assignment, error) {
	for _, a := range r.store.orderedAssignments() {
		if a.ContainerID() == containerID && a.IsDefault() && a.Status() != assignment.StatusArchived {
			return a, nil
		}
	}
	return assignment.Assignment{}, pgx.ErrNoRows
}

func (r *assignmentRepoFake) Find(_ context.Context, _ uuid.UUID, params assignment.FindParams) ([]assignment.Assignment, error) {
	var out []assignment.Assignment
	for _, a := range r.store.orderedAssignments() {
		if a.ContainerID() != params.ContainerID {
			continue
		}
		if params.TargetType != "" && a.TargetType() != params.TargetType {
			continue
		}
		if len(params.TargetIDs) > 0 {
			matched := false
			for _, id := range params.TargetIDs {
				if a.TargetID() == id {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		if !statusIn(a.Status(), params.Statuses) {
			continue
		}
		if params.IsDefault != nil && a.IsDefault() != *params.IsDefault {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *assignmentRepoFake) Create(_ context.Context, a assignment.Assignment) (assignment.Assignment, error) {
	now := time.Now()
	created := assignment.Hydrate(
		uuid.New(), a.TenantID(), a.ContainerID(), a.TargetType(), a.TargetID(),
		a.Status(), a.IsDefault(), a.IDNumber(), now, now,
	)
	r.store.assignments[created.ID()] = created
	r.store.assignmentOrder = append(r.store.assignmentOrder, created.ID())
	return created, nil
}

func (r *assignmentRepoFake) SetStatus(_ context.Context, _ uuid.UUID, id uuid.UUID, status assignment.Status) error {
	a, ok := r.store.assignments[id]
	if !ok {
		return pgx.ErrNoRows
	}
	r.store.assignments[id] = a.WithStatus(status)
	return nil
}

func (r *assignmentRepoFake) Delete(_ context.Context, _ uuid.UUID, id uuid.UUID) error {
	if _, ok := r.store.assignments[id]; !ok {
		return pgx.ErrNoRows
	}
	delete(r.store.assignments, id)
	return nil
}

type approverRepoFake struct{ store *memStore }

func (r *approverRepoFake) GetByID(_ context.Context, _ uuid.UUID, id uuid.UUID) (approver.Record, error) {
	rec, ok := r.store.approvers[id]
	if !ok {
		return approver.Record{}, pgx.ErrNoRows
	}
	return rec, nil
}

func (r *approverRepoFake) GetByTuple(_ context.Context, _, assignmentID, levelID uuid.UUID, kind approver.Kind, identifier int64) (approver.Record, bool, error) {
	for _, rec := range r.store.orderedApprovers() {
		if rec.AssignmentID == assignmentID && rec.LevelID == levelID && rec.Kind == kind && rec.Identifier == identifier {
			return rec, true, nil
		}
	}
	return approver.Record{}, false, nil
}

func (r *approverRepoFake) ListByAssignmentLevel(_ context.Context, _, assignmentID, levelID uuid.UUID, filter approver.ListFilter) ([]approver.Record, error) {
	r.store.approverListHits++
	var out []approver.Record
	for _, rec := range r.store.orderedApprovers() {
		if rec.AssignmentID != assignmentID || rec.LevelID != levelID {
			continue
		}
		if filter.ActiveOnly && !rec.Active {
			continue
		}
		if filter.DirectOnly && rec.Inherited() {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *approverRepoFake) ListByAssignment(_ context.Context, _, assignmentID uuid.UUID, activeOnly bool) ([]approver.Record, error) {
	var out []approver.Record
	for _, rec := range r.store.orderedApprovers() {
		if rec.AssignmentID != assignmentID {
			continue
		}
		if activeOnly && !rec.Active {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *approverRepoFake) ListByAncestor(_ context.Context, _, ancestorID uuid.UUID) ([]approver.Record, error) {
	var out []approver.Record
	for _, rec := range r.store.orderedApprovers() {
		if rec.InheritsFrom(ancestorID) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *approverRepoFake) ListActiveByIdentifier(_ context.Context, _, assignmentID uuid.UUID, kind approver.Kind, identifier int64) ([]approver.Record, error) {
	var out []approver.Record
	for _, rec := range r.store.orderedApprovers() {
		if rec.AssignmentID == assignmentID && rec.Kind == kind && rec.Identifier == identifier && rec.Active {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *approverRepoFake) Create(_ context.Context, rec approver.Record) (approver.Record, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	r.store.approvers[rec.ID] = rec
	r.store.approverOrder = append(r.store.approverOrder, rec.ID)
	return rec, nil
}

func (r *approverRepoFake) SetActive(_ context.Context, _ uuid.UUID, id uuid.UUID, active bool) error {
	rec, ok := r.store.approvers[id]
	if !ok {
		return pgx.ErrNoRows
	}
	if active && !rec.Active {
		// Mirror the partial unique index on active tuples.
		for _, other := range r.store.orderedApprovers() {
			if other.ID == id {
				continue
			}
			if other.AssignmentID == rec.AssignmentID && other.LevelID == rec.LevelID &&
				other.Kind == rec.Kind && other.Identifier == rec.Identifier && other.Active {
				return &pgconn.PgError{Code: "23505", ConstraintName: constraintApproverActiveTuple}
			}
		}
	}
	rec.Active = active
	rec.UpdatedAt = time.Now()
	r.store.approvers[id] = rec
	return nil
}

func (r *approverRepoFake) SetAncestor(_ context.Context, _ uuid.UUID, id uuid.UUID, ancestorID *uuid.UUID) error {
	rec, ok := r.store.approvers[id]
	if !ok {
		return pgx.ErrNoRows
	}
	rec.AncestorID = ancestorID
	rec.UpdatedAt = time.Now()
	r.store.approvers[id] = rec
	return nil
}

func (r *approverRepoFake) Delete(_ context.Context, _ uuid.UUID, id uuid.UUID) error {
	if _, ok := r.store.approvers[id]; !ok {
		return pgx.ErrNoRows
	}
	delete(r.store.approvers, id)
	return nil
}

type levelRepoFake struct{ store *memStore }

func (r *levelRepoFake) GetByID(_ context.Context, _ uuid.UUID, id uuid.UUID) (ApprovalLevelRow, error) {
	lvl, ok := r.store.levels[id]
	if !ok {
		return ApprovalLevelRow{}, pgx.ErrNoRows
	}
	return lvl, nil
}

func (r *levelRepoFake) ListActiveByContainer(_ context.Context, _ uuid.UUID, containerID uuid.UUID) ([]ApprovalLevelRow, error) {
	var out []ApprovalLevelRow
	for _, id := range r.store.levelOrder {
		lvl := r.store.levels[id]
		if lvl.ContainerID == containerID && lvl.Active {
			out = append(out, lvl)
		}
	}
	return out, nil
}

type hierarchyFake struct{ store *memStore }

func (r *hierarchyFake) Resolve(_ context.Context, _ uuid.UUID, _ assignment.TargetType, targetID uuid.UUID) (HierarchyEntity, error) {
	path, ok := r.store.paths[targetID]
	if !ok {
		return HierarchyEntity{}, pgx.ErrNoRows
	}
	var ancestors []uuid.UUID
	for _, seg := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if seg == "" {
			continue
		}
		id, err := uuid.Parse(seg)
		if err != nil {
			return HierarchyEntity{}, err
		}
		ancestors = append(ancestors, id)
	}
	return HierarchyEntity{ID: targetID, Path: path, Ancestors: ancestors}, nil
}

type resolverRepoFake struct{ store *memStore }

func (r *resolverRepoFake) subtreeMatches(a assignment.Assignment, q SubtreeQuery) (string, bool) {
	if a.ContainerID() != q.ContainerID || a.TargetType() != q.TargetType {
		return "", false
	}
	if a.ID() == q.ExcludeAssignmentID {
		return "", false
	}
	switch a.Status() {
	case assignment.StatusActive:
	case assignment.StatusDraft:
		if !q.IncludeDraft {
			return "", false
		}
	default:
		return "", false
	}
	path, ok := r.store.paths[a.TargetID()]
	if !ok {
		return "", false
	}
	if !underPath(path, q.PathPrefix) {
		return "", false
	}
	return path, true
}

func (r *resolverRepoFake) ListDirectHolderPaths(_ context.Context, _ uuid.UUID, q SubtreeQuery) ([]AssignmentPathRow, error) {
	var out []AssignmentPathRow
	for _, a := range r.store.orderedAssignments() {
		path, ok := r.subtreeMatches(a, q)
		if !ok {
			continue
		}
		if !r.store.hasDirectActiveApprover(a.ID(), q.LevelID) {
			continue
		}
		out = append(out, AssignmentPathRow{Assignment: a, Path: path})
	}
	return out, nil
}

func (r *resolverRepoFake) ListDescendantCandidates(_ context.Context, _ uuid.UUID, q DescendantQuery) ([]AssignmentPathRow, error) {
	var out []AssignmentPathRow
	for _, a := range r.store.orderedAssignments() {
		if a.IsDefault() {
			continue
		}
		path, ok := r.subtreeMatches(a, q.SubtreeQuery)
		if !ok {
			continue
		}
		if r.store.hasDirectActiveApprover(a.ID(), q.LevelID) {
			continue
		}
		excluded := false
		for _, prefix := range q.ExcludePathPrefixes {
			if underPath(path, prefix) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		out = append(out, AssignmentPathRow{Assignment: a, Path: path})
	}
	return out, nil
}

func (r *resolverRepoFake) ListAudienceDescendants(_ context.Context, _ uuid.UUID, q AudienceQuery) ([]AssignmentPathRow, error) {
	var out []AssignmentPathRow
	for _, a := range r.store.orderedAssignments() {
		if a.ContainerID() != q.ContainerID || a.TargetType() != assignment.TargetAudience || a.IsDefault() {
			continue
		}
		switch a.Status() {
		case assignment.StatusActive:
		case assignment.StatusDraft:
			if !q.IncludeDraft {
				continue
			}
		default:
			continue
		}
		if r.store.hasDirectActiveApprover(a.ID(), q.LevelID) {
			continue
		}
		out = append(out, AssignmentPathRow{Assignment: a, Path: ""})
	}
	return out, nil
}

// roleGranterFake keeps set semantics: granting an already-held role is a
// no-op, matching the ON CONFLICT DO NOTHING upsert in the pg implementation.
type roleGranterFake struct {
	granted map[string]bool
	ops     []string
}

func newRoleGranterFake() *roleGranterFake {
	return &roleGranterFake{granted: make(map[string]bool)}
}

func roleKey(userID int64, assignmentID uuid.UUID) string {
	return fmt.Sprintf("%d@%s", userID, assignmentID)
}

func (r *roleGranterFake) Grant(_ context.Context, _ uuid.UUID, _ string, userID int64, assignmentID uuid.UUID) error {
	r.granted[roleKey(userID, assignmentID)] = true
	r.ops = append(r.ops, "grant:"+roleKey(userID, assignmentID))
	return nil
}

func (r *roleGranterFake) Revoke(_ context.Context, _ uuid.UUID, _ string, userID int64, assignmentID uuid.UUID) error {
	delete(r.granted, roleKey(userID, assignmentID))
	r.ops = append(r.ops, "revoke:"+roleKey(userID, assignmentID))
	return nil
}

func (r *roleGranterFake) hasRole(userID int64, assignmentID uuid.UUID) bool {
	return r.granted[roleKey(userID, assignmentID)]
}

type userDirStub struct{ missing map[int64]bool }

func (s *userDirStub) UserExists(_ context.Context, _ uuid.UUID, userID int64) (bool, error) {
	return !s.missing[userID], nil
}

func (s *userDirStub) UserFullName(_ context.Context, _ uuid.UUID, userID int64) (string, error) {
	return fmt.Sprintf("User %d", userID), nil
}

type relDirStub struct {
	missing  map[int64]bool
	managers map[int64][]int64
	temps    map[int64][]approver.TemporaryManager
}

func newRelDirStub() *relDirStub {
	return &relDirStub{
		missing:  make(map[int64]bool),
		managers: make(map[int64][]int64),
		temps:    make(map[int64][]approver.TemporaryManager),
	}
}

func (s *relDirStub) RelationshipExists(_ context.Context, _ uuid.UUID, relationshipID int64) (bool, error) {
	return !s.missing[relationshipID], nil
}

func (s *relDirStub) ListManagerUserIDs(_ context.Context, _ uuid.UUID, userID int64) ([]int64, error) {
	return s.managers[userID], nil
}

func (s *relDirStub) ListTemporaryManagers(_ context.Context, _ uuid.UUID, userID int64) ([]approver.TemporaryManager, error) {
	return s.temps[userID], nil
}

// fixture wires the full service graph over the in-memory store with a
// passthrough transaction runner.
type fixture struct {
	t           *testing.T
	ctx         context.Context
	tenantID    uuid.UUID
	containerID uuid.UUID
	store       *memStore
	assignments *assignmentRepoFake
	approvers   *approverRepoFake
	levels      *levelRepoFake
	roles       *roleGranterFake
	users       *userDirStub
	rels        *relDirStub
	registry    *approver.Registry
	svc         *ApproverService
	assignSvc   *AssignmentService
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	prev := runInTx
	runInTx = func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }
	t.Cleanup(func() { runInTx = prev })

	store := newMemStore()
	f := &fixture{
		t:           t,
		tenantID:    uuid.New(),
		containerID: uuid.New(),
		store:       store,
		assignments: &assignmentRepoFake{store: store},
		approvers:   &approverRepoFake{store: store},
		levels:      &levelRepoFake{store: store},
		roles:       newRoleGranterFake(),
		users:       &userDirStub{missing: make(map[int64]bool)},
		rels:        newRelDirStub(),
		now:         time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC),
	}
	f.ctx = composables.WithTenantID(context.Background(), f.tenantID)
	f.registry = approver.NewRegistry(
		approver.NewUserKind(f.users),
		approver.NewRelationshipKind(f.rels, func() time.Time { return f.now }),
	)
	resolver := &resolverRepoFake{store: store}
	f.svc = NewApproverService(f.assignments, f.approvers, f.levels, &hierarchyFake{store: store}, resolver, f.registry, f.roles, nil)
	f.assignSvc = NewAssignmentService(f.assignments, f.approvers, f.levels, f.svc, nil)
	return f
}

func (f *fixture) addLevel(name string, ordinal int, active bool) ApprovalLevelRow {
	lvl := ApprovalLevelRow{
		ID:          uuid.New(),
		StageID:     uuid.New(),
		ContainerID: f.containerID,
		Name:        name,
		Ordinal:     ordinal,
		Active:      active,
	}
	f.store.levels[lvl.ID] = lvl
	f.store.levelOrder = append(f.store.levelOrder, lvl.ID)
	return lvl
}

// addNode registers a hierarchy node below parent and returns its id.
// Parent uuid.Nil starts a chain at the framework root.
func (f *fixture) addNode(parentPath string) (uuid.UUID, string) {
	id := uuid.New()
	path := parentPath + "/" + id.String()
	f.store.paths[id] = path
	return id, path
}

func (f *fixture) addAssignment(targetType assignment.TargetType, targetID uuid.UUID, isDefault bool, status assignment.Status) assignment.Assignment {
	f.t.Helper()
	now := time.Now()
	a := assignment.Hydrate(
		uuid.New(), f.tenantID, f.containerID, targetType, targetID,
		status, isDefault, fmt.Sprintf("APPR-%04d", len(f.store.assignmentOrder)+1), now, now,
	)
	f.store.assignments[a.ID()] = a
	f.store.assignmentOrder = append(f.store.assignmentOrder, a.ID())
	return a
}

// addApprover seeds a record directly, bypassing the lifecycle service.
func (f *fixture) addApprover(a assignment.Assignment, lvl ApprovalLevelRow, kind approver.Kind, identifier int64, active bool, ancestorID *uuid.UUID) approver.Record {
	f.t.Helper()
	rec, err := f.approvers.Create(context.Background(), approver.Record{
		ID:           uuid.New(),
		TenantID:     f.tenantID,
		AssignmentID: a.ID(),
		LevelID:      lvl.ID,
		Kind:         kind,
		Identifier:   identifier,
		Active:       active,
		AncestorID:   ancestorID,
	})
	require.NoError(f.t, err)
	return rec
}

func (f *fixture) levelContext(a assignment.Assignment, lvl ApprovalLevelRow, activeMode bool) *AssignmentApprovalLevel {
	lc, err := f.svc.LevelContext(f.ctx, a.ID(), lvl.ID, activeMode)
	require.NoError(f.t, err)
	return lc
}

// txCtx returns a context marked as carrying a transaction, for operations
// that demand a caller-supplied one.
func (f *fixture) txCtx() context.Context {
	return composables.WithTx(f.ctx, stubTx{})
}

// requireNoDuplicateActive asserts the active-tuple invariant over the whole
// store.
func (f *fixture) requireNoDuplicateActive() {
	f.t.Helper()
	seen := make(map[string]uuid.UUID)
	for _, rec := range f.store.orderedApprovers() {
		if !rec.Active {
			continue
		}
		key := fmt.Sprintf("%s|%s|%d|%d", rec.AssignmentID, rec.LevelID, rec.Kind, rec.Identifier)
		if prior, ok := seen[key]; ok {
			f.t.Fatalf("duplicate active approver tuple %s: records %s and %s", key, prior, rec.ID)
		}
		seen[key] = rec.ID
	}
}

func requireServiceStatus(t *testing.T, err error, status int, code string) {
	t.Helper()
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, status, svcErr.Status)
	require.Equal(t, code, svcErr.Code)
}

// stubTx satisfies pgx.Tx just enough to mark a context; none of its methods
// are expected to run.
type stubTx struct{}

func (stubTx) Begin(context.Context) (pgx.Tx, error) { panic("stubTx") }
func (stubTx) Commit(context.Context) error          { panic("stubTx") }
func (stubTx) Rollback(context.Context) error        { panic("stubTx") }
func (stubTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("stubTx")
}
func (stubTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { panic("stubTx") }
func (stubTx) LargeObjects() pgx.LargeObjects                         { panic("stubTx") }
func (stubTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("stubTx")
}
func (stubTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) { panic("stubTx") }
func (stubTx) Query(context.Context, string, ...any) (pgx.Rows, error)         { panic("stubTx") }
func (stubTx) QueryRow(context.Context, string, ...any) pgx.Row                { panic("stubTx") }
func (stubTx) Conn() *pgx.Conn                                                 { panic("stubTx") }
