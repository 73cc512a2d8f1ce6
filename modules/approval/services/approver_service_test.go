package services

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/approval-sdk/modules/approval/domain/approver"
	"github.com/iota-uz/approval-sdk/modules/approval/domain/assignment"
)

func TestApproverCreate_DirectApprover(t *testing.T) {
	f := newFixture(t)
	lvl := f.addLevel("L1", 1, true)
	tree := buildOrgTree(f)
	a := f.addAssignment(assignment.TargetOrganisation, tree.divID, false, assignment.StatusActive)

	rec, err := f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: a.ID(),
		LevelID:      lvl.ID,
		Kind:         approver.KindUser,
		Identifier:   101,
	})
	require.NoError(t, err)
	require.True(t, rec.Active)
	require.True(t, rec.Direct())
	require.Equal(t, a.ID(), rec.AssignmentID)
	require.True(t, f.roles.hasRole(101, a.ID()))
}

func TestApproverCreate_CascadesToDescendants(t *testing.T) {
	f := newFixture(t)
	lvl := f.addLevel("L1", 1, true)
	tree := buildOrgTree(f)

	f.addAssignment(assignment.TargetOrganisation, uuid.New(), true, assignment.StatusActive)
	divAssignment := f.addAssignment(assignment.TargetOrganisation, tree.divID, false, assignment.StatusActive)
	teamAssignment := f.addAssignment(assignment.TargetOrganisation, tree.teamID, false, assignment.StatusActive)

	rec, err := f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: divAssignment.ID(),
		LevelID:      lvl.ID,
		Kind:         approver.KindUser,
		Identifier:   101,
	})
	require.NoError(t, err)

	copies, err := f.approvers.ListByAncestor(f.ctx, f.tenantID, rec.ID)
	require.NoError(t, err)
	require.Len(t, copies, 1)
	require.Equal(t, teamAssignment.ID(), copies[0].AssignmentID)
	require.True(t, copies[0].Active)
	require.True(t, copies[0].InheritsFrom(rec.ID))
	f.requireNoDuplicateActive()
}

func TestApproverCreate_DirectSupersedesInherited(t *testing.T) {
	f := newFixture(t)
	lvl := f.addLevel("L1", 1, true)
	tree := buildOrgTree(f)

	f.addAssignment(assignment.TargetOrganisation, uuid.New(), true, assignment.StatusActive)
	divAssignment := f.addAssignment(assignment.TargetOrganisation, tree.divID, false, assignment.StatusActive)
	teamAssignment := f.addAssignment(assignment.TargetOrganisation, tree.teamID, false, assignment.StatusActive)

	divRec, err := f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: divAssignment.ID(), LevelID: lvl.ID, Kind: approver.KindUser, Identifier: 101,
	})
	require.NoError(t, err)

	inherited, err := f.approvers.ListByAncestor(f.ctx, f.tenantID, divRec.ID)
	require.NoError(t, err)
	require.Len(t, inherited, 1)

	// Direct override on the team deactivates the inherited copy.
	override, err := f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: teamAssignment.ID(), LevelID: lvl.ID, Kind: approver.KindUser, Identifier: 202,
	})
	require.NoError(t, err)
	require.True(t, override.Active)
	require.True(t, override.Direct())

	old, err := f.approvers.GetByID(f.ctx, f.tenantID, inherited[0].ID)
	require.NoError(t, err)
	require.False(t, old.Active)

	// The division's own direct record is untouched.
	src, err := f.approvers.GetByID(f.ctx, f.tenantID, divRec.ID)
	require.NoError(t, err)
	require.True(t, src.Active)

	effective, err := f.levelContext(teamAssignment, lvl, true).ApproversWithInheritance(f.ctx)
	require.NoError(t, err)
	require.Len(t, effective, 1)
	require.Equal(t, override.ID, effective[0].ID)
	f.requireNoDuplicateActive()
}

func TestApproverCreate_DuplicateActiveIsConflict(t *testing.T) {
	f := newFixture(t)
	lvl := f.addLevel("L1", 1, true)
	tree := buildOrgTree(f)
	a := f.addAssignment(assignment.TargetOrganisation, tree.divID, false, assignment.StatusActive)

	params := CreateApproverParams{AssignmentID: a.ID(), LevelID: lvl.ID, Kind: approver.KindUser, Identifier: 101}
	_, err := f.svc.Create(f.ctx, params)
	require.NoError(t, err)

	_, err = f.svc.Create(f.ctx, params)
	requireServiceStatus(t, err, 409, "APPROVAL_DUPLICATE_ACTIVE")
}

func TestApproverCreate_ValidationFailures(t *testing.T) {
	f := newFixture(t)
	activeLvl := f.addLevel("L1", 1, true)
	inactiveLvl := f.addLevel("L2", 2, false)
	tree := buildOrgTree(f)
	a := f.addAssignment(assignment.TargetOrganisation, tree.divID, false, assignment.StatusActive)
	f.users.missing[999] = true

	_, err := f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: a.ID(), LevelID: inactiveLvl.ID, Kind: approver.KindUser, Identifier: 101,
	})
	requireServiceStatus(t, err, 400, "APPROVAL_LEVEL_INACTIVE")

	_, err = f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: a.ID(), LevelID: activeLvl.ID, Kind: approver.Kind(99), Identifier: 101,
	})
	requireServiceStatus(t, err, 400, "APPROVAL_UNKNOWN_KIND")

	_, err = f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: a.ID(), LevelID: activeLvl.ID, Kind: approver.KindUser, Identifier: 999,
	})
	requireServiceStatus(t, err, 400, "APPROVAL_UNKNOWN_USER")

	_, err = f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: uuid.New(), LevelID: activeLvl.ID, Kind: approver.KindUser, Identifier: 101,
	})
	requireServiceStatus(t, err, 404, "APPROVAL_NOT_FOUND")
}

func TestApproverCreate_AncestorLinkChecks(t *testing.T) {
	f := newFixture(t)
	lvl := f.addLevel("L1", 1, true)
	otherLvl := f.addLevel("L2", 2, true)
	tree := buildOrgTree(f)
	divAssignment := f.addAssignment(assignment.TargetOrganisation, tree.divID, false, assignment.StatusActive)
	teamAssignment := f.addAssignment(assignment.TargetOrganisation, tree.teamID, false, assignment.StatusActive)

	src := f.addApprover(divAssignment, lvl, approver.KindUser, 101, true, nil)
	onSame := f.addApprover(divAssignment, otherLvl, approver.KindUser, 101, true, nil)

	_, err := f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: divAssignment.ID(), LevelID: lvl.ID, Kind: approver.KindUser, Identifier: 202,
		AncestorID: &src.ID,
	})
	requireServiceStatus(t, err, 409, "APPROVAL_SELF_ANCESTRY")

	_, err = f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: teamAssignment.ID(), LevelID: lvl.ID, Kind: approver.KindUser, Identifier: 101,
		AncestorID: &onSame.ID,
	})
	requireServiceStatus(t, err, 409, "APPROVAL_ANCESTOR_MISMATCH")
}

func TestApproverCascade_Symmetry(t *testing.T) {
	f := newFixture(t)
	lvl := f.addLevel("L1", 1, true)

	_, rootPath := f.addNode("")
	topID, topPath := f.addNode(rootPath)
	f.addAssignment(assignment.TargetOrganisation, uuid.New(), true, assignment.StatusActive)
	topAssignment := f.addAssignment(assignment.TargetOrganisation, topID, false, assignment.StatusActive)

	const n = 3
	for i := 0; i < n; i++ {
		childID, _ := f.addNode(topPath)
		f.addAssignment(assignment.TargetOrganisation, childID, false, assignment.StatusActive)
	}
	// An unrelated assignment outside the subtree must stay untouched.
	outsideID, _ := f.addNode(rootPath)
	outside := f.addAssignment(assignment.TargetOrganisation, outsideID, false, assignment.StatusActive)

	rec, err := f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: topAssignment.ID(), LevelID: lvl.ID, Kind: approver.KindUser, Identifier: 101,
	})
	require.NoError(t, err)

	copies, err := f.approvers.ListByAncestor(f.ctx, f.tenantID, rec.ID)
	require.NoError(t, err)
	require.Len(t, copies, n)
	for _, c := range copies {
		require.True(t, c.Active)
		require.NotEqual(t, outside.ID(), c.AssignmentID)
	}

	_, err = f.svc.Deactivate(f.ctx, rec.ID, DeactivateOptions{})
	require.NoError(t, err)

	copies, err = f.approvers.ListByAncestor(f.ctx, f.tenantID, rec.ID)
	require.NoError(t, err)
	require.Len(t, copies, n)
	for _, c := range copies {
		require.False(t, c.Active)
	}
	outsideRecs, err := f.approvers.ListByAssignment(f.ctx, f.tenantID, outside.ID(), false)
	require.NoError(t, err)
	require.Empty(t, outsideRecs)
	f.requireNoDuplicateActive()
}

func TestApproverDeactivate_CascadePrimesDescendantContexts(t *testing.T) {
	f := newFixture(t)
	lvl := f.addLevel("L1", 1, true)

	_, rootPath := f.addNode("")
	topID, topPath := f.addNode(rootPath)
	f.addAssignment(assignment.TargetOrganisation, uuid.New(), true, assignment.StatusActive)
	topAssignment := f.addAssignment(assignment.TargetOrganisation, topID, false, assignment.StatusActive)

	const n = 3
	for i := 0; i < n; i++ {
		childID, _ := f.addNode(topPath)
		f.addAssignment(assignment.TargetOrganisation, childID, false, assignment.StatusActive)
	}

	rec, err := f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: topAssignment.ID(), LevelID: lvl.ID, Kind: approver.KindUser, Identifier: 101,
	})
	require.NoError(t, err)

	// The retraction loop feeds every descendant context from the single
	// ancestor fetch; no per-slot approver listing.
	hitsBefore := f.store.approverListHits
	_, err = f.svc.Deactivate(f.ctx, rec.ID, DeactivateOptions{})
	require.NoError(t, err)
	require.Equal(t, hitsBefore, f.store.approverListHits)

	copies, err := f.approvers.ListByAncestor(f.ctx, f.tenantID, rec.ID)
	require.NoError(t, err)
	require.Len(t, copies, n)
	for _, c := range copies {
		require.False(t, c.Active)
	}
}

func TestApproverDeactivate_SkipsRelinkedDescendants(t *testing.T) {
	f := newFixture(t)
	lvl := f.addLevel("L1", 1, true)
	tree := buildOrgTree(f)

	f.addAssignment(assignment.TargetOrganisation, uuid.New(), true, assignment.StatusActive)
	divAssignment := f.addAssignment(assignment.TargetOrganisation, tree.divID, false, assignment.StatusActive)
	teamAssignment := f.addAssignment(assignment.TargetOrganisation, tree.teamID, false, assignment.StatusActive)

	rec, err := f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: divAssignment.ID(), LevelID: lvl.ID, Kind: approver.KindUser, Identifier: 101,
	})
	require.NoError(t, err)
	copies, err := f.approvers.ListByAncestor(f.ctx, f.tenantID, rec.ID)
	require.NoError(t, err)
	require.Len(t, copies, 1)
	require.Equal(t, teamAssignment.ID(), copies[0].AssignmentID)

	// Relink the copy to a different ancestor; the retraction must leave
	// it alone.
	otherAncestor := uuid.New()
	require.NoError(t, f.approvers.SetAncestor(f.ctx, f.tenantID, copies[0].ID, &otherAncestor))

	_, err = f.svc.Deactivate(f.ctx, rec.ID, DeactivateOptions{})
	require.NoError(t, err)

	kept, err := f.approvers.GetByID(f.ctx, f.tenantID, copies[0].ID)
	require.NoError(t, err)
	require.True(t, kept.Active)
}

func TestApproverDeactivate_RoleRevokedOnlyOnLastRecord(t *testing.T) {
	f := newFixture(t)
	lvl1 := f.addLevel("L1", 1, true)
	lvl2 := f.addLevel("L2", 2, true)
	tree := buildOrgTree(f)
	a := f.addAssignment(assignment.TargetOrganisation, tree.divID, false, assignment.StatusActive)

	first, err := f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: a.ID(), LevelID: lvl1.ID, Kind: approver.KindUser, Identifier: 101,
	})
	require.NoError(t, err)
	second, err := f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: a.ID(), LevelID: lvl2.ID, Kind: approver.KindUser, Identifier: 101,
	})
	require.NoError(t, err)
	// Each activation grants; the second grant of the same tuple is a no-op.
	require.True(t, f.roles.hasRole(101, a.ID()))

	_, err = f.svc.Deactivate(f.ctx, first.ID, DeactivateOptions{})
	require.NoError(t, err)
	require.True(t, f.roles.hasRole(101, a.ID()), "role held while another level still references the user")

	_, err = f.svc.Deactivate(f.ctx, second.ID, DeactivateOptions{})
	require.NoError(t, err)
	require.False(t, f.roles.hasRole(101, a.ID()))
}

func TestApproverDeactivate_Idempotent(t *testing.T) {
	f := newFixture(t)
	lvl := f.addLevel("L1", 1, true)
	tree := buildOrgTree(f)
	a := f.addAssignment(assignment.TargetOrganisation, tree.divID, false, assignment.StatusActive)

	rec, err := f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: a.ID(), LevelID: lvl.ID, Kind: approver.KindUser, Identifier: 101,
	})
	require.NoError(t, err)

	_, err = f.svc.Deactivate(f.ctx, rec.ID, DeactivateOptions{})
	require.NoError(t, err)
	opsAfterFirst := len(f.roles.ops)

	_, err = f.svc.Deactivate(f.ctx, rec.ID, DeactivateOptions{})
	require.NoError(t, err)
	require.Len(t, f.roles.ops, opsAfterFirst, "second deactivation must be a no-op")
}

func TestApproverDelete_CascadesToDescendantRecords(t *testing.T) {
	f := newFixture(t)
	lvl := f.addLevel("L1", 1, true)
	tree := buildOrgTree(f)

	f.addAssignment(assignment.TargetOrganisation, uuid.New(), true, assignment.StatusActive)
	divAssignment := f.addAssignment(assignment.TargetOrganisation, tree.divID, false, assignment.StatusActive)
	teamAssignment := f.addAssignment(assignment.TargetOrganisation, tree.teamID, false, assignment.StatusActive)

	rec, err := f.svc.Create(f.ctx, CreateApproverParams{
		AssignmentID: divAssignment.ID(), LevelID: lvl.ID, Kind: approver.KindUser, Identifier: 101,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(f.ctx, rec.ID))

	_, err = f.approvers.GetByID(f.ctx, f.tenantID, rec.ID)
	requireNoRows(t, err)
	teamRecs, err := f.approvers.ListByAssignment(f.ctx, f.tenantID, teamAssignment.ID(), false)
	require.NoError(t, err)
	require.Empty(t, teamRecs)
}

func TestDeactivateInheritedApprovers_RequiresTransaction(t *testing.T) {
	f := newFixture(t)
	lvl := f.addLevel("L1", 1, true)
	tree := buildOrgTree(f)
	a := f.addAssignment(assignment.TargetOrganisation, tree.divID, false, assignment.StatusActive)

	err := f.svc.DeactivateInheritedApprovers(f.ctx, a.ID(), lvl.ID)
	requireServiceStatus(t, err, 422, "APPROVAL_TX_REQUIRED")

	require.NoError(t, f.svc.DeactivateInheritedApprovers(f.txCtx(), a.ID(), lvl.ID))
}

func TestResolveApproverUsers_ManagerRelationship(t *testing.T) {
	f := newFixture(t)
	lvl := f.addLevel("L1", 1, true)
	tree := buildOrgTree(f)
	a := f.addAssignment(assignment.TargetOrganisation, tree.divID, false, assignment.StatusActive)

	f.addApprover(a, lvl, approver.KindRelationship, approver.RelationshipManager, true, nil)
	f.rels.managers[7] = []int64{11}
	f.rels.temps[7] = []approver.TemporaryManager{
		{UserID: 22, ExpiresAt: f.now.Add(24 * time.Hour)},
		{UserID: 33, ExpiresAt: f.now.Add(-time.Hour)},
	}

	users, err := f.svc.ResolveApproverUsers(f.ctx, a.ID(), lvl.ID, approver.ResolutionContext{SubjectUserID: 7})
	require.NoError(t, err)
	require.Equal(t, []int64{11, 22}, users)
}

func TestResolveApproverUsers_SkipsDanglingReferences(t *testing.T) {
	f := newFixture(t)
	lvl := f.addLevel("L1", 1, true)
	tree := buildOrgTree(f)
	a := f.addAssignment(assignment.TargetOrganisation, tree.divID, false, assignment.StatusActive)

	f.addApprover(a, lvl, approver.KindUser, 101, true, nil)
	// Unknown relationship id: tolerated and skipped.
	f.addApprover(a, lvl, approver.KindRelationship, 42, true, nil)

	users, err := f.svc.ResolveApproverUsers(f.ctx, a.ID(), lvl.ID, approver.ResolutionContext{SubjectUserID: 7})
	require.NoError(t, err)
	require.Equal(t, []int64{101}, users)
}

// TestNoDuplicateActive_RandomisedOperations drives a random but
// reproducible operation sequence over a small tree and checks the
// active-tuple invariant after every step.
func TestNoDuplicateActive_RandomisedOperations(t *testing.T) {
	f := newFixture(t)
	lvl := f.addLevel("L1", 1, true)

	_, rootPath := f.addNode("")
	topID, topPath := f.addNode(rootPath)
	childID, childPath := f.addNode(topPath)
	grandID, _ := f.addNode(childPath)

	f.addAssignment(assignment.TargetOrganisation, uuid.New(), true, assignment.StatusActive)
	nodes := []assignment.Assignment{
		f.addAssignment(assignment.TargetOrganisation, topID, false, assignment.StatusActive),
		f.addAssignment(assignment.TargetOrganisation, childID, false, assignment.StatusActive),
		f.addAssignment(assignment.TargetOrganisation, grandID, false, assignment.StatusActive),
	}
	users := []int64{101, 202, 303}

	rng := rand.New(rand.NewSource(42))
	for step := 0; step < 200; step++ {
		target := nodes[rng.Intn(len(nodes))]
		user := users[rng.Intn(len(users))]

		switch rng.Intn(3) {
		case 0:
			_, err := f.svc.Create(f.ctx, CreateApproverParams{
				AssignmentID: target.ID(), LevelID: lvl.ID, Kind: approver.KindUser, Identifier: user,
			})
			if err != nil {
				requireServiceStatus(t, err, 409, "APPROVAL_DUPLICATE_ACTIVE")
			}
		case 1:
			rec, found, err := f.approvers.GetByTuple(f.ctx, f.tenantID, target.ID(), lvl.ID, approver.KindUser, user)
			require.NoError(t, err)
			if found {
				_, err = f.svc.Deactivate(f.ctx, rec.ID, DeactivateOptions{})
				require.NoError(t, err)
			}
		case 2:
			rec, found, err := f.approvers.GetByTuple(f.ctx, f.tenantID, target.ID(), lvl.ID, approver.KindUser, user)
			require.NoError(t, err)
			if found {
				require.NoError(t, f.svc.Delete(f.ctx, rec.ID))
			}
		}
		f.requireNoDuplicateActive()
	}
}

func requireNoRows(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	require.True(t, isNoRows(err), "expected a missing-row error, got %v", err)
}
