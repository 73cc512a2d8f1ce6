package approver

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/approval-sdk/pkg/serrors"
)

// Kind is the closed set of approver variants. New kinds require a new
// handler registered at startup; there is no runtime discovery.
type Kind int32

const (
	// KindUser approvers reference a concrete user id.
	KindUser Kind = 1
	// KindRelationship approvers reference a relationship (e.g. manager)
	// resolved to concrete users at approval time.
	KindRelationship Kind = 2
)

func (k Kind) Valid() bool {
	return k == KindUser || k == KindRelationship
}

// RelationshipManager is the only relationship shipped with the engine:
// the subject's managers via the job-assignment chain, including unexpired
// temporary managers.
const RelationshipManager int64 = 1

var (
	ErrUnknownKind         = serrors.NewError("APPROVAL_UNKNOWN_KIND", "unknown approver kind", "")
	ErrUnknownUser         = serrors.NewError("APPROVAL_UNKNOWN_USER", "user does not exist", "")
	ErrUnknownRelationship = serrors.NewError("APPROVAL_UNKNOWN_RELATIONSHIP", "relationship does not exist", "")
)

type TemporaryManager struct {
	UserID    int64
	ExpiresAt time.Time
}

// UserDirectory is the external user store consulted for validation and
// display names.
type UserDirectory interface {
	UserExists(ctx context.Context, tenantID uuid.UUID, userID int64) (bool, error)
	UserFullName(ctx context.Context, tenantID uuid.UUID, userID int64) (string, error)
}

// RelationshipDirectory exposes the job-assignment chain used to expand
// relationship approvers into user ids.
type RelationshipDirectory interface {
	RelationshipExists(ctx context.Context, tenantID uuid.UUID, relationshipID int64) (bool, error)
	ListManagerUserIDs(ctx context.Context, tenantID uuid.UUID, userID int64) ([]int64, error)
	ListTemporaryManagers(ctx context.Context, tenantID uuid.UUID, userID int64) ([]TemporaryManager, error)
}

// ResolutionContext carries the subject data a relationship is expanded
// against.
type ResolutionContext struct {
	SubjectUserID   int64
	JobAssignmentID *int64
}

type KindHandler interface {
	Code() Kind
	Name() string
	Validate(ctx context.Context, tenantID uuid.UUID, identifier int64) error
	Label(ctx context.Context, tenantID uuid.UUID, identifier int64) (string, error)
}

// UserExpander is implemented by handlers whose identifier expands to a set
// of users rather than naming one directly.
type UserExpander interface {
	ExpandUsers(ctx context.Context, tenantID uuid.UUID, identifier int64, rc ResolutionContext) ([]int64, error)
}

// Registry is the closed-variant approver kind registry, built once at
// startup and passed by injection.
type Registry struct {
	handlers map[Kind]KindHandler
}

func NewRegistry(handlers ...KindHandler) *Registry {
	r := &Registry{handlers: make(map[Kind]KindHandler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Code()] = h
	}
	return r
}

func (r *Registry) Get(k Kind) (KindHandler, bool) {
	h, ok := r.handlers[k]
	return h, ok
}

func (r *Registry) Valid(k Kind) bool {
	_, ok := r.handlers[k]
	return ok
}

type userKind struct {
	users UserDirectory
}

func NewUserKind(users UserDirectory) KindHandler {
	return &userKind{users: users}
}

func (k *userKind) Code() Kind   { return KindUser }
func (k *userKind) Name() string { return "user" }

func (k *userKind) Validate(ctx context.Context, tenantID uuid.UUID, identifier int64) error {
	exists, err := k.users.UserExists(ctx, tenantID, identifier)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUnknownUser
	}
	return nil
}

func (k *userKind) Label(ctx context.Context, tenantID uuid.UUID, identifier int64) (string, error) {
	return k.users.UserFullName(ctx, tenantID, identifier)
}

type relationshipKind struct {
	relationships RelationshipDirectory
	now           func() time.Time
}

func NewRelationshipKind(relationships RelationshipDirectory, now func() time.Time) KindHandler {
	if now == nil {
		now = time.Now
	}
	return &relationshipKind{relationships: relationships, now: now}
}

func (k *relationshipKind) Code() Kind   { return KindRelationship }
func (k *relationshipKind) Name() string { return "relationship" }

func (k *relationshipKind) Validate(ctx context.Context, tenantID uuid.UUID, identifier int64) error {
	exists, err := k.relationships.RelationshipExists(ctx, tenantID, identifier)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUnknownRelationship
	}
	return nil
}

func (k *relationshipKind) Label(ctx context.Context, tenantID uuid.UUID, identifier int64) (string, error) {
	if identifier == RelationshipManager {
		return "Manager", nil
	}
	return "", ErrUnknownRelationship
}

// ExpandUsers resolves the relationship against the subject. Managers come
// from the current job-assignment chain; temporary managers are included
// while their assignment has not yet expired. The result is deduplicated by
// user id and sorted for determinism.
func (k *relationshipKind) ExpandUsers(ctx context.Context, tenantID uuid.UUID, identifier int64, rc ResolutionContext) ([]int64, error) {
	if identifier != RelationshipManager {
		return nil, ErrUnknownRelationship
	}

	managers, err := k.relationships.ListManagerUserIDs(ctx, tenantID, rc.SubjectUserID)
	if err != nil {
		return nil, err
	}
	temps, err := k.relationships.ListTemporaryManagers(ctx, tenantID, rc.SubjectUserID)
	if err != nil {
		return nil, err
	}

	now := k.now()
	seen := make(map[int64]struct{}, len(managers)+len(temps))
	out := make([]int64, 0, len(managers)+len(temps))
	for _, id := range managers {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, tm := range temps {
		if !tm.ExpiresAt.After(now) {
			continue
		}
		if _, ok := seen[tm.UserID]; ok {
			continue
		}
		seen[tm.UserID] = struct{}{}
		out = append(out, tm.UserID)
	}
	slices.Sort(out)
	return out, nil
}
