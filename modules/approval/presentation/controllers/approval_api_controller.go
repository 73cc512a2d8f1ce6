package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/iota-uz/approval-sdk/modules/approval/domain/approver"
	"github.com/iota-uz/approval-sdk/modules/approval/domain/assignment"
	"github.com/iota-uz/approval-sdk/modules/approval/services"
	"github.com/iota-uz/approval-sdk/pkg/application"
	"github.com/iota-uz/approval-sdk/pkg/composables"
	"github.com/iota-uz/approval-sdk/pkg/configuration"
)

var validate = validator.New()

type ApprovalAPIController struct {
	app         application.Application
	assignments *services.AssignmentService
	approvers   *services.ApproverService
	apiPrefix   string
}

func NewApprovalAPIController(app application.Application) application.Controller {
	return &ApprovalAPIController{
		app:         app,
		assignments: application.Use[*services.AssignmentService](app),
		approvers:   application.Use[*services.ApproverService](app),
		apiPrefix:   "/approval/api",
	}
}

func (c *ApprovalAPIController) Key() string {
	return c.apiPrefix
}

func (c *ApprovalAPIController) Register(r *mux.Router) {
	api := r.PathPrefix(c.apiPrefix).Subrouter()

	api.HandleFunc("/assignments", c.ListAssignments).Methods(http.MethodGet)
	api.HandleFunc("/assignments", c.CreateAssignment).Methods(http.MethodPost)
	api.HandleFunc("/assignments/{id}", c.GetAssignment).Methods(http.MethodGet)
	api.HandleFunc("/assignments/{id}", c.DeleteAssignment).Methods(http.MethodDelete)
	api.HandleFunc("/assignments/{id}:activate", c.ActivateAssignment).Methods(http.MethodPost)
	api.HandleFunc("/assignments/{id}:archive", c.ArchiveAssignment).Methods(http.MethodPost)

	api.HandleFunc("/assignments/{id}/levels/{levelID}/approvers", c.GetEffectiveApprovers).Methods(http.MethodGet)
	api.HandleFunc("/assignments/{id}/levels/{levelID}:resolve", c.ResolveApprovers).Methods(http.MethodPost)

	api.HandleFunc("/approvers", c.CreateApprover).Methods(http.MethodPost)
	api.HandleFunc("/approvers/{id}:deactivate", c.DeactivateApprover).Methods(http.MethodPost)
	api.HandleFunc("/approvers/{id}", c.DeleteApprover).Methods(http.MethodDelete)
}

type assignmentResponse struct {
	ID          string `json:"id"`
	ContainerID string `json:"container_id"`
	TargetType  string `json:"target_type"`
	TargetID    string `json:"target_id"`
	Status      string `json:"status"`
	IsDefault   bool   `json:"is_default"`
	IDNumber    string `json:"id_number"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func toAssignmentResponse(a assignment.Assignment) assignmentResponse {
	return assignmentResponse{
		ID:          a.ID().String(),
		ContainerID: a.ContainerID().String(),
		TargetType:  string(a.TargetType()),
		TargetID:    a.TargetID().String(),
		Status:      string(a.Status()),
		IsDefault:   a.IsDefault(),
		IDNumber:    a.IDNumber(),
		CreatedAt:   a.CreatedAt().UTC().Format(time.RFC3339),
		UpdatedAt:   a.UpdatedAt().UTC().Format(time.RFC3339),
	}
}

type approverResponse struct {
	ID           string  `json:"id"`
	AssignmentID string  `json:"assignment_id"`
	LevelID      string  `json:"approval_level_id"`
	Kind         int32   `json:"kind"`
	Identifier   int64   `json:"identifier"`
	Active       bool    `json:"active"`
	AncestorID   *string `json:"ancestor_id,omitempty"`
}

func toApproverResponse(rec approver.Record) approverResponse {
	out := approverResponse{
		ID:           rec.ID.String(),
		AssignmentID: rec.AssignmentID.String(),
		LevelID:      rec.LevelID.String(),
		Kind:         int32(rec.Kind),
		Identifier:   rec.Identifier,
		Active:       rec.Active,
	}
	if rec.AncestorID != nil {
		s := rec.AncestorID.String()
		out.AncestorID = &s
	}
	return out
}

func toApproverResponses(recs []approver.Record) []approverResponse {
	out := make([]approverResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toApproverResponse(rec))
	}
	return out
}

func (c *ApprovalAPIController) ListAssignments(w http.ResponseWriter, r *http.Request) {
	ctx, requestID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	containerID, err := uuid.Parse(q.Get("container_id"))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "APPROVAL_INVALID_QUERY", "container_id is required")
		return
	}
	params := assignment.FindParams{
		ContainerID: containerID,
		TargetType:  assignment.TargetType(q.Get("target_type")),
	}
	if s := q.Get("status"); s != "" {
		params.Statuses = []assignment.Status{assignment.Status(s)}
	}

	found, err := c.assignments.Find(ctx, params)
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	out := make([]assignmentResponse, 0, len(found))
	for _, a := range found {
		out = append(out, toAssignmentResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

type createAssignmentRequest struct {
	ContainerID string `json:"container_id" validate:"required,uuid"`
	TargetType  string `json:"target_type" validate:"required,oneof=organisation position audience"`
	TargetID    string `json:"target_id" validate:"omitempty,uuid"`
	IsDefault   bool   `json:"is_default"`
	IDNumber    string `json:"id_number" validate:"max=64"`
}

func (c *ApprovalAPIController) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	ctx, requestID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req createAssignmentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "APPROVAL_INVALID_BODY", "malformed JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "APPROVAL_INVALID_BODY", err.Error())
		return
	}
	containerID, err := uuid.Parse(req.ContainerID)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "APPROVAL_INVALID_BODY", "container_id is invalid")
		return
	}
	var targetID uuid.UUID
	if req.TargetID != "" {
		if targetID, err = uuid.Parse(req.TargetID); err != nil {
			writeAPIError(w, http.StatusBadRequest, requestID, "APPROVAL_INVALID_BODY", "target_id is invalid")
			return
		}
	}

	created, err := c.assignments.Create(ctx, services.CreateAssignmentParams{
		ContainerID: containerID,
		TargetType:  assignment.TargetType(req.TargetType),
		TargetID:    targetID,
		IsDefault:   req.IsDefault,
		IDNumber:    req.IDNumber,
	})
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAssignmentResponse(created))
}

func (c *ApprovalAPIController) GetAssignment(w http.ResponseWriter, r *http.Request) {
	ctx, requestID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, requestID, "id")
	if !ok {
		return
	}
	a, err := c.assignments.GetByID(ctx, id)
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentResponse(a))
}

func (c *ApprovalAPIController) ActivateAssignment(w http.ResponseWriter, r *http.Request) {
	ctx, requestID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, requestID, "id")
	if !ok {
		return
	}
	a, err := c.assignments.Activate(ctx, id)
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentResponse(a))
}

func (c *ApprovalAPIController) ArchiveAssignment(w http.ResponseWriter, r *http.Request) {
	ctx, requestID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, requestID, "id")
	if !ok {
		return
	}
	a, err := c.assignments.Archive(ctx, id)
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentResponse(a))
}

func (c *ApprovalAPIController) DeleteAssignment(w http.ResponseWriter, r *http.Request) {
	ctx, requestID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, requestID, "id")
	if !ok {
		return
	}
	if err := c.assignments.Delete(ctx, id); err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *ApprovalAPIController) GetEffectiveApprovers(w http.ResponseWriter, r *http.Request) {
	ctx, requestID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, requestID, "id")
	if !ok {
		return
	}
	levelID, ok := pathUUID(w, r, requestID, "levelID")
	if !ok {
		return
	}
	preview := r.URL.Query().Get("preview") == "true"

	recs, err := c.assignments.EffectiveApprovers(ctx, id, levelID, preview)
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, toApproverResponses(recs))
}

type resolveRequest struct {
	SubjectUserID   int64  `json:"subject_user_id"`
	JobAssignmentID *int64 `json:"job_assignment_id,omitempty"`
}

func (c *ApprovalAPIController) ResolveApprovers(w http.ResponseWriter, r *http.Request) {
	ctx, requestID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, requestID, "id")
	if !ok {
		return
	}
	levelID, ok := pathUUID(w, r, requestID, "levelID")
	if !ok {
		return
	}
	var req resolveRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "APPROVAL_INVALID_BODY", "malformed JSON body")
		return
	}

	users, err := c.approvers.ResolveApproverUsers(ctx, id, levelID, approver.ResolutionContext{
		SubjectUserID:   req.SubjectUserID,
		JobAssignmentID: req.JobAssignmentID,
	})
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	type resolveResponse struct {
		UserIDs []int64 `json:"user_ids"`
	}
	writeJSON(w, http.StatusOK, resolveResponse{UserIDs: users})
}

type createApproverRequest struct {
	AssignmentID string  `json:"assignment_id" validate:"required,uuid"`
	LevelID      string  `json:"approval_level_id" validate:"required,uuid"`
	Kind         int32   `json:"kind" validate:"required,min=1"`
	Identifier   int64   `json:"identifier" validate:"required,min=1"`
	AncestorID   *string `json:"ancestor_id,omitempty" validate:"omitempty,uuid"`
}

func (c *ApprovalAPIController) CreateApprover(w http.ResponseWriter, r *http.Request) {
	ctx, requestID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req createApproverRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "APPROVAL_INVALID_BODY", "malformed JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "APPROVAL_INVALID_BODY", err.Error())
		return
	}
	assignmentID, err := uuid.Parse(req.AssignmentID)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "APPROVAL_INVALID_BODY", "assignment_id is invalid")
		return
	}
	levelID, err := uuid.Parse(req.LevelID)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "APPROVAL_INVALID_BODY", "approval_level_id is invalid")
		return
	}
	params := services.CreateApproverParams{
		AssignmentID: assignmentID,
		LevelID:      levelID,
		Kind:         approver.Kind(req.Kind),
		Identifier:   req.Identifier,
	}
	if req.AncestorID != nil {
		ancestorID, err := uuid.Parse(*req.AncestorID)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, requestID, "APPROVAL_INVALID_BODY", "ancestor_id is invalid")
			return
		}
		params.AncestorID = &ancestorID
	}

	rec, err := c.approvers.Create(ctx, params)
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, toApproverResponse(rec))
}

func (c *ApprovalAPIController) DeactivateApprover(w http.ResponseWriter, r *http.Request) {
	ctx, requestID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, requestID, "id")
	if !ok {
		return
	}
	rec, err := c.approvers.Deactivate(ctx, id, services.DeactivateOptions{})
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, toApproverResponse(rec))
}

func (c *ApprovalAPIController) DeleteApprover(w http.ResponseWriter, r *http.Request) {
	ctx, requestID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, requestID, "id")
	if !ok {
		return
	}
	if err := c.approvers.Delete(ctx, id); err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireTenant reads the tenant header and returns a request context scoped
// to that tenant.
func requireTenant(w http.ResponseWriter, r *http.Request) (ctx context.Context, requestID string, ok bool) {
	conf := configuration.Use()
	requestID = r.Header.Get(conf.RequestIDHeader)

	raw := r.Header.Get(conf.TenantIDHeader)
	tenantID, err := uuid.Parse(raw)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "APPROVAL_TENANT_REQUIRED", "tenant header missing or invalid")
		return nil, requestID, false
	}
	return composables.WithTenantID(r.Context(), tenantID), requestID, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, requestID, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, requestID, "APPROVAL_INVALID_PATH", name+" is not a valid id")
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(body io.ReadCloser, out any) error {
	defer func() { _ = body.Close() }()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

type apiError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Meta    map[string]string `json:"meta,omitempty"`
}

func writeServiceError(w http.ResponseWriter, requestID string, err error) {
	var svcErr *services.ServiceError
	if errors.As(err, &svcErr) {
		writeAPIError(w, svcErr.Status, requestID, svcErr.Code, svcErr.Message)
		return
	}
	writeAPIError(w, http.StatusInternalServerError, requestID, "APPROVAL_INTERNAL", err.Error())
}

func writeAPIError(w http.ResponseWriter, status int, requestID, code, message string) {
	meta := map[string]string{}
	if requestID != "" {
		meta["request_id"] = requestID
	}
	writeJSON(w, status, apiError{Code: code, Message: message, Meta: meta})
}

func writeJSON[T any](w http.ResponseWriter, status int, payload T) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
