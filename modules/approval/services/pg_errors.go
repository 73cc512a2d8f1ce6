package services

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres constraint names declared in the approval schema, matched here to
// turn storage violations into stable service error codes.
const (
	constraintApproverActiveTuple = "approval_approvers_active_tuple_uq"
	constraintAssignmentTarget    = "approval_assignments_target_uq"
	constraintAssignmentDefault   = "approval_assignments_default_uq"
)

// isNoRows reports a plain missing-row outcome from either a live repository
// or one that already wrapped it.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || IsNotFound(err)
}

// mapPgError translates a storage error into a ServiceError. Errors that are
// already ServiceErrors pass through untouched so repository fakes and inner
// service calls compose.
func mapPgError(err error, message string) error {
	if err == nil {
		return nil
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return notFoundError("APPROVAL_NOT_FOUND", message, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			switch pgErr.ConstraintName {
			case constraintApproverActiveTuple:
				recordWriteConflict("duplicate_active")
				return newServiceError(http.StatusConflict, "APPROVAL_DUPLICATE_ACTIVE", "approver is already active for this assignment and level", err)
			case constraintAssignmentTarget:
				recordWriteConflict("duplicate_assignment")
				return newServiceError(http.StatusConflict, "APPROVAL_DUPLICATE_ASSIGNMENT", "a non-archived assignment already exists for this target", err)
			case constraintAssignmentDefault:
				recordWriteConflict("duplicate_default")
				return newServiceError(http.StatusConflict, "APPROVAL_DUPLICATE_DEFAULT", "container already has a default assignment", err)
			default:
				recordWriteConflict("unique")
				return newServiceError(http.StatusConflict, "APPROVAL_CONFLICT", message, err)
			}
		case "23503":
			return newServiceError(http.StatusBadRequest, "APPROVAL_INVALID_REFERENCE", "referenced entity does not exist", err)
		}
	}
	return newServiceError(http.StatusInternalServerError, "APPROVAL_INTERNAL", message, err)
}
