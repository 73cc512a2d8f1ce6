package services

import (
	"errors"
	"fmt"
	"net/http"
)

// ServiceError carries an HTTP-ish status, a stable machine code and a
// human message. All errors leaving this package are either a ServiceError
// or a storage error wrapped into one.
type ServiceError struct {
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *ServiceError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *ServiceError) Unwrap() error { return e.Cause }

func newServiceError(status int, code, message string, cause error) *ServiceError {
	return &ServiceError{Status: status, Code: code, Message: message, Cause: cause}
}

func validationError(code, message string) *ServiceError {
	return newServiceError(http.StatusBadRequest, code, message, nil)
}

func conflictError(code, message string) *ServiceError {
	return newServiceError(http.StatusConflict, code, message, nil)
}

func stateError(code, message string) *ServiceError {
	return newServiceError(http.StatusUnprocessableEntity, code, message, nil)
}

func notFoundError(code, message string, cause error) *ServiceError {
	return newServiceError(http.StatusNotFound, code, message, cause)
}

// IsNotFound reports whether err is a not-found service error, used where
// dangling references are tolerated and skipped.
func IsNotFound(err error) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr) && svcErr.Status == http.StatusNotFound
}
