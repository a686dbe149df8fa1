// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors shared by handlers that have no domain-specific mapping.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// ErrorMapping binds a domain error to an HTTP status and problem title.
type ErrorMapping struct {
	Target error
	Status int
	Title  string
}

var defaultMappings = []ErrorMapping{
	{Target: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Target: ErrDuplicate, Status: http.StatusConflict, Title: "Duplicate"},
	{Target: ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed"},
	{Target: ErrForbidden, Status: http.StatusForbidden, Title: "Forbidden"},
	{Target: ErrUnauthorized, Status: http.StatusUnauthorized, Title: "Unauthorized"},
}

// RespondError maps err to an RFC7807 response. Domain mappings are matched
// first, in order; unmatched errors become a 500 without detail.
func RespondError(w http.ResponseWriter, err error, mappings ...ErrorMapping) {
	for _, m := range mappings {
		if errors.Is(err, m.Target) {
			Problem(w, m.Status, m.Title, err.Error())
			return
		}
	}
	for _, m := range defaultMappings {
		if errors.Is(err, m.Target) {
			Problem(w, m.Status, m.Title, err.Error())
			return
		}
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
