package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"spyre/pkg/dberrors"
	"spyre/pkg/dispatcher"
)

// errMissingEnvID is returned by list handlers that require an ?envId=
// query parameter to scope their result.
var errMissingEnvID = errors.New("envId query parameter is required")

// errorResponse is the JSON shape every error response uses (spec.md §6:
// "All error responses are JSON {code, message}").
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respondError maps a domain error to the status codes spec.md §6 lists
// (400 validation, 404 not found, 409 conflict/invalid state, 422 CLI not
// installed, 429 rate limited, 500 internal) and writes the JSON error
// body, centralizing the HTTP status mapping in one place rather than
// repeating it in every handler.
func respondError(c *gin.Context, err error) {
	var dispatchErr *dispatcher.DispatchError
	if errors.As(err, &dispatchErr) {
		switch dispatchErr.Code {
		case dispatcher.ErrRateLimited:
			c.JSON(http.StatusTooManyRequests, errorResponse{Code: string(dispatchErr.Code), Message: err.Error()})
			return
		case dispatcher.ErrCLINotFound:
			c.JSON(http.StatusUnprocessableEntity, errorResponse{Code: string(dispatchErr.Code), Message: err.Error()})
			return
		}
	}
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: err.Error()})
	case errors.Is(err, dberrors.ErrConflict), errors.Is(err, dberrors.ErrInvalidState):
		c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: err.Error()})
	case errors.Is(err, dberrors.ErrInvalidInput), dberrors.IsValidationError(err):
		c.JSON(http.StatusBadRequest, errorResponse{Code: "VALIDATION", Message: err.Error()})
	case errors.Is(err, dberrors.ErrAlreadyExists):
		c.JSON(http.StatusConflict, errorResponse{Code: "ALREADY_EXISTS", Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: err.Error()})
	}
}

// respondValidation short-circuits request-body binding failures with a
// 400, without going through respondError's dberrors.Is chain.
func respondValidation(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponse{Code: "VALIDATION", Message: err.Error()})
}
