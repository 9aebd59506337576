package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mozhii/curator/internal/common"
)

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: payload})
}

func respondCreated(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, envelope{Success: true, Data: payload})
}

func respondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, envelope{Success: false, Error: &apiError{Message: msg, Code: code}})
}

// respondServiceError maps the service sentinel errors onto HTTP statuses.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrNotFound):
		respondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, common.ErrDuplicatePending):
		respondError(c, http.StatusConflict, "duplicate_pending", err)
	case errors.Is(err, common.ErrConflict):
		respondError(c, http.StatusConflict, "conflict", err)
	case errors.Is(err, common.ErrInvalidState):
		respondError(c, http.StatusConflict, "invalid_state", err)
	case errors.Is(err, common.ErrLineageUnresolved):
		respondError(c, http.StatusUnprocessableEntity, "lineage_unresolved", err)
	case errors.Is(err, common.ErrUnauthorized), errors.Is(err, common.ErrInvalidToken):
		respondError(c, http.StatusUnauthorized, "unauthorized", err)
	default:
		respondError(c, http.StatusInternalServerError, "internal", err)
	}
}
