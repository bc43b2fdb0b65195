package apiv1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/skiff-cloud/skiff/pkg/types"
)

const (
	HttpServerBaseRoute string = "/api/v1"
	HttpServerRootRoute string = ""
)

// Response is a standard API response structure
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SuccessResponse returns a successful response
func SuccessResponse(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// ErrorResponse returns an error response
func ErrorResponse(c echo.Context, code int, message string) error {
	return c.JSON(code, Response{
		Success: false,
		Error:   message,
	})
}

// DomainErrorResponse maps domain errors onto HTTP statuses. The sandbox
// gate conflict carries the existing sandbox in the payload so clients can
// redirect instead of retrying.
func DomainErrorResponse(c echo.Context, err error) error {
	var active *types.ErrSandboxActive
	switch {
	case types.IsNotFound(err):
		return ErrorResponse(c, http.StatusNotFound, err.Error())
	case errors.As(err, &active):
		return c.JSON(http.StatusConflict, Response{
			Success: false,
			Error:   active.Error(),
			Data: map[string]string{
				"active_project_id": active.ExternalId,
				"preview_url":       active.PreviewUrl,
			},
		})
	default:
		return ErrorResponse(c, http.StatusInternalServerError, err.Error())
	}
}
