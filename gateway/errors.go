package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ollamax/ollamax/store"
)

// APIError is the wire shape of every error response:
// {"detail":{"code":..., "message":...}}.
type APIError struct {
	Detail APIErrorDetail `json:"detail"`
}

type APIErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DomainError carries the taxonomy code and HTTP status alongside the
// message.
type DomainError struct {
	Code    string
	Status  int
	Message string
}

func (e *DomainError) Error() string {
	return e.Message
}

var (
	ErrAccessDenied = &DomainError{
		Code: "AccessDenied", Status: http.StatusForbidden, Message: "Access denied",
	}
	ErrNoServerAvailable = &DomainError{
		Code: "NoServerAvailable", Status: http.StatusServiceUnavailable, Message: "No server available",
	}
	ErrUserAlreadyExist = &DomainError{
		Code: "UserAlreadyExist", Status: http.StatusBadRequest, Message: "User already exist.",
	}
	ErrUserAlreadyInProject = &DomainError{
		Code: "UserAlreadyInProject", Status: http.StatusBadRequest, Message: "User already in project.",
	}
)

func notFound(message string) *DomainError {
	return &DomainError{Code: "NotFound", Status: http.StatusNotFound, Message: message}
}

func validationError(message string) *DomainError {
	return &DomainError{Code: "Validation", Status: http.StatusUnprocessableEntity, Message: message}
}

// sendError maps any error to the API error body. Unknown errors never leak
// their text.
func (m *Manager) sendError(c *gin.Context, err error) {
	var domain *DomainError
	if errors.As(err, &domain) {
		c.JSON(domain.Status, APIError{Detail: APIErrorDetail{
			Code:    domain.Code,
			Message: domain.Message,
		}})
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, APIError{Detail: APIErrorDetail{
			Code:    "NotFound",
			Message: "Document not found",
		}})
	case errors.Is(err, store.ErrDuplicateKey):
		c.JSON(http.StatusBadRequest, APIError{Detail: APIErrorDetail{
			Code:    "DuplicateKey",
			Message: "Duplicate key",
		}})
	default:
		m.logger.Errorf("internal error on %s: %v", c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, APIError{Detail: APIErrorDetail{
			Code:    "InternalError",
			Message: "Internal error",
		}})
	}
}
