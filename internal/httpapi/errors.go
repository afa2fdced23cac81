package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"purchase-ledger/internal/domain"
	"purchase-ledger/internal/logging"
)

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func statusFor(err error) int {
	switch domain.Kind(err) {
	case "validation":
		return http.StatusBadRequest
	case "unauthenticated":
		return http.StatusUnauthorized
	case "forbidden":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	case "gateway":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the error envelope. Internal details never leave the process.
func abortWithError(c *gin.Context, err error) {
	kind := domain.Kind(err)
	body := errorBody{Error: kind, Message: err.Error()}

	var gerr *domain.GatewayError
	if errors.As(err, &gerr) {
		body.Message = "payment provider error: " + gerr.Reason
		body.Retryable = gerr.Retryable
	}
	if kind == "internal" {
		logging.FromContext(c.Request.Context()).Error("request failed", zap.Error(err))
		body.Message = "internal error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), body)
}
