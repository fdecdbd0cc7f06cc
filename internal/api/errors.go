package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	x402 "github.com/x402-foundation/x402-commerce"
	x402http "github.com/x402-foundation/x402-commerce/http"
	"github.com/x402-foundation/x402-commerce/internal/idempotency"
	"github.com/x402-foundation/x402-commerce/internal/logging"
	"github.com/x402-foundation/x402-commerce/internal/reservation"
	"github.com/x402-foundation/x402-commerce/internal/session"
	"github.com/x402-foundation/x402-commerce/internal/webhook"
)

// Reasons returned in the "reason" field of error bodies
const (
	ReasonInvalidRequest       = "invalid_request"
	ReasonNotFound             = "not_found"
	ReasonInsufficientStock    = "insufficient_stock"
	ReasonReservationExpired   = "reservation_expired"
	ReasonAttemptExpired       = "attempt_expired"
	ReasonIdempotencyConflict  = "idempotency_key_reused"
	ReasonRequirementsMismatch = "requirements_mismatch"
	ReasonInternal             = "internal_error"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// classify maps a service error to an HTTP status and reason
func classify(err error) (int, string) {
	var verrs validator.ValidationErrors
	var schemaErr *x402http.SchemaError
	var paymentErr *x402.PaymentError

	switch {
	case errors.As(err, &verrs), errors.As(err, &schemaErr),
		errors.Is(err, errBadRequest),
		errors.Is(err, session.ErrInvalidRequest),
		errors.Is(err, idempotency.ErrKeyRequired),
		errors.Is(err, idempotency.ErrSellerRequired),
		errors.Is(err, reservation.ErrInvalidQuantity),
		errors.Is(err, webhook.ErrInvalidURL),
		errors.Is(err, webhook.ErrUnknownEventType):
		return http.StatusBadRequest, ReasonInvalidRequest
	case errors.As(err, &paymentErr):
		return http.StatusBadRequest, paymentErr.Code
	case errors.Is(err, session.ErrRequirementsMismatch):
		return http.StatusBadRequest, ReasonRequirementsMismatch
	case errors.Is(err, session.ErrAttemptNotFound),
		errors.Is(err, reservation.ErrItemNotFound),
		errors.Is(err, webhook.ErrSubscriptionNotFound):
		return http.StatusNotFound, ReasonNotFound
	case errors.Is(err, reservation.ErrInsufficientStock):
		return http.StatusConflict, ReasonInsufficientStock
	case errors.Is(err, session.ErrReservationExpired):
		return http.StatusConflict, ReasonReservationExpired
	case errors.Is(err, session.ErrAttemptExpired):
		return http.StatusConflict, ReasonAttemptExpired
	case errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusConflict, ReasonIdempotencyConflict
	default:
		return http.StatusInternalServerError, ReasonInternal
	}
}

func (s *Server) abortWithError(c *gin.Context, funcName string, err error) {
	status, reason := classify(err)
	if status >= http.StatusInternalServerError {
		logging.LogError(s.logger, "api", funcName, err, logrus.Fields{
			"request_id": c.GetString("request_id"),
		})
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error", "reason": reason})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message(err), "reason": reason})
}

func message(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(fields, "; ")
}
