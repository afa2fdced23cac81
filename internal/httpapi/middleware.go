package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"purchase-ledger/internal/domain"
	"purchase-ledger/internal/logging"
	"purchase-ledger/internal/metrics"
)

const (
	headerRequestID = "X-Request-ID"
	headerUserID    = "X-User-Id"
	headerUserRole  = "X-User-Role"
)

var tracer = otel.Tracer("purchase-ledger/http")

// requestContext extracts W3C trace context, opens the server span and stores a
// request-scoped logger (request id, trace id) in the request context.
func requestContext(base *zap.Logger) gin.HandlerFunc {
	prop := otel.GetTextMapPropagator()
	return func(c *gin.Context) {
		ctx := prop.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(headerRequestID, rid)

		fields := []zap.Field{zap.String("request_id", rid)}
		if sc := span.SpanContext(); sc.IsValid() {
			fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
		}
		log := base.With(fields...)
		c.Request = c.Request.WithContext(logging.ContextWithLogger(ctx, log))

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		log.Info("http_access",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		)
	}
}

func observe(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveHTTP(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), start)
	}
}

// recovery runs outside requestContext, so c.Request already carries the request logger.
func recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.FromContext(c.Request.Context()).Error("panic recovered", zap.Any("panic", recovered), zap.Stack("stack"))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
	})
}

// authenticate trusts the identity headers set by the upstream auth proxy and
// attaches the caller as a domain.Principal.
func authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(headerUserID))
		if userID == "" {
			c.Next()
			return
		}
		role := domain.Role(strings.ToLower(strings.TrimSpace(c.GetHeader(headerUserRole))))
		switch role {
		case "":
			role = domain.RoleMember
		case domain.RoleMember, domain.RoleVendor, domain.RoleAdmin:
		default:
			abortWithError(c, domain.Validation("unknown role %q", role))
			return
		}
		p := domain.Principal{UserID: userID, Role: role}
		ctx := domain.WithPrincipal(c.Request.Context(), p)
		ctx = logging.ContextWithLogger(ctx, logging.FromContext(ctx).With(zap.String("user_id", userID)))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !domain.PrincipalFrom(c.Request.Context()).Authenticated() {
			abortWithError(c, domain.ErrUnauthenticated)
			return
		}
		c.Next()
	}
}
