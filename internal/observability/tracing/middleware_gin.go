package tracing

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/esocialgw/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per request and tags it with the
// compliance event or company the route addresses.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("esocialgw/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+strings.ToUpper(c.Request.Method), trace.WithSpanKind(trace.SpanKindServer))

		var members []baggage.Member
		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				members = append(members, member)
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		if eventID := strings.TrimSpace(c.Param("id")); eventID != "" {
			ctx = obscontext.WithEventID(ctx, eventID)
			span.SetAttributes(attribute.String("esocial.event_id", eventID))
		}
		if companyID := strings.TrimSpace(c.Param("company_id")); companyID != "" {
			ctx = obscontext.WithCompanyID(ctx, companyID)
			if member, err := baggage.NewMember("company_id", companyID); err == nil {
				members = append(members, member)
			}
			span.SetAttributes(attribute.String("esocial.company_id", companyID))
		}
		if len(members) > 0 {
			if bag, err := baggage.New(members...); err == nil {
				ctx = baggage.ContextWithBaggage(ctx, bag)
			}
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + strings.ToUpper(c.Request.Method) + " " + route)
		span.SetAttributes(SafeAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		)...)

		// 422 carries a fatal pipeline failure; 5xx are our own or retryable.
		if status >= http.StatusInternalServerError || status == http.StatusUnprocessableEntity {
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
		span.End()
	}
}
