package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/esocialgw/internal/observability/logger"
	"go.uber.org/zap"
)

const contextEventCompanyKey = "event_company_id"

// SubmissionRateLimit throttles submissions per company. When the limiter
// backend is unreachable the request is refused rather than let through.
func (s *Server) SubmissionRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		event, err := s.eventSvc.Get(ctx, strings.TrimSpace(c.Param("id")))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(contextEventCompanyKey, event.CompanyID)

		result, err := s.limiter.AllowCompany(ctx, event.CompanyID)
		if err != nil {
			logger.FromContext(ctx).Warn("submission rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			retryAfter := int(result.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			logger.FromContext(ctx).Warn("submission rate limit exceeded",
				zap.String("company_id", event.CompanyID),
				zap.Int("retry_after_s", retryAfter),
			)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
