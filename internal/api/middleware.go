package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/okvist/collabd/internal/common/errors"
	"github.com/okvist/collabd/internal/policy"
)

type window struct {
	start time.Time
	count int
}

// RateLimit is a fixed-window per-agent limiter. Agents identify themselves
// with the X-Agent-Id header or the agentId query parameter; anonymous
// callers share a bucket per client IP.
func RateLimit(cfg policy.RateLimitConfig, windowLen time.Duration, now func() time.Time) gin.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	excluded := make(map[string]bool, len(cfg.ExcludedPaths))
	for _, p := range cfg.ExcludedPaths {
		excluded[p] = true
	}
	var mu sync.Mutex
	buckets := make(map[string]*window)

	return func(c *gin.Context) {
		if excluded[c.Request.URL.Path] {
			c.Next()
			return
		}
		key := c.GetHeader("X-Agent-Id")
		if key == "" {
			key = c.Query("agentId")
		}
		if key == "" {
			key = c.ClientIP()
		}
		limit := cfg.DefaultPerMin
		if per, ok := cfg.PerAgent[key]; ok {
			limit = per
		}

		mu.Lock()
		b := buckets[key]
		t := now()
		if b == nil || t.Sub(b.start) >= windowLen {
			b = &window{start: t}
			buckets[key] = b
		}
		b.count++
		over := b.count > limit
		mu.Unlock()

		if over {
			e := errors.Retryable(errors.CodeRateLimited, "rate limit exceeded for %s", key)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errors.Fail(e))
			return
		}
		c.Next()
	}
}
