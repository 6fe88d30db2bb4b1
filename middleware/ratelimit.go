package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	visitorSweepEvery = 5 * time.Minute
	visitorIdleAfter  = 10 * time.Minute
)

// visitor tracks one client IP's token bucket and when it last sent a request.
type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// RateLimit throttles requests per client IP with a token bucket.
// r is the sustained requests-per-second rate, burst the bucket size.
// Idle IPs are swept periodically so the map does not grow unbounded.
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	visitors := &sync.Map{}

	go func() {
		ticker := time.NewTicker(visitorSweepEvery)
		defer ticker.Stop()
		for range ticker.C {
			cutoff := time.Now().Add(-visitorIdleAfter)
			visitors.Range(func(key, val interface{}) bool {
				if val.(*visitor).lastSeen.Before(cutoff) {
					visitors.Delete(key)
				}
				return true
			})
		}
	}()

	allow := func(ip string) bool {
		val, _ := visitors.LoadOrStore(ip, &visitor{bucket: rate.NewLimiter(r, burst)})
		v := val.(*visitor)
		v.lastSeen = time.Now()
		return v.bucket.Allow()
	}

	return func(c *gin.Context) {
		if !allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
