// Package ratelimit provides the fixed-window call counter used to rate
// limit actors per service, and gin middleware that enforces it.
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/auth"
)

// Window is the effective limit applied to one (actor, service) pair.
type Window struct {
	MaxCalls uint32
	Length   time.Duration
}

// Valid reports whether the window can be enforced.
func (w Window) Valid() bool {
	return w.MaxCalls > 0 && w.Length >= time.Second
}

// BucketID returns floor(now / length) in whole seconds.
func BucketID(now time.Time, length time.Duration) int64 {
	secs := int64(length / time.Second)
	if secs <= 0 {
		return 0
	}
	return now.Unix() / secs
}

// Bucket counts calls made by one actor against one service in the
// current window. A bucket whose WindowBucket is stale is logically empty.
type Bucket struct {
	Actor        string `json:"actor"`
	Service      string `json:"service"`
	WindowBucket int64  `json:"window_bucket"`
	CallCount    uint32 `json:"call_count"`
}

// Hit counts one call at now and reports whether the actor has now
// exceeded w.MaxCalls within the current window. The counter moves on
// every hit, including rejected ones.
func (b *Bucket) Hit(now time.Time, w Window) bool {
	id := BucketID(now, w.Length)
	if b.WindowBucket != id {
		b.WindowBucket = id
		b.CallCount = 0
	}
	if b.CallCount < ^uint32(0) {
		b.CallCount++
	}
	return b.CallCount > w.MaxCalls
}

// Remaining returns how many calls are left in the window containing now.
func (b *Bucket) Remaining(now time.Time, w Window) uint32 {
	if b.WindowBucket != BucketID(now, w.Length) {
		return w.MaxCalls
	}
	if b.CallCount >= w.MaxCalls {
		return 0
	}
	return w.MaxCalls - b.CallCount
}

// Checker performs an atomic check-and-increment for an actor.
type Checker interface {
	CheckRateLimit(ctx context.Context, actor, service string) (bool, error)
}

// KeyFunc derives the actor key for a request.
type KeyFunc func(c *gin.Context) string

// ClientKey keys authenticated requests by principal and everyone else by
// client IP. It must run after auth.Middleware. Raw credentials never
// become actor keys.
func ClientKey(c *gin.Context) string {
	if p := auth.GetPrincipal(c); p != "" {
		return p
	}
	return c.ClientIP()
}

// Middleware returns a gin middleware that rate limits each request as a
// call against service. Checker failures are logged and the request is
// let through, so an uninitialised monitor does not take the API down.
func Middleware(checker Checker, service string, key KeyFunc, logger *slog.Logger) gin.HandlerFunc {
	if key == nil {
		key = ClientKey
	}
	return func(c *gin.Context) {
		exceeded, err := checker.CheckRateLimit(c.Request.Context(), key(c), service)
		if err != nil {
			logger.Debug("rate limit check skipped", "service", service, "error", err)
			c.Next()
			return
		}

		if exceeded {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
