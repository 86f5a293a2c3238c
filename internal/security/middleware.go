package security

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"go.uber.org/zap"
)

// MaxBodySize is the largest accepted request body.
const MaxBodySize = 10 * 1024 * 1024

// Middleware provides security middleware for Fiber
type Middleware struct {
	rateLimiter      *RateLimiter
	idempotencyStore *IdempotencyStore
	logger           *zap.Logger
}

// NewMiddleware creates a new security middleware
func NewMiddleware(rl *RateLimiter, is *IdempotencyStore, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		rateLimiter:      rl,
		idempotencyStore: is,
		logger:           logger,
	}
}

// ClientID identifies the caller for rate limiting.
func ClientID(c *fiber.Ctx) string {
	if id := c.Get("X-User-ID"); id != "" {
		return utils.CopyString(id)
	}
	if key := apiKey(c); key != "" {
		return "key:" + HashAPIKey(key)[:16]
	}
	return utils.CopyString(c.IP())
}

// RateLimitMiddleware returns a rate limiting middleware
func (m *Middleware) RateLimitMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		clientID := ClientID(c)

		if !m.rateLimiter.Allow(clientID) {
			info := m.rateLimiter.GetInfo(clientID)
			retryAfter := int64(time.Until(info.ResetAt).Seconds()) + 1

			c.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
			c.Set("X-RateLimit-Remaining", "0")
			c.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))
			c.Set("Retry-After", strconv.FormatInt(retryAfter, 10))

			metricRateLimited.Inc()
			m.logger.Debug("rate limit exceeded", zap.String("client", clientID), zap.String("path", c.Path()))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success":     false,
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
		}

		info := m.rateLimiter.GetInfo(clientID)
		c.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))

		return c.Next()
	}
}

// IdempotencyMiddleware makes POSTs carrying X-Idempotency-Key safe to retry.
// Keys are scoped to the client. A finished key replays its stored response,
// a key still in flight answers 409 and a key reused with another body 422.
// Only 2xx responses are kept; handlers may set the "jobID" local to tag them.
func (m *Middleware) IdempotencyMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}
		key := c.Get("X-Idempotency-Key")
		if key == "" {
			return c.Next()
		}
		scoped := ClientID(c) + ":" + key

		entry, err := m.idempotencyStore.Begin(scoped, Fingerprint(c.Method(), c.Path(), c.Body()))
		switch {
		case errors.Is(err, ErrIdempotencyInFlight):
			metricIdempotency.WithLabelValues("conflict").Inc()
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "error": err.Error()})
		case errors.Is(err, ErrIdempotencyMismatch):
			metricIdempotency.WithLabelValues("mismatch").Inc()
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"success": false, "error": err.Error()})
		case entry != nil:
			metricIdempotency.WithLabelValues("replayed").Inc()
			m.logger.Debug("replaying idempotent response", zap.String("key", key), zap.String("job_id", entry.JobID))
			c.Set("X-Idempotency-Replayed", "true")
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Status(entry.Status).Send(entry.Response)
		}

		if err := c.Next(); err != nil {
			m.idempotencyStore.Release(scoped)
			return err
		}
		status := c.Response().StatusCode()
		if status < 200 || status >= 300 {
			m.idempotencyStore.Release(scoped)
			return nil
		}
		jobID, _ := c.Locals("jobID").(string)
		m.idempotencyStore.Complete(scoped, jobID, status, c.Response().Body())
		metricIdempotency.WithLabelValues("stored").Inc()
		return nil
	}
}

// APIKeyMiddleware rejects requests without a key from keys. An empty set
// disables the check.
func APIKeyMiddleware(keys *KeySet) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if keys == nil || keys.Len() == 0 {
			return c.Next()
		}
		if !keys.Contains(apiKey(c)) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Invalid or missing API key",
			})
		}
		return c.Next()
	}
}

func apiKey(c *fiber.Ctx) string {
	if key := c.Get("X-API-Key"); key != "" {
		return key
	}
	auth := c.Get(fiber.HeaderAuthorization)
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-XSS-Protection", "1; mode=block")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Content-Security-Policy", "default-src 'self'")

		requestID := utils.CopyString(c.Get("X-Request-ID"))
		if requestID == "" {
			requestID = GenerateRequestID()
		}
		c.Set("X-Request-ID", requestID)
		c.Locals("requestID", requestID)

		return c.Next()
	}
}

// RequestValidationMiddleware validates incoming requests
func RequestValidationMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodPost, fiber.MethodPut, fiber.MethodPatch:
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" && !strings.HasPrefix(contentType, fiber.MIMEApplicationJSON) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"success": false,
					"error":   "Content-Type must be application/json",
				})
			}
		}

		if len(c.Body()) > MaxBodySize {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"success": false,
				"error":   "Request body too large",
			})
		}

		return c.Next()
	}
}

// IPWhitelistMiddleware creates an IP whitelist middleware
func IPWhitelistMiddleware(allowedIPs []string) fiber.Handler {
	ipSet := make(map[string]bool, len(allowedIPs))
	for _, ip := range allowedIPs {
		ipSet[ip] = true
	}

	return func(c *fiber.Ctx) error {
		if len(ipSet) == 0 || ipSet[c.IP()] {
			return c.Next()
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"success": false,
			"error":   "Access denied",
		})
	}
}
