package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"webhook-pipeline/pkg/metrics"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ClientIDKey = "clientID"

type SecurityMiddleware struct {
	logger       *zap.Logger
	apiKeys      map[string]string // clientID -> apiKey
	apiKeyHeader string
	now          func() time.Time
}

func NewSecurityMiddleware(logger *zap.Logger, apiKeys map[string]string, apiKeyHeader string) *SecurityMiddleware {
	return &SecurityMiddleware{
		logger:       logger,
		apiKeys:      apiKeys,
		apiKeyHeader: apiKeyHeader,
		now:          time.Now,
	}
}

// Authenticate guards the dashboard and admin routes.
func (m *SecurityMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(m.apiKeyHeader)
		if apiKey == "" {
			m.logger.Warn("Missing API key", zap.String("ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
			return
		}

		clientID := m.validateAPIKey(apiKey)
		if clientID == "" {
			prefixLen := len(apiKey)
			if prefixLen > 4 {
				prefixLen = 4
			}
			m.logger.Warn("Invalid API key", zap.String("ip", c.ClientIP()), zap.String("api_key_prefix", apiKey[:prefixLen]))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}

		c.Set(ClientIDKey, clientID)
		m.logger.Debug("Successfully authenticated client", zap.String("client_id", clientID))
		c.Next()
	}
}

func (m *SecurityMiddleware) CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+m.apiKeyHeader)
		c.Header("Access-Control-Max-Age", "3600")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// rateLimiter holds one token bucket per key. Keys can come from
// unauthenticated headers, so buckets that sat idle long enough to refill
// completely are dropped; a fresh bucket starts full, which is the same state.
type rateLimiter struct {
	mu        sync.Mutex
	rate      float64
	burst     float64
	idleAfter time.Duration
	lastSweep time.Time
	buckets   map[string]*bucket
}

func newRateLimiter(ratePerSecond, burst float64) *rateLimiter {
	idle := time.Minute
	if refill := time.Duration(burst / ratePerSecond * float64(time.Second)); refill > idle {
		idle = refill
	}
	return &rateLimiter{
		rate:      ratePerSecond,
		burst:     burst,
		idleAfter: idle,
		buckets:   make(map[string]*bucket),
	}
}

func (l *rateLimiter) allow(id string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.idleAfter {
		l.sweep(now)
	}

	b, exists := l.buckets[id]
	if !exists {
		b = &bucket{tokens: l.burst, lastRefill: now}
		l.buckets[id] = b
	}
	b.tokens += now.Sub(b.lastRefill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastRefill = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *rateLimiter) sweep(now time.Time) {
	for id, b := range l.buckets {
		if now.Sub(b.lastRefill) >= l.idleAfter {
			delete(l.buckets, id)
		}
	}
	l.lastSweep = now
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateLimit is a token bucket per key. Requests whose key is empty pass.
func (m *SecurityMiddleware) RateLimit(limitType string, ratePerSecond, burst float64, key func(*gin.Context) string) gin.HandlerFunc {
	if ratePerSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := newRateLimiter(ratePerSecond, burst)

	return func(c *gin.Context) {
		id := key(c)
		if id == "" {
			c.Next()
			return
		}

		if !limiter.allow(id, m.now()) {
			metrics.RateLimitExceeded.WithLabelValues(id, limitType).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// ClientKey keys a limit on the authenticated API client.
func ClientKey(c *gin.Context) string {
	return c.GetString(ClientIDKey)
}

// HeaderKey keys a limit on a request header, e.g. the company id.
func HeaderKey(header string) func(*gin.Context) string {
	return func(c *gin.Context) string {
		return strings.TrimSpace(c.GetHeader(header))
	}
}

// ValidatePayload requires a JSON content type and caps the body size.
func (m *SecurityMiddleware) ValidatePayload(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.GetHeader("Content-Type"), "application/json") {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": "Content-Type must be application/json"})
			return
		}

		if c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Empty request body"})
			return
		}

		if maxBytes > 0 {
			if c.Request.ContentLength > maxBytes {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
				return
			}
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}

		c.Next()
	}
}

func (m *SecurityMiddleware) validateAPIKey(apiKey string) string {
	for clientID, key := range m.apiKeys {
		if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			return clientID
		}
	}
	return ""
}
