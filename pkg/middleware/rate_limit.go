package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/diagnosis/eventcheckin/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// RateLimitStore counts hits for a key inside a fixed window.
type RateLimitStore interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RateLimitConfig defines rate limiting parameters
type RateLimitConfig struct {
	Requests int                            // Max requests per window
	Window   time.Duration                  // Time window duration
	KeyFunc  func(r *http.Request) []string // Function to generate rate limit keys
}

// RateLimiter provides rate limiting functionality
type RateLimiter struct {
	store  RateLimitStore
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(store RateLimitStore, config RateLimitConfig) *RateLimiter {
	if config.KeyFunc == nil {
		config.KeyFunc = ClientIPKeyFunc
	}
	return &RateLimiter{store: store, config: config}
}

// Middleware returns the rate limiting middleware
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, key := range rl.config.KeyFunc(r) {
				if !rl.allow(r.Context(), key) {
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rl.config.Window.Seconds())))
					w.WriteHeader(http.StatusTooManyRequests)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"error": "Too many requests. Try again later.",
						"code":  "RATE_LIMIT_EXCEEDED",
					})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	hasher := sha256.New()
	hasher.Write([]byte(key))
	hashedKey := fmt.Sprintf("ratelimit:%x", hasher.Sum(nil))

	count, err := rl.store.Hit(ctx, hashedKey, rl.config.Window)
	if err != nil {
		// fail open
		logger.WarnContext(ctx, "Rate limit store unavailable", "error", err)
		return true
	}
	return count <= int64(rl.config.Requests)
}

// RedisRateLimitStore implements a fixed window with INCR + EXPIRE. The
// expiry is set only by the hit that creates the key.
type RedisRateLimitStore struct {
	client *redis.Client
}

func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client}
}

var hitWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

func (s *RedisRateLimitStore) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	return hitWindow.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64()
}

var _ RateLimitStore = (*RedisRateLimitStore)(nil)

// ClientIPKeyFunc keys the limit by client IP.
func ClientIPKeyFunc(r *http.Request) []string {
	if ip := getClientIP(r); ip != "" {
		return []string{"ip:" + ip}
	}
	return nil
}

// UserKeyFunc keys the limit by the authenticated user, falling back to the
// client IP for anonymous requests.
func UserKeyFunc(r *http.Request) []string {
	if uid, ok := r.Context().Value(logger.UserIDKey).(string); ok && uid != "" {
		return []string{"user:" + uid}
	}
	return ClientIPKeyFunc(r)
}

// getClientIP extracts the real client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
