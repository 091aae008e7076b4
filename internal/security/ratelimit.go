package security

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var errUnexpectedReply = errors.New("unexpected rate limiter reply")

// RedisTokenBucket is a token bucket shared by every instance through Redis.
type RedisTokenBucket struct {
	Redis      *redis.Client
	Prefix     string
	Capacity   int
	RefillRate float64 // tokens per second
}

// Decision is the answer for one request.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until a token is available again. Zero when
	// Allowed.
	RetryAfter time.Duration
}

// The bucket state lives in one hash per key. The reply is
// {allowed, tokens left, seconds until the next token}.
var tokenBucketScript = redis.NewScript(`
local state = redis.call('HMGET', KEYS[1], 'tokens', 'last')
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now
local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  wait = (1 - tokens) / rate
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last', now)
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[4]))
return {allowed, tostring(tokens), tostring(wait)}
`)

func (l *RedisTokenBucket) key(raw string) string {
	if l.Prefix == "" {
		return raw
	}
	return l.Prefix + ":" + raw
}

// Allow takes one token for key. A limiter without Redis or without a
// positive capacity and rate allows everything.
func (l *RedisTokenBucket) Allow(ctx context.Context, rawKey string) (Decision, error) {
	if l.Redis == nil || l.Capacity <= 0 || l.RefillRate <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := float64(time.Now().UnixNano()) / 1e9
	ttl := int64(math.Ceil(float64(l.Capacity)/l.RefillRate)) + 1

	vals, err := tokenBucketScript.Run(ctx, l.Redis, []string{l.key(rawKey)}, l.Capacity, l.RefillRate, now, ttl).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(vals) != 3 {
		return Decision{}, errUnexpectedReply
	}
	nums := make([]float64, len(vals))
	for i, v := range vals {
		f, ok := toFloat64(v)
		if !ok {
			return Decision{}, errUnexpectedReply
		}
		nums[i] = f
	}
	return Decision{
		Allowed:    nums[0] == 1,
		Remaining:  int(nums[1]),
		RetryAfter: time.Duration(nums[2] * float64(time.Second)),
	}, nil
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// RateLimitMiddleware answers 429 with Retry-After once a sender has used up
// its bucket. Requests keyFn cannot key pass through.
func RateLimitMiddleware(l *RedisTokenBucket, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := l.Allow(r.Context(), key)
			if err != nil {
				WriteJSONError(w, r, http.StatusServiceUnavailable, "rate_limiter_unavailable")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				WriteJSONError(w, r, http.StatusTooManyRequests, "rate_limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// KeyByRemoteIP keys rate limiting by the sender's address.
func KeyByRemoteIP(r *http.Request) string {
	if ip := peerIP(r); ip != nil {
		return "ip:" + ip.String()
	}
	return ""
}
