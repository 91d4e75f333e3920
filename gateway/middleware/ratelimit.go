package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stablefi/observability"
)

// RateLimit configures one limiter group. Costs charges expensive routes,
// keyed "METHOD /path", more than the default single token.
type RateLimit struct {
	RatePerSecond float64
	Burst         int
	Costs         map[string]int
}

func (l RateLimit) cost(r *http.Request) int {
	if n := l.Costs[r.Method+" "+r.URL.Path]; n > 0 {
		return n
	}
	return 1
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles callers per limiter group. It runs behind the
// authenticator: callers are identified by token subject, then API key, then
// client IP.
type RateLimiter struct {
	logger   *slog.Logger
	limits   map[string]RateLimit
	mu       sync.Mutex
	visitors map[string]*visitor
	clockNow func() time.Time
	idleTTL  time.Duration
}

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*visitor),
		clockNow: time.Now,
		idleTTL:  5 * time.Minute,
	}
}

// Middleware limits the group named key. Unknown groups pass through.
func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limit, ok := r.limits[key]
		if !ok {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			caller := clientID(req)
			limiter := r.limiterFor(key+"|"+caller, limit)
			now := r.clockNow()
			res := limiter.ReserveN(now, limit.cost(req))
			if delay := res.DelayFrom(now); !res.OK() || delay > 0 {
				res.CancelAt(now)
				if res.OK() {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				}
				observability.ModuleMetrics().RecordThrottle(key, "rate_limit")
				r.logger.Debug("request throttled", slog.String("group", key), slog.String("caller", caller))
				writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) limiterFor(id string, cfg RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clockNow()
	for k, v := range r.visitors {
		if now.Sub(v.lastSeen) > r.idleTTL {
			delete(r.visitors, k)
		}
	}
	if v, ok := r.visitors[id]; ok {
		v.lastSeen = now
		return v.limiter
	}
	perSecond := math.Max(cfg.RatePerSecond, 1e-3)
	burst := max(cfg.Burst, 1)
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[id] = &visitor{limiter: limiter, lastSeen: now}
	return limiter
}

func clientID(r *http.Request) string {
	if sub := strings.TrimSpace(Subject(r.Context())); sub != "" {
		return "sub:" + sub
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return "key:" + key
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
