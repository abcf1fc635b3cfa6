package ratelimit

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
	"github.com/noah-isme/cfa-appel-api/pkg/response"
)

// idle keys are dropped after this long without traffic, or after a full refill if longer.
const idleTTL = 10 * time.Minute

// Limiter keeps one token bucket per client key. Every decision is taken at the injected
// clock's time, so tests drive refills with clock.NewMock.
type Limiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	clock clock.Clock

	mu        sync.Mutex
	state     map[string]*entry
	lastPrune time.Time
}

type entry struct {
	limiter *rate.Limiter
	last    time.Time
}

// New allows burst requests per key, refilled at perMinute.
func New(perMinute, burst int, clk clock.Clock) *Limiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	if burst <= 0 {
		burst = perMinute
	}
	if clk == nil {
		clk = clock.New()
	}
	interval := time.Minute / time.Duration(perMinute)
	idle := idleTTL
	if refill := interval * time.Duration(burst); refill > idle {
		idle = refill
	}
	return &Limiter{
		limit:     rate.Every(interval),
		burst:     burst,
		idle:      idle,
		clock:     clk,
		state:     make(map[string]*entry),
		lastPrune: clk.Now(),
	}
}

// Allow takes one token for key. When denied it returns the wait before a token frees up.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)

	e, ok := l.state[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.state[key] = e
	}
	e.last = now

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, rate.InfDuration
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

func (l *Limiter) prune(now time.Time) {
	if now.Sub(l.lastPrune) < l.idle {
		return
	}
	for key, e := range l.state {
		if now.Sub(e.last) >= l.idle {
			delete(l.state, key)
		}
	}
	l.lastPrune = now
}

// Middleware enforces the limit per client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		ok, wait := l.Allow(ip)
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			response.Error(c, appErrors.ErrRateLimited)
			c.Abort()
			return
		}
		c.Next()
	}
}
