// internal/middleware/rate_limit.go
package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/javajoker/autoparts-backend/internal/config"
	"github.com/javajoker/autoparts-backend/internal/utils"
)

const (
	partitionIdleTimeout = 3 * time.Minute
	sweepInterval        = time.Minute
)

// partitions keeps one limiter per client key and forgets keys that have
// been idle for partitionIdleTimeout.
type partitions[T any] struct {
	mu      sync.Mutex
	entries map[string]*partition[T]
	create  func() T
	busy    func(T) bool
	now     func() time.Time
}

type partition[T any] struct {
	value    T
	lastSeen time.Time
}

func newPartitions[T any](create func() T, busy func(T) bool) *partitions[T] {
	return &partitions[T]{
		entries: make(map[string]*partition[T]),
		create:  create,
		busy:    busy,
		now:     time.Now,
	}
}

func (p *partitions[T]) get(key string) T {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		e = &partition[T]{value: p.create()}
		p.entries[key] = e
	}
	e.lastSeen = p.now()
	return e.value
}

func (p *partitions[T]) sweep(idle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	removed := 0
	for key, e := range p.entries {
		if now.Sub(e.lastSeen) <= idle {
			continue
		}
		if p.busy != nil && p.busy(e.value) {
			continue
		}
		delete(p.entries, key)
		removed++
	}
	return removed
}

func (p *partitions[T]) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// janitor runs sweep until stop is closed.
func janitor(stop <-chan struct{}, sweep func()) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// requestLimiter decides a single request. A rejection carries the time
// after which a retry may succeed.
type requestLimiter interface {
	allow(now time.Time) (bool, time.Duration)
}

type fixedWindow struct {
	mu      sync.Mutex
	permits int
	window  time.Duration
	start   time.Time
	count   int
}

func (w *fixedWindow) allow(now time.Time) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.start.IsZero() || now.Sub(w.start) >= w.window {
		w.start = now
		w.count = 0
	}
	if w.count >= w.permits {
		return false, w.start.Add(w.window).Sub(now)
	}
	w.count++
	return true, 0
}

// slidingWindow splits the window into segments. Permits counted in a
// segment are returned once that segment slides out of the window.
type slidingWindow struct {
	mu       sync.Mutex
	permits  int
	segLen   time.Duration
	counts   []int
	current  int
	segStart time.Time
}

func newSlidingWindow(permits int, window time.Duration, segments int) *slidingWindow {
	if segments < 1 {
		segments = 1
	}
	return &slidingWindow{
		permits: permits,
		segLen:  window / time.Duration(segments),
		counts:  make([]int, segments),
	}
}

func (w *slidingWindow) advance(now time.Time) {
	if w.segStart.IsZero() || now.Sub(w.segStart) >= w.segLen*time.Duration(len(w.counts)) {
		for i := range w.counts {
			w.counts[i] = 0
		}
		w.segStart = now
		return
	}
	for now.Sub(w.segStart) >= w.segLen {
		w.current = (w.current + 1) % len(w.counts)
		w.counts[w.current] = 0
		w.segStart = w.segStart.Add(w.segLen)
	}
}

func (w *slidingWindow) allow(now time.Time) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.advance(now)

	total := 0
	for _, n := range w.counts {
		total += n
	}
	if total < w.permits {
		w.counts[w.current]++
		return true, 0
	}

	// wait for the oldest segment that still holds permits to slide out
	wait := w.segStart.Add(w.segLen).Sub(now)
	for k := 1; k < len(w.counts); k++ {
		if w.counts[(w.current+k)%len(w.counts)] > 0 {
			break
		}
		wait += w.segLen
	}
	return false, wait
}

type tokenBucket struct {
	limiter *rate.Limiter
}

func (b *tokenBucket) allow(now time.Time) (bool, time.Duration) {
	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// RateLimiter applies one request policy per client IP.
type RateLimiter struct {
	name  string
	parts *partitions[requestLimiter]
	stop  chan struct{}
	once  sync.Once
}

func newRateLimiter(name string, create func() requestLimiter) *RateLimiter {
	rl := &RateLimiter{
		name:  name,
		parts: newPartitions(create, nil),
		stop:  make(chan struct{}),
	}
	go janitor(rl.stop, func() { rl.parts.sweep(partitionIdleTimeout) })
	return rl
}

func NewFixedWindowLimiter(permits int, window time.Duration) *RateLimiter {
	return newRateLimiter("fixed", func() requestLimiter {
		return &fixedWindow{permits: permits, window: window}
	})
}

func NewSlidingWindowLimiter(permits int, window time.Duration, segments int) *RateLimiter {
	return newRateLimiter("sliding", func() requestLimiter {
		return newSlidingWindow(permits, window, segments)
	})
}

// NewTokenBucketLimiter refills tokensPerPeriod tokens every period, holding
// at most limit.
func NewTokenBucketLimiter(limit, tokensPerPeriod int, period time.Duration) *RateLimiter {
	if tokensPerPeriod < 1 {
		tokensPerPeriod = 1
	}
	every := rate.Every(period / time.Duration(tokensPerPeriod))
	return newRateLimiter("token", func() requestLimiter {
		return &tokenBucket{limiter: rate.NewLimiter(every, limit)}
	})
}

func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	return rl.parts.get(key).allow(rl.parts.now())
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retryAfter := rl.Allow(c.ClientIP())
		if !ok {
			logrus.WithFields(logrus.Fields{
				"policy": rl.name,
				"ip":     c.ClientIP(),
				"path":   c.Request.URL.Path,
			}).Warn("Rate limit exceeded")
			utils.TooManyRequestsResponse(c, retryAfter)
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// concurrencyGate admits a fixed number of requests at once and lets a
// bounded number wait for a slot.
type concurrencyGate struct {
	sem     *semaphore.Weighted
	mu      sync.Mutex
	queue   int
	waiting int
	active  int
}

func (g *concurrencyGate) acquire(ctx context.Context) bool {
	if g.sem.TryAcquire(1) {
		g.track(1)
		return true
	}

	g.mu.Lock()
	if g.waiting >= g.queue {
		g.mu.Unlock()
		return false
	}
	g.waiting++
	g.mu.Unlock()

	err := g.sem.Acquire(ctx, 1)

	g.mu.Lock()
	g.waiting--
	g.mu.Unlock()

	if err != nil {
		return false
	}
	g.track(1)
	return true
}

func (g *concurrencyGate) release() {
	g.track(-1)
	g.sem.Release(1)
}

func (g *concurrencyGate) track(delta int) {
	g.mu.Lock()
	g.active += delta
	g.mu.Unlock()
}

func (g *concurrencyGate) busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active > 0 || g.waiting > 0
}

// ConcurrencyLimiter caps in-flight requests per client IP.
type ConcurrencyLimiter struct {
	parts *partitions[*concurrencyGate]
	stop  chan struct{}
	once  sync.Once
}

func NewConcurrencyLimiter(permits, queue int) *ConcurrencyLimiter {
	cl := &ConcurrencyLimiter{
		parts: newPartitions(
			func() *concurrencyGate {
				return &concurrencyGate{sem: semaphore.NewWeighted(int64(permits)), queue: queue}
			},
			func(g *concurrencyGate) bool { return g.busy() },
		),
		stop: make(chan struct{}),
	}
	go janitor(cl.stop, func() { cl.parts.sweep(partitionIdleTimeout) })
	return cl
}

func (cl *ConcurrencyLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		gate := cl.parts.get(c.ClientIP())
		if !gate.acquire(c.Request.Context()) {
			logrus.WithFields(logrus.Fields{
				"policy": "concurrency",
				"ip":     c.ClientIP(),
				"path":   c.Request.URL.Path,
			}).Warn("Rate limit exceeded")
			utils.TooManyRequestsResponse(c, time.Second)
			return
		}
		defer gate.release()
		c.Next()
	}
}

func (cl *ConcurrencyLimiter) Close() {
	cl.once.Do(func() { close(cl.stop) })
}

// Policies are the named limiters attached to route groups.
type Policies struct {
	Fixed       *RateLimiter
	Sliding     *RateLimiter
	Token       *RateLimiter
	Upload      *RateLimiter
	Concurrency *ConcurrencyLimiter
}

func NewPolicies(cfg config.RateLimitConfig) *Policies {
	return &Policies{
		Fixed:       NewFixedWindowLimiter(cfg.FixedPermits, cfg.FixedWindow),
		Sliding:     NewSlidingWindowLimiter(cfg.SlidingPermits, cfg.SlidingWindow, cfg.SlidingSegments),
		Token:       NewTokenBucketLimiter(cfg.TokenLimit, cfg.TokensPerPeriod, cfg.ReplenishPeriod),
		Upload:      NewFixedWindowLimiter(10, time.Minute), // 10 uploads per minute
		Concurrency: NewConcurrencyLimiter(cfg.ConcurrencyPermits, cfg.ConcurrencyQueue),
	}
}

func (p *Policies) Close() {
	p.Fixed.Close()
	p.Sliding.Close()
	p.Token.Close()
	p.Upload.Close()
	p.Concurrency.Close()
}
