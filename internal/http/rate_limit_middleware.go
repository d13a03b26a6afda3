package httpx

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// Route classes. They prefix limiter keys and label the rejection metric, so
// webhook senders never share a budget with operators.
const (
	classWebhook  = "webhook"
	classOperator = "operator"
	classRealtime = "realtime"
)

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// rateRule is one budget: limit requests per window for a route class.
type rateRule struct {
	class  string
	limit  int
	window time.Duration
}

func (rule rateRule) key(subject string) string {
	return rule.class + ":" + subject
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]rateWindow
	stopCh  chan struct{}
	once    sync.Once
}

type rateWindow struct {
	count int
	end   time.Time
}

// NewMemoryRateLimiter builds a process-local limiter with a background sweep.
func NewMemoryRateLimiter() RateLimiter {
	rl := newMemoryRateLimiter(time.Now)
	go rl.sweepLoop()
	return rl
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{
		now:     now,
		windows: make(map[string]rateWindow),
		stopCh:  make(chan struct{}),
	}
}

func (rl *memoryRateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	win, ok := rl.windows[key]
	if !ok || !now.Before(win.end) {
		win = rateWindow{end: now.Add(window)}
	}
	if win.count >= limit {
		return rateDecision{count: win.count, windowEnd: win.end}
	}
	win.count++
	rl.windows[key] = win
	return rateDecision{allowed: true, count: win.count, windowEnd: win.end}
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *memoryRateLimiter) sweep() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, win := range rl.windows {
		if !now.Before(win.end) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stopCh) })
}

// withRateLimit guards next with a per-address budget for the rule's class.
func (r *Router) withRateLimit(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.allow(w, req, rule, "ip", remoteHost(req)) {
			return
		}
		next(w, req)
	}
}

// allow charges one request against subject's budget and writes the 429
// itself when the budget is spent. kind names the subject in metrics.
func (r *Router) allow(w http.ResponseWriter, req *http.Request, rule rateRule, kind, subject string) bool {
	if rule.limit <= 0 || r.limiter == nil {
		return true
	}
	decision := r.limiter.Allow(req.Context(), rule.key(kind+":"+subject), rule.limit, rule.window)
	setRateHeaders(w, rule.limit, decision)
	if decision.allowed {
		return true
	}
	r.recordRateLimitHit(rule.class, kind)
	if wait := time.Until(decision.windowEnd); wait > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second)/time.Second)))
	}
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func setRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	remaining := limit - decision.count
	if remaining < 0 || !decision.allowed {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// repositorySubject normalizes a repository so "Acme/Web.git" and
// "acme/web" share one budget.
func repositorySubject(repository string) string {
	repo := strings.ToLower(strings.TrimSpace(repository))
	repo = strings.TrimSuffix(repo, ".git")
	return strings.TrimSuffix(repo, "/")
}

func remoteHost(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}
