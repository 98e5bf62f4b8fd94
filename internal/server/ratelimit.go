package server

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter enforces a per-client request budget
type ClientLimiter struct {
	perMinute int
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[string]*clientBucket

	idleAfter time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter creates a limiter allowing perMinute requests per client
// with a burst of the same size. perMinute <= 0 disables limiting.
func NewClientLimiter(perMinute int, logger *slog.Logger) *ClientLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &ClientLimiter{
		perMinute: perMinute,
		logger:    logger,
		clients:   make(map[string]*clientBucket),
		idleAfter: 5 * time.Minute,
		stop:      make(chan struct{}),
	}
	if perMinute > 0 {
		go l.cleanup()
	}
	return l
}

// Middleware rejects requests over the client's budget with 429
func (l *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !l.Allow(key) {
			l.logger.Warn("client rate limit exceeded", "client", key, "path", r.URL.Path)
			respondError(w, http.StatusTooManyRequests, "rate_limit_error", "Too many requests. Please slow down.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow consumes one request from key's budget
func (l *ClientLimiter) Allow(key string) bool {
	if l.perMinute <= 0 {
		return true
	}

	l.mu.Lock()
	b, ok := l.clients[key]
	if !ok {
		b = &clientBucket{
			limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute),
		}
		l.clients[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

// Close stops the idle-client sweeper
func (l *ClientLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *ClientLimiter) cleanup() {
	ticker := time.NewTicker(l.idleAfter)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

// sweep drops clients idle since before now minus idleAfter
func (l *ClientLimiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.clients {
		if now.Sub(b.lastSeen) > l.idleAfter {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// clientKey identifies the caller by Authorization header, then remote host
func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return "auth:" + auth
	}
	if r.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		return "ip:" + host
	}
	return "unknown"
}
