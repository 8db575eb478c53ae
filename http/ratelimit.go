package http

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long an address may stay silent before its bucket is
// dropped.
const idleAfter = 10 * time.Minute

type bucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
}

// AddrLimiter keeps a token bucket per client address. It guards the public
// auth endpoints, where no user id exists yet to key a sliding window on.
type AddrLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	every   rate.Limit
	burst   int
	now     func() time.Time
}

// NewAddrLimiter allows burst requests per address, refilled at perMinute.
// Idle buckets are swept until ctx is done.
func NewAddrLimiter(ctx context.Context, perMinute float64, burst int) *AddrLimiter {
	l := &AddrLimiter{
		buckets: make(map[string]*bucket),
		every:   rate.Limit(perMinute / 60),
		burst:   burst,
		now:     time.Now,
	}
	go l.sweepLoop(ctx)
	return l
}

// reserve takes a token for addr and returns how long the caller must wait
// for it. A positive wait means the token was handed back.
func (l *AddrLimiter) reserve(addr string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[addr]
	if !ok {
		b = &bucket{tokens: rate.NewLimiter(l.every, l.burst)}
		l.buckets[addr] = b
	}
	b.lastSeen = now

	r := b.tokens.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	if wait > 0 {
		r.CancelAt(now)
	}
	return wait
}

// sweep drops buckets not seen since cutoff and reports how many remain.
func (l *AddrLimiter) sweep(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, addr)
		}
	}
	return len(l.buckets)
}

func (l *AddrLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(idleAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(l.now().Add(-idleAfter))
		}
	}
}

// Middleware answers 429 with Retry-After once an address runs dry.
func (l *AddrLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wait := l.reserve(clientAddr(r)); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests, please try again later"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr trusts only RemoteAddr. Forwarding headers are spoofable
// without a trusted proxy in front.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
