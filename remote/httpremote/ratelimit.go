package httpremote

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	authMaxFailures = 20
	authBaseLockout = time.Minute
	authMaxLockout  = 30 * time.Minute
	// attemptExpiry is how long after the last failure a record is dropped.
	attemptExpiry = time.Hour
)

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// authLimiter locks out source addresses that keep presenting bad tokens.
// Lockouts double per failure past maxFailures, capped at maxLockout.
type authLimiter struct {
	maxFailures int
	baseLockout time.Duration
	maxLockout  time.Duration
	now         func() time.Time

	mu       sync.Mutex
	attempts map[string]*attemptRecord
}

func newAuthLimiter(maxFailures int, baseLockout time.Duration) *authLimiter {
	return &authLimiter{
		maxFailures: maxFailures,
		baseLockout: baseLockout,
		maxLockout:  authMaxLockout,
		now:         time.Now,
		attempts:    make(map[string]*attemptRecord),
	}
}

// check reports whether addr is locked out and for how long.
func (l *authLimiter) check(addr string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.attempts[addr]
	if !ok {
		return false, 0
	}
	now := l.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(l.attempts, addr)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (l *authLimiter) recordFailure(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.attempts[addr]
	if !ok {
		rec = &attemptRecord{}
		l.attempts[addr] = rec
	}
	rec.failures++
	rec.lastFailure = l.now()

	if rec.failures >= l.maxFailures {
		lockout := l.baseLockout
		for i := 0; i < rec.failures-l.maxFailures; i++ {
			lockout *= 2
			if lockout > l.maxLockout {
				lockout = l.maxLockout
				break
			}
		}
		rec.lockedUntil = rec.lastFailure.Add(lockout)
	}
}

func (l *authLimiter) recordSuccess(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, addr)
}

// sweep drops expired records.
func (l *authLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for addr, rec := range l.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(l.attempts, addr)
		}
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many invalid tokens; try again later")
}

// SecurityHeaders sets response headers appropriate for a JSON API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
