package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Limiter is a sliding-window request counter per client IP. The per-IP
// windows live in a concurrent map so fan-in from many viewers doesn't
// contend on one lock.
type Limiter struct {
	requests int
	window   time.Duration
	now      func() time.Time
	windows  *xsync.MapOf[string, *ipWindow]
}

type ipWindow struct {
	mu    sync.Mutex
	times []time.Time
}

func NewLimiter(requests int, window time.Duration) *Limiter {
	return &Limiter{
		requests: requests,
		window:   window,
		now:      time.Now,
		windows:  xsync.NewMapOf[string, *ipWindow](),
	}
}

// Allow records a request for ip and reports whether it fits the window.
// When it doesn't, the second return is the Retry-After in seconds.
func (l *Limiter) Allow(ip string) (bool, int) {
	w, _ := l.windows.LoadOrStore(ip, &ipWindow{})

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	pruned := 0
	for pruned < len(w.times) && !w.times[pruned].After(cutoff) {
		pruned++
	}
	w.times = w.times[pruned:]

	if len(w.times) >= l.requests {
		retryAfter := int(w.times[0].Add(l.window).Sub(now).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}

	w.times = append(w.times, now)
	return true, 0
}

// clientIP honors the first X-Forwarded-For entry for clients behind the
// reverse proxy, then falls back to the socket address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
	return host
}
