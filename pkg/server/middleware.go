package server

import (
	"fmt"
	"net/http"
)

// securityHeaders mirrors what the reverse proxy would add when running
// bare: no framing, no MIME sniffing, conservative referrers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// rateLimited applies the sliding-window limiter to a read endpoint.
func (s *DreamServer) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		allowed, retryAfter := s.limiter.Allow(ip)
		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprint(retryAfter))
			writeError(w, http.StatusTooManyRequests,
				fmt.Sprintf("Rate limit exceeded. Max %d requests per %s.", s.limiter.requests, s.limiter.window))
			return
		}
		next(w, r)
	}
}
