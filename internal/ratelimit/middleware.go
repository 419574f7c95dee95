package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/alecgard/x402gate/internal/gateway"
)

// KeyFunc picks the bucket for a request.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by the first X-Forwarded-For hop, falling back to
// the connection's remote host.
func ClientIP(r *http.Request) string {
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

// Middleware enforces the limiter before the wrapped handler runs, so a
// throttled caller is never asked to pay. Quota headers are set on every
// response:
//
//	X-RateLimit-Limit     requests allowed per window
//	X-RateLimit-Remaining tokens left
//	X-RateLimit-Reset     Unix time the bucket is full again
//
// onReject hooks run for each throttled request.
func Middleware(limiter *Limiter, key KeyFunc, onReject ...func(r *http.Request)) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := limiter.Take(key(r))

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				for _, fn := range onReject {
					fn(r)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(gateway.ErrorEnvelope{Error: gateway.ErrorDetail{
					Code:    gateway.CodeRateLimited,
					Message: "Rate limit exceeded. Try again later.",
				}})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
