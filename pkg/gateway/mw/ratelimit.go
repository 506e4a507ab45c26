package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-sonic/pkg/gateway/apierror"
	"github.com/vango-go/vai-sonic/pkg/gateway/config"
	"github.com/vango-go/vai-sonic/pkg/gateway/principal"
	"github.com/vango-go/vai-sonic/pkg/gateway/ratelimit"
)

// RateLimit applies the per-principal request bucket. Upgrades count as one
// request; the session slot itself is taken by the live handler.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health endpoints must remain cheap and reliable.
		if isProbe(r) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		p := principal.Resolve(r, cfg)
		dec := limiter.AcquireRequest(p.Key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			apiErr := &apierror.Error{
				Type:      apierror.ErrRateLimit,
				Message:   "rate limit exceeded",
				RequestID: reqID,
			}
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
				retryAfter := dec.RetryAfter
				apiErr.RetryAfter = &retryAfter
			}
			writeJSONError(w, http.StatusTooManyRequests, apiErr)
			return
		}
		if dec.Permit != nil {
			if isWebSocketUpgrade(r) {
				dec.Permit.Release()
			} else {
				defer dec.Permit.Release()
			}
		}

		next.ServeHTTP(w, r)
	})
}
