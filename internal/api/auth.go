package api

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"hostsync/internal/config"

	"golang.org/x/time/rate"
)

// Auth provides API-key authentication and per-key rate limiting.
type Auth struct {
	cfg      config.APIConfig
	limiters sync.Map // map[string]*rate.Limiter
}

func NewAuth(cfg config.APIConfig) *Auth {
	return &Auth{cfg: cfg}
}

func (a *Auth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			if err := a.checkKey(r); err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
		}
		if err := a.checkRateLimit(r); err != nil {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *Auth) header() string {
	h := strings.TrimSpace(a.cfg.Auth.Header)
	if h == "" {
		h = "X-API-Key"
	}
	return h
}

func (a *Auth) checkKey(r *http.Request) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.header()))
	if apiKey == "" {
		return fmt.Errorf("missing api key")
	}

	for _, k := range a.cfg.Auth.APIKeys {
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(apiKey)) == 1 {
			return nil
		}
	}
	return fmt.Errorf("invalid api key")
}

func (a *Auth) checkRateLimit(r *http.Request) error {
	if a.cfg.RateLimit.RPS <= 0 {
		return nil
	}
	if !a.limiter(a.clientKey(r)).Allow() {
		return fmt.Errorf("rate limit exceeded")
	}
	return nil
}

// clientKey buckets the limiter by api key, falling back to remote host for
// unauthenticated setups.
func (a *Auth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.header())); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}

func (a *Auth) limiter(key string) *rate.Limiter {
	if v, ok := a.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}

	burst := a.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 5
	}

	lim := rate.NewLimiter(rate.Limit(a.cfg.RateLimit.RPS), burst)
	actual, loaded := a.limiters.LoadOrStore(key, lim)
	if loaded {
		return actual.(*rate.Limiter)
	}
	return lim
}
