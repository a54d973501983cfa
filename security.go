package main

import (
	"crypto/subtle"
	"log"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	twilioclient "github.com/twilio/twilio-go/client"
	"golang.org/x/time/rate"
)

type middleware func(http.HandlerFunc) http.HandlerFunc

// localhostOnly hides an endpoint from anything but a direct loopback
// connection. Proxied requests are refused even when the proxy is local.
func localhostOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-For") != "" || !isLoopback(r.RemoteAddr) {
			http.NotFound(w, r)
			return
		}
		next(w, r)
	}
}

func isLoopback(remoteAddr string) bool {
	ap, err := netip.ParseAddrPort(remoteAddr)
	return err == nil && ap.Addr().IsLoopback()
}

// monitorToken reads the listener's credential from the Authorization
// header or, for browsers that cannot set headers on a WebSocket, ?token=.
func monitorToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return r.URL.Query().Get("token")
}

// wsAuthMiddleware guards a WebSocket endpoint before the upgrade: the
// token must match when one is configured, and a browser Origin must be
// on the allow list when one is configured.
func wsAuthMiddleware(token string, allowedOrigins []string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" && subtle.ConstantTimeCompare([]byte(monitorToken(r)), []byte(token)) != 1 {
			log.Printf("[Security] %s %s: bad or missing token", clientIP(r), r.URL.Path)
			http.Error(w, `{"error": "unauthorized"}`, http.StatusForbidden)
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" && len(allowedOrigins) > 0 && !isAllowedOrigin(origin, allowedOrigins) {
			log.Printf("[Security] %s %s: origin %s not allowed", clientIP(r), r.URL.Path, origin)
			http.Error(w, `{"error": "origin not allowed"}`, http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func isAllowedOrigin(origin string, allowed []string) bool {
	origin = strings.TrimRight(origin, "/")
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(origin, a) {
			return true
		}
	}
	return false
}

// twilioWebhookAuth checks X-Twilio-Signature against the public URL Twilio
// called. With no auth token configured every request passes.
func twilioWebhookAuth(authToken, baseURL string, next http.HandlerFunc) http.HandlerFunc {
	if authToken == "" {
		return next
	}
	validator := twilioclient.NewRequestValidator(authToken)
	base := strings.TrimRight(baseURL, "/")

	return func(w http.ResponseWriter, r *http.Request) {
		sig := r.Header.Get("X-Twilio-Signature")
		if sig == "" {
			log.Printf("[Security] %s: unsigned Twilio request from %s", r.URL.Path, clientIP(r))
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		form := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			form[k] = v[0]
		}
		if !validator.Validate(base+r.URL.RequestURI(), form, sig) {
			log.Printf("[Security] %s: Twilio signature mismatch from %s", r.URL.Path, clientIP(r))
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// maxBodyMiddleware caps webhook bodies at maxBytes.
func maxBodyMiddleware(maxBytes int64, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next(w, r)
	}
}

const (
	limiterIdle  = 10 * time.Minute
	limiterSweep = 5 * time.Minute
)

// RateLimiter throttles WebSocket upgrades per client IP. Idle clients are
// forgotten on a later request rather than by a background goroutine.
type RateLimiter struct {
	mu        sync.Mutex
	every     rate.Limit
	burst     int
	clients   map[string]*rateClient
	lastSweep time.Time
}

type rateClient struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewRateLimiter allows rps upgrades per second per IP with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		every:     rate.Limit(rps),
		burst:     burst,
		clients:   make(map[string]*rateClient),
		lastSweep: time.Now(),
	}
}

// Allow reports whether ip may make another request now.
func (rl *RateLimiter) Allow(ip string) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) > limiterSweep {
		for k, c := range rl.clients {
			if now.Sub(c.seen) > limiterIdle {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}

	c, ok := rl.clients[ip]
	if !ok {
		c = &rateClient{lim: rate.NewLimiter(rl.every, rl.burst)}
		rl.clients[ip] = c
	}
	c.seen = now
	return c.lim.AllowN(now, 1)
}

// Middleware rejects requests over the client's budget with 429.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ip := clientIP(r); !rl.Allow(ip) {
			log.Printf("[Security] %s %s: rate limited", ip, r.URL.Path)
			http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// clientIP is the first X-Forwarded-For hop when proxied, otherwise the
// remote host.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// chainMiddleware wraps handler so that middlewares[0] runs first.
func chainMiddleware(handler http.HandlerFunc, middlewares ...middleware) http.HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// parseAllowedOrigins splits ALLOWED_ORIGINS on commas. Trailing slashes are
// dropped so "https://ops.example.com/" matches the browser's Origin.
func parseAllowedOrigins(origins string) []string {
	var out []string
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}
