package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/foundryci/buildctl/pkg/apierr"
	"github.com/foundryci/buildctl/pkg/log"
	"github.com/foundryci/buildctl/pkg/token"
	"github.com/foundryci/buildctl/pkg/types"
)

type ctxKey int

const (
	ctxKeyIsAdmin ctxKey = iota
	ctxKeyBuildByToken
	ctxKeyWorkerByToken
	ctxKeyBuildByVMToken
)

// authenticate resolves every subject header the request carries
// (§4.3/§6: X-API-Key, X-Build-Token, X-Worker-Token, X-VM-Token) and
// stashes the matched principal on the request context. It never
// rejects a request by itself — each handler decides which principal
// combination its route requires, since the same header set grants
// different things on different endpoints.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if key := r.Header.Get("X-API-Key"); key != "" && token.Equal(s.cfg.AdminKey, key) {
			ctx = context.WithValue(ctx, ctxKeyIsAdmin, true)
		}

		if bt := r.Header.Get("X-Build-Token"); bt != "" {
			if build, err := s.store.FindBuildByToken(bt); err == nil {
				ctx = context.WithValue(ctx, ctxKeyBuildByToken, build)
			}
		}

		if wt := r.Header.Get("X-Worker-Token"); wt != "" {
			if worker, err := s.store.FindWorkerByToken(wt); err == nil {
				ctx = context.WithValue(ctx, ctxKeyWorkerByToken, worker)
			}
		}

		if vt := r.Header.Get("X-VM-Token"); vt != "" {
			if build, err := s.store.FindBuildByVMToken(vt); err == nil {
				ctx = context.WithValue(ctx, ctxKeyBuildByVMToken, build)
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isAdmin(r *http.Request) bool {
	v, _ := r.Context().Value(ctxKeyIsAdmin).(bool)
	return v
}

func buildByToken(r *http.Request) *types.Build {
	b, _ := r.Context().Value(ctxKeyBuildByToken).(*types.Build)
	return b
}

func workerByToken(r *http.Request) *types.Worker {
	w, _ := r.Context().Value(ctxKeyWorkerByToken).(*types.Worker)
	return w
}

func buildByVMToken(r *http.Request) *types.Build {
	b, _ := r.Context().Value(ctxKeyBuildByVMToken).(*types.Build)
	return b
}

// requireAdmin rejects any request that did not present a valid
// X-API-Key.
func requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isAdmin(r) {
			writeError(w, apierr.Unauthorized("admin key required"))
			return
		}
		next(w, r)
	}
}

// requireBuildAccess grants admin or the build's own build token,
// scoped to the build named by the chi URL param buildIDParam. A
// missing or unknown token is Unauthorized; a valid token for another
// build is Forbidden.
func requireBuildAccess(buildIDParam string, next func(w http.ResponseWriter, r *http.Request, buildID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		buildID := chi.URLParam(r, buildIDParam)
		if isAdmin(r) {
			next(w, r, buildID)
			return
		}
		b := buildByToken(r)
		if b == nil {
			writeError(w, apierr.Unauthorized("build token missing or unknown"))
			return
		}
		if b.ID == buildID {
			next(w, r, buildID)
			return
		}
		writeError(w, apierr.Forbidden("build token does not grant access to build %s", buildID))
	}
}

// rateLimiter enforces a per-submitter request budget, adapted from
// pkg/ingress/middleware.go's per-client-IP rate.Limiter map.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newRateLimiter(requestsPerSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[key] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

// submitRateLimit throttles POST /builds by client IP so one submitter
// cannot starve the dispatcher's queue.
func (s *Server) submitRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := clientIPOf(r)
		if !s.submitLimiter.allow(clientIP) {
			log.WithComponent("api").Warn().Str("client_ip", clientIP).Msg("submit rate limit exceeded")
			writeError(w, apierr.TooManyRequests("rate limit exceeded for %s", clientIP))
			return
		}
		next(w, r)
	}
}

func clientIPOf(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
