package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

type contextKey string

const actorKey contextKey = "actor"

// AnonymousActor is recorded on operations when authentication is
// disabled and the caller did not identify itself.
const AnonymousActor = "anonymous"

// publicPaths are reachable without a key so load balancers and
// release tooling can probe the service.
var publicPaths = map[string]bool{
	"/health":  true,
	"/version": true,
}

// APIKeyAuth validates API keys and resolves the acting identity for
// every request. Keys are configured as "name:key" pairs; the name of
// the matched key becomes the actor recorded on operations.
//
// When no keys are configured the middleware is a passthrough and the
// actor is taken from the X-Actor header instead.
type APIKeyAuth struct {
	mu      sync.RWMutex
	actors  map[string]string // key -> actor name
	enabled bool
}

// NewAPIKeyAuth builds the middleware from the OPSGATE_API_KEYS
// environment variable, a comma-separated list of name:key pairs.
// A bare key without a name is accepted under the actor "api".
func NewAPIKeyAuth() *APIKeyAuth {
	a := &APIKeyAuth{actors: make(map[string]string)}

	raw := os.Getenv("OPSGATE_API_KEYS")
	if raw == "" {
		log.Warn().Msg("⚠️  API key auth disabled (OPSGATE_API_KEYS not set)")
		return a
	}

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, key, found := strings.Cut(entry, ":")
		if !found {
			a.actors[name] = "api"
			continue
		}
		a.actors[key] = name
	}

	if len(a.actors) > 0 {
		a.enabled = true
		log.Info().Int("keys", len(a.actors)).Msg("🔐 API key auth enabled")
	}
	return a
}

// Enabled reports whether any keys are loaded.
func (a *APIKeyAuth) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// AddKey registers a key at runtime.
func (a *APIKeyAuth) AddKey(actor, key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actors[key] = actor
	a.enabled = true
}

// RemoveKey revokes a key at runtime.
func (a *APIKeyAuth) RemoveKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.actors, key)
	a.enabled = len(a.actors) > 0
}

// Middleware authenticates the request and stores the actor in the
// request context. Public paths bypass the key check entirely.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			actor := strings.TrimSpace(r.Header.Get("X-Actor"))
			if actor == "" {
				actor = AnonymousActor
			}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
			return
		}

		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key := extractAPIKey(r)
		if key == "" {
			respondUnauthorized(w, "missing API key")
			return
		}

		actor, ok := a.resolveKey(key)
		if !ok {
			log.Warn().
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Msg("invalid API key")
			respondUnauthorized(w, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

// resolveKey matches in constant time to avoid leaking key material
// through response timing.
func (a *APIKeyAuth) resolveKey(key string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	actor, found := "", false
	for candidate, name := range a.actors {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			actor, found = name, true
		}
	}
	return actor, found
}

// extractAPIKey pulls the key from the Authorization header (Bearer
// scheme) or the X-API-Key header.
func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func withActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor returns the identity resolved for the request, or
// AnonymousActor if the middleware did not run.
func GetActor(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok && actor != "" {
		return actor
	}
	return AnonymousActor
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="opsgate"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
