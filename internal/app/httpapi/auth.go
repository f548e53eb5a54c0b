package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreflux/rtcfgd/internal/app/domain/authuser"
	"github.com/coreflux/rtcfgd/pkg/logger"
)

var publicPaths = map[string]struct{}{
	"/healthz":        {},
	"/metrics":        {},
	"/system/version": {},
}

type ctxKey string

const (
	ctxUserKey  ctxKey = "httpapi.user"
	ctxRoleKey  ctxKey = "httpapi.role"
	ctxTokenKey ctxKey = "httpapi.token"
)

var adminPrefixes = []string{
	"/rtc/api",
}

// TokenLookup resolves an opaque bearer token to its owning user, matching
// AuthManager.get_user_token (SPEC_FULL.md §6).
type TokenLookup interface {
	GetByToken(ctx context.Context, token string) (authuser.User, bool, error)
}

// wrapWithAuth enforces opaque-token auth on the admin surface. Static
// tokens (from ADMIN_API_TOKENS) are checked first, then the user store.
func wrapWithAuth(next http.Handler, tokens []string, users TokenLookup, log *logger.Logger) http.Handler {
	tokenSet := normaliseTokens(tokens)
	if len(tokenSet) == 0 && users == nil && log != nil {
		log.Warn("no admin API tokens or user store configured; admin routes will reject all requests")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		if !isAdminPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			unauthorised(w)
			return
		}
		if _, ok := tokenSet[token]; ok {
			ctx := context.WithValue(r.Context(), ctxUserKey, "admin")
			ctx = context.WithValue(ctx, ctxRoleKey, "admin")
			ctx = context.WithValue(ctx, ctxTokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if users != nil {
			if user, ok, err := users.GetByToken(r.Context(), token); err == nil && ok {
				ctx := context.WithValue(r.Context(), ctxUserKey, user.Username)
				ctx = context.WithValue(ctx, ctxRoleKey, "admin")
				ctx = context.WithValue(ctx, ctxTokenKey, token)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		unauthorised(w)
	})
}

func isAdminPath(path string) bool {
	for _, p := range adminPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// extractToken supports the standard Authorization header only.
func extractToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(authHeader)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func normaliseTokens(tokens []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, token := range tokens {
		t := strings.TrimSpace(token)
		if t == "" {
			continue
		}
		set[t] = struct{}{}
	}
	return set
}

func unauthorised(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorised"))
}
