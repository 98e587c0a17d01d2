package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"tomaturno/dispatch-service/internal/models"
	"tomaturno/dispatch-service/internal/store"
)

type authContextKey struct{}

// AuthMiddleware resolves the caller's session on every non-public request.
// The role stored on the session is normalized once here; handlers only see
// the canonical lowercase values.
func AuthMiddleware(st store.TurnStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			writeError(w, "", http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		session, err := st.GetSession(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				writeError(w, "", http.StatusUnauthorized, "unauthorized", "invalid session")
				return
			}
			writeError(w, "", http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		session.Role = models.NormalizeRole(session.Role)
		if session.Role == "" {
			writeError(w, "", http.StatusForbidden, "access_denied", "unknown role")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) (store.Session, bool) {
	session, ok := ctx.Value(authContextKey{}).(store.Session)
	return session, ok
}

func requireStaff(w http.ResponseWriter, r *http.Request) bool {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, "", http.StatusUnauthorized, "unauthorized", "missing session")
		return false
	}
	if session.Role != models.RoleFlebotomista && session.Role != models.RoleAdmin {
		writeError(w, "", http.StatusForbidden, "access_denied", "staff role required")
		return false
	}
	return true
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, "", http.StatusUnauthorized, "unauthorized", "missing session")
		return false
	}
	if session.Role != models.RoleAdmin {
		writeError(w, "", http.StatusForbidden, "access_denied", "administrator role required")
		return false
	}
	return true
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

// isPublicEndpoint keeps the waiting-room surfaces open: the display boards
// and kiosk poll the read projections without a session.
func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	}
	if strings.HasPrefix(r.URL.Path, "/api/admin/") {
		return false
	}
	if r.Method == http.MethodOptions {
		return true
	}
	return r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/")
}
