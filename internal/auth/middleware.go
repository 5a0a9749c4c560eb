package auth

import (
	"net/http"
	"strings"

	"github.com/noah-isme/pos-fulfillment/internal/common"
)

// Middleware guards operator endpoints.
type Middleware struct {
	Verifier Verifier
	Role     string
}

// RequireRole enforces a valid bearer token carrying the configured role
// (admin by default) and stores its subject on the request context.
func (m Middleware) RequireRole(next http.Handler) http.Handler {
	want := m.Role
	if want == "" {
		want = RoleAdmin
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		claims, err := m.Verifier.Parse(token)
		if err != nil {
			// Parse only returns 401 AppErrors
			common.WriteError(w, err)
			return
		}
		if claims.Role != want {
			common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "insufficient role", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(common.WithSubject(r.Context(), claims.Subject)))
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
