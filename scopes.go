package authmw

import "net/http"

// RequireScopes rejects with 403 unless the bound credentials hold every scope.
func RequireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds, ok := CredentialsFromContext(r.Context())
			if !ok || !creds.HasAll(scopes...) {
				writePlainText(w, http.StatusForbidden, http.StatusText(http.StatusForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
