package auth

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Verifier checks an operator password.
type Verifier interface {
	Verify(password string) (bool, error)
}

const realm = `Basic realm="chunkrelay", charset="UTF-8"`

// RequireAuth guards next with HTTP Basic authentication. The username is
// ignored; the password must match the operator password.
func RequireAuth(v Verifier, log logrus.FieldLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, password, ok := r.BasicAuth()
		if !ok {
			unauthorized(w)
			return
		}
		valid, err := v.Verify(password)
		if err != nil {
			log.WithError(err).Error("credential check failed")
			writeError(w, http.StatusInternalServerError, "auth_unavailable")
			return
		}
		if !valid {
			log.WithField("remote", r.RemoteAddr).Warn("⚠️ rejected credentials")
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", realm)
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": msg})
}
