package statusapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned for a missing or wrong token
var ErrUnauthorized = errors.New("missing or invalid status token")

// WithTokenHash requires a bearer token matching the bcrypt hash on every
// route except /healthz. An empty hash leaves the API open.
func WithTokenHash(hash string) Option { return func(h *Handler) { h.tokenHash = hash } }

// HashToken returns the bcrypt hash to configure as status.token_hash
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("token must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

// ValidTokenHash reports whether hash looks like a bcrypt hash
func ValidTokenHash(hash string) bool {
	_, err := bcrypt.Cost([]byte(hash))
	return err == nil
}

// requestToken reads "Authorization: Bearer <token>" or X-API-Key
func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get("X-API-Key")
}

func (h *Handler) checkToken(r *http.Request) error {
	token := requestToken(r)
	if token == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(h.tokenHash), []byte(token)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.tokenHash == "" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if err := h.checkToken(r); err != nil {
			h.log.Warn("Rejected status request", map[string]interface{}{
				"path":   r.URL.Path,
				"remote": r.RemoteAddr,
			})
			w.Header().Set("WWW-Authenticate", `Bearer realm="fortress"`)
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
