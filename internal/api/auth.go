// Package api provides the REST API for approval management.
package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	cookieFileName = ".cookie"
	cookieSize     = 32 // 32 bytes = 256 bits
)

// Auth holds the bearer token that guards the API. The token lives in a
// file only the owner can read, so any local process running as the same
// user can talk to the daemon.
type Auth struct {
	token    string
	filePath string
}

// NewAuth generates a random token and writes it to stateDir with mode 0600.
func NewAuth(stateDir string) (*Auth, error) {
	tokenBytes := make([]byte, cookieSize)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}

	filePath := filepath.Join(stateDir, cookieFileName)
	if err := os.WriteFile(filePath, []byte(token), 0o600); err != nil {
		return nil, err
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(filePath, 0o600); err != nil {
		return nil, err
	}

	return &Auth{token: token, filePath: filePath}, nil
}

// LoadAuth reads the token written by a running daemon.
func LoadAuth(stateDir string) (*Auth, error) {
	filePath := filepath.Join(stateDir, cookieFileName)
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil, errors.New("empty cookie file")
	}

	return &Auth{token: token, filePath: filePath}, nil
}

// Token returns the bearer token.
func (a *Auth) Token() string {
	return a.token
}

// FilePath returns the path to the cookie file.
func (a *Auth) FilePath() string {
	return a.filePath
}

// Authorized reports whether r carries the token in its Authorization header.
func (a *Auth) Authorized(r *http.Request) bool {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || scheme != "Bearer" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) == 1
}

// Middleware rejects requests without a valid bearer token.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !a.Authorized(r) {
			writeError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
