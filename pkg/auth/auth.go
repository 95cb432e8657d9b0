// Package auth provides the optional authentication middleware for the
// gateway's public listener. Four modes are supported: a static bearer
// token, HMAC-signed JWT bearer tokens, HTTP basic auth, and an API-key
// header. The gateway core exposes a middleware hook; this package is the
// policy that plugs into it.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Mode selects the credential scheme.
type Mode string

const (
	ModeBearer Mode = "bearer"
	ModeJWT    Mode = "jwt"
	ModeBasic  Mode = "basic"
	ModeAPIKey Mode = "apikey"
)

// defaultAPIKeyHeader carries the key in ModeAPIKey.
const defaultAPIKeyHeader = "X-API-Key"

// Options configure the middleware.
type Options struct {
	// Mode selects the scheme. Required.
	Mode Mode
	// Token is the shared secret for ModeBearer.
	Token string
	// Secret is the HMAC signing secret for ModeJWT.
	Secret []byte
	// Users maps usernames to passwords for ModeBasic.
	Users map[string]string
	// Keys lists accepted API keys for ModeAPIKey.
	Keys []string
	// Header overrides the API key header name.
	Header string
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Middleware builds the http.Handler wrapper for the configured mode.
func Middleware(opts *Options) (func(http.Handler) http.Handler, error) {
	if opts == nil {
		return nil, fmt.Errorf("auth: options required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var check func(r *http.Request) bool
	var challenge string
	switch opts.Mode {
	case ModeBearer:
		if opts.Token == "" {
			return nil, fmt.Errorf("auth: bearer mode requires a token")
		}
		token := opts.Token
		challenge = `Bearer realm="gateway"`
		check = func(r *http.Request) bool {
			presented, ok := bearerToken(r)
			return ok && subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
		}
	case ModeJWT:
		if len(opts.Secret) == 0 {
			return nil, fmt.Errorf("auth: jwt mode requires a signing secret")
		}
		secret := append([]byte(nil), opts.Secret...)
		challenge = `Bearer realm="gateway"`
		check = func(r *http.Request) bool {
			presented, ok := bearerToken(r)
			if !ok {
				return false
			}
			_, err := jwt.Parse(presented, func(*jwt.Token) (any, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
			return err == nil
		}
	case ModeBasic:
		if len(opts.Users) == 0 {
			return nil, fmt.Errorf("auth: basic mode requires users")
		}
		users := make(map[string]string, len(opts.Users))
		for u, p := range opts.Users {
			users[u] = p
		}
		challenge = `Basic realm="gateway"`
		check = func(r *http.Request) bool {
			user, pass, ok := r.BasicAuth()
			if !ok {
				return false
			}
			want, known := users[user]
			if !known {
				// Burn a comparison anyway to keep timing flat.
				subtle.ConstantTimeCompare([]byte(pass), []byte(pass))
				return false
			}
			return subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
		}
	case ModeAPIKey:
		if len(opts.Keys) == 0 {
			return nil, fmt.Errorf("auth: apikey mode requires keys")
		}
		header := opts.Header
		if header == "" {
			header = defaultAPIKeyHeader
		}
		keys := append([]string(nil), opts.Keys...)
		check = func(r *http.Request) bool {
			presented := r.Header.Get(header)
			if presented == "" {
				return false
			}
			for _, key := range keys {
				if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
					return true
				}
			}
			return false
		}
	default:
		return nil, fmt.Errorf("auth: unknown mode %q", opts.Mode)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if check(r) {
				next.ServeHTTP(w, r)
				return
			}
			logger.Debug("request rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
			if challenge != "" {
				w.Header().Set("WWW-Authenticate", challenge)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
		})
	}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	value := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(value, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
