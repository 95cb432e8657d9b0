package adapter

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds surfaced to HTTP clients. Callers match with errors.Is.
var (
	ErrInvalidMethod = errors.New("method not allowed")
	ErrInvalidURL    = errors.New("invalid url")
	ErrBodyTooLarge  = errors.New("request body too large")
	ErrStdioTimeout  = errors.New("stdio request timed out")
	ErrChildGone     = errors.New("child process unavailable")
)

// allowedMethodList is the fixed method set accepted by every adapter.
var allowedMethodList = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

var allowedMethods = func() map[string]struct{} {
	m := make(map[string]struct{}, len(allowedMethodList))
	for _, name := range allowedMethodList {
		m[name] = struct{}{}
	}
	return m
}()

// headerAllowlist is the fixed set of request headers forwarded to children,
// keyed by lowercase name.
var headerAllowlist = map[string]struct{}{
	"content-type":    {},
	"content-length":  {},
	"authorization":   {},
	"accept":          {},
	"accept-encoding": {},
	"accept-language": {},
	"user-agent":      {},
	"x-forwarded-for": {},
	"x-real-ip":       {},
	"host":            {},
}

const (
	maxURLLength         = 2048
	maxHeaderValueLength = 1024
)

// urlForbidden are characters rejected anywhere in a request URL.
const urlForbidden = `<>"'`

func validateMethod(method string) (string, error) {
	upper := strings.ToUpper(method)
	if _, ok := allowedMethods[upper]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	return upper, nil
}

func validateURL(target string) error {
	if target == "" {
		return fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if len(target) > maxURLLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidURL, maxURLLength)
	}
	if strings.ContainsAny(target, urlForbidden) {
		return fmt.Errorf("%w: forbidden characters", ErrInvalidURL)
	}
	return nil
}

// sanitizeHeaders downcases keys, keeps only allowlisted headers, strips
// CR/LF and angle/quote characters from values, trims whitespace, and drops
// values outside 1–1024 bytes. The Host header is taken from the request's
// Host field, which net/http strips from Header.
func sanitizeHeaders(h map[string][]string, host string) map[string]string {
	out := make(map[string]string)
	for key, values := range h {
		lower := strings.ToLower(key)
		if _, ok := headerAllowlist[lower]; !ok {
			continue
		}
		if len(values) == 0 {
			continue
		}
		if cleaned, ok := sanitizeHeaderValue(values[0]); ok {
			out[lower] = cleaned
		}
	}
	if host != "" {
		if cleaned, ok := sanitizeHeaderValue(host); ok {
			out["host"] = cleaned
		}
	}
	return out
}

var headerValueStripper = strings.NewReplacer(
	"\r", "", "\n", "", "<", "", ">", "", `"`, "", "'", "",
)

func sanitizeHeaderValue(v string) (string, bool) {
	cleaned := strings.TrimSpace(headerValueStripper.Replace(v))
	if len(cleaned) < 1 || len(cleaned) > maxHeaderValueLength {
		return "", false
	}
	return cleaned, true
}
