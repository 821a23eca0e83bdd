// ABOUTME: Extracts a client credential from websocket handshake headers
// ABOUTME: Supports Basic name:key, Bearer tokens, and bare api/secret key headers

package auth

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// Scheme identifies how a credential was presented.
type Scheme string

const (
	SchemeNone   Scheme = "none"
	SchemeBasic  Scheme = "basic"
	SchemeBearer Scheme = "bearer"
	SchemeHeader Scheme = "header"
)

// Header names carrying a bare shared key.
const (
	HeaderAPI    = "api"
	HeaderSecret = "secret"
)

// Credential is what a client presented during the handshake. A missing or
// unparseable credential is returned with SchemeNone and an empty key, which
// never validates.
type Credential struct {
	Scheme Scheme
	Name   string
	Key    string
	Token  string
}

// ExtractCredential reads the handshake credential from request headers.
// Precedence: Authorization Basic, Authorization Bearer, api header, secret header.
func ExtractCredential(h http.Header) Credential {
	if authHeader := h.Get("Authorization"); authHeader != "" {
		if name, key, ok := parseBasic(authHeader); ok {
			return Credential{Scheme: SchemeBasic, Name: name, Key: key}
		}
		if token, errMsg := extractBearerToken(authHeader); errMsg == "" {
			return Credential{Scheme: SchemeBearer, Token: token}
		}
	}

	for _, header := range []string{HeaderAPI, HeaderSecret} {
		if key := strings.TrimSpace(h.Get(header)); key != "" {
			return Credential{Scheme: SchemeHeader, Key: key}
		}
	}

	return Credential{Scheme: SchemeNone}
}

// parseBasic decodes "Basic base64(name:key)". The name may be empty.
func parseBasic(authHeader string) (name, key string, ok bool) {
	const prefix = "Basic "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(authHeader[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	name, key, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	return name, key, true
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// BasicAuthHeader builds an Authorization header value for name and key.
func BasicAuthHeader(name, key string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(name+":"+key))
}
