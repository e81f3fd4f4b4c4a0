package authbroker

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/IMQS/log"
	"github.com/tidwall/gjson"
)

const (
	// DefaultApplication is the cookie namespace used when the request path
	// does not select a specific embedding.
	DefaultApplication = "cockpit"

	applicationPrefix = "/cockpit+"

	cookiePrefix = "v=2;k="
)

// ParseAuthorizationScheme returns the lowercased scheme token of the
// Authorization header, without consuming the header. It returns "" when the
// header is absent or carries no payload after the scheme.
func ParseAuthorizationScheme(headers http.Header) string {
	line := headers.Get("Authorization")
	if line == "" {
		return ""
	}
	line = strings.TrimLeft(line, " ")
	space := strings.IndexByte(line, ' ')
	if space < 0 {
		return ""
	}
	return strings.ToLower(line[:space])
}

// TakeAuthorization removes the Authorization header and returns its payload
// as a byte buffer, base64-decoded into a fresh buffer when requested. Removing the
// header limits how far the secret travels; the caller owns the returned
// buffer and must wipeBytes it when done. Returns nil when there is no
// payload or the decode fails.
func TakeAuthorization(headers http.Header, base64Decode bool) []byte {
	line := headers.Get("Authorization")
	if line == "" {
		return nil
	}
	headers.Del("Authorization")

	line = strings.TrimLeft(line, " ")
	space := strings.IndexByte(line, ' ')
	if space < 0 {
		return nil
	}
	contents := strings.TrimLeft(line[space:], " ")
	if base64Decode {
		decoded, err := base64.StdEncoding.DecodeString(contents)
		if err != nil {
			return nil
		}
		return decoded
	}
	return []byte(contents)
}

// parseBasicPassword splits a decoded Basic payload at the first colon. The
// returned password aliases the payload buffer, so wiping the payload wipes
// the password too. A missing colon yields a nil password.
func parseBasicPassword(payload []byte) (user string, password []byte) {
	for i, c := range payload {
		if c == ':' {
			return string(payload[:i]), payload[i+1:]
		}
	}
	return "", nil
}

// ParseApplication derives the cookie namespace from the request path, so
// that multiple embeddings of the gateway can coexist in one browser.
// "/cockpit+foo/..." maps to "cockpit+foo"; everything else maps to the
// default application.
func ParseApplication(path string) string {
	if !strings.HasPrefix(path, applicationPrefix) || len(path) == len(applicationPrefix) {
		return DefaultApplication
	}
	rest := path[1:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		return rest[:slash]
	}
	return rest
}

// validCookieName reports whether the application string is usable as a
// cookie name. The characters here are the intersection of legal cookie-name
// characters and what ParseApplication can produce from a sane path.
func validCookieName(application string) bool {
	if application == "" {
		return false
	}
	for i := 0; i < len(application); i++ {
		c := application[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// buildGSSAPIChallenge echoes the helper's gssapi-output field back to the
// client as a WWW-Authenticate: Negotiate header. The field is hex on the
// wire to the helper and base64 towards the browser. An empty output emits a
// bare "Negotiate".
func buildGSSAPIChallenge(headers http.Header, results gjson.Result, logger *log.Logger) {
	output := results.Get("gssapi-output")
	if !output.Exists() {
		return
	}
	if output.Type != gjson.String {
		logger.Warnf("received invalid gssapi-output field")
		return
	}
	data, err := hex.DecodeString(output.String())
	if err != nil {
		logger.Warnf("received invalid gssapi-output field")
		return
	}
	value := "Negotiate"
	if len(data) > 0 {
		value = "Negotiate " + base64.StdEncoding.EncodeToString(data)
	}
	headers.Set("WWW-Authenticate", value)
}

// buildPromptChallenge sets the interactive challenge header that tells the
// client to re-post with "Authorization: X-Login-Reply <id> <answer>".
func buildPromptChallenge(headers http.Header, conversationID, prompt string) {
	encoded := base64.StdEncoding.EncodeToString([]byte(prompt))
	headers.Set("WWW-Authenticate", fmt.Sprintf("%v %v %v", loginReplyHeader, conversationID, encoded))
}

// parseCookieValue extracts the named cookie from the Cookie header.
func parseCookieValue(headers http.Header, name string) string {
	r := http.Request{Header: headers}
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
