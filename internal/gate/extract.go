package gate

import (
	"net/http"
	"strings"

	"github.com/keyward/keyward/internal/credential"
)

// HeaderAPIKey carries the key directly.
const HeaderAPIKey = "X-API-Key"

// Extract returns the key presented on r. X-API-Key wins; otherwise a Bearer
// token is used only if it carries the key prefix, so owner session tokens
// sent to the same server are not mistaken for keys.
func Extract(r *http.Request) (string, bool) {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key, true
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		token = strings.TrimSpace(token)
		if credential.HasPrefix(token) {
			return token, true
		}
	}
	return "", false
}
