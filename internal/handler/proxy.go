package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/keyward/keyward/internal/credential"
	"github.com/keyward/keyward/internal/gate"
)

// Headers added to requests forwarded upstream.
const (
	HeaderCredentialID = "X-Keyward-Credential"
	HeaderOwnerID      = "X-Keyward-Owner"
)

// NewUpstreamProxy forwards gated requests to target. The presented API key
// is stripped; the upstream learns the caller from the X-Keyward-* headers
// instead. An upstream may report the request's real cost in the
// X-Units-Consumed response header.
func NewUpstreamProxy(target *url.URL, logger *slog.Logger) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()

			pr.Out.Header.Del(gate.HeaderAPIKey)
			if token, ok := strings.CutPrefix(pr.Out.Header.Get("Authorization"), "Bearer "); ok && credential.HasPrefix(strings.TrimSpace(token)) {
				pr.Out.Header.Del("Authorization")
			}
			pr.Out.Header.Del(HeaderCredentialID)
			pr.Out.Header.Del(HeaderOwnerID)
			if c := gate.CredentialFrom(pr.In.Context()); c != nil {
				pr.Out.Header.Set(HeaderCredentialID, c.ID)
				pr.Out.Header.Set(HeaderOwnerID, c.OwnerID)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			level := slog.LevelError
			if errors.Is(err, context.Canceled) {
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "upstream request failed", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, "Upstream unavailable")
		},
	}
}
