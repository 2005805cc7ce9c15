package handlers

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/nkiryanov/campusportal/internal/handlers/render"
	"github.com/nkiryanov/campusportal/internal/logger"
)

type apiClient interface {
	// Client sending requests with the session credential
	Client() *http.Client
	APIRoot() *url.URL
}

// NewAPIProxy forwards requests to the backend API on behalf of the session.
// Incoming paths are relative to the API root; credentials sent by the browser are dropped,
// the gateway attaches the session token instead.
func NewAPIProxy(api apiClient, l logger.Logger) http.Handler {
	target := api.APIRoot()

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
		},
		Transport: api.Client().Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			l.Warn("backend request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			render.ServiceError(w, "Backend is unreachable", http.StatusBadGateway)
		},
	}
}
