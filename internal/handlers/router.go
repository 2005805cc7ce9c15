package handlers

import (
	"net/http"

	"github.com/nkiryanov/campusportal/internal/guard"
	"github.com/nkiryanov/campusportal/internal/metrics"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

func NewRouter(
	authHandler *AuthHandler,
	apiProxy http.Handler,
	src guard.StateSource,
	guardConfig guard.MiddlewareConfig,
	loggerMiddleware func(http.Handler) http.Handler,
) http.Handler {
	// Any authenticated user
	withSession := guard.Middleware(src, nil, guardConfig)

	root := http.NewServeMux()

	authMux := authHandler.Handler()
	root.Handle("/login", authMux)
	root.Handle("/logout", authMux)
	root.Handle("/session", authMux)
	root.Handle("/session/refresh", authMux)

	for _, rule := range guardConfig.Policy.Rules() {
		withRoles := guard.Middleware(src, rule.Roles, guardConfig)
		root.Handle("GET "+rule.Prefix, withRoles(handleDashboard(rule.Prefix)))
	}

	root.Handle("GET /{$}", withSession(handleIndex(guardConfig.Policy)))
	root.Handle("GET /me", withSession(handleUserMe()))
	root.Handle("/api/", withSession(http.StripPrefix("/api", apiProxy)))
	root.Handle("GET /metrics", metrics.Handler())

	handler := chain(root,
		loggerMiddleware,
	)

	return handler
}
