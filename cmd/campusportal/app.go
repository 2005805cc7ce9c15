package main

import (
	"context"
	"fmt"

	"github.com/nkiryanov/campusportal/internal/db"
	"github.com/nkiryanov/campusportal/internal/guard"
	"github.com/nkiryanov/campusportal/internal/handlers"
	"github.com/nkiryanov/campusportal/internal/handlers/middleware"
	"github.com/nkiryanov/campusportal/internal/httpserver"
	"github.com/nkiryanov/campusportal/internal/logger"
	"github.com/nkiryanov/campusportal/internal/session"
	"github.com/nkiryanov/campusportal/internal/store"
	"github.com/nkiryanov/campusportal/internal/store/postgres"
)

type ServerApp struct {
	server  *httpserver.Server
	manager *session.Manager
	logger  logger.Logger

	// Release resources held by the session store
	close func()
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config. Err: %w", err)
	}

	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	st, closeStore, err := newStore(ctx, c)
	if err != nil {
		return nil, err
	}

	notices := handlers.NewNotices()
	manager, err := session.New(
		session.Config{
			BaseURL:        c.APIURL,
			Timeout:        c.RequestTimeout,
			RevokeOnLogout: c.RevokeOnLogout,
		},
		st,
		session.WithLogger(logger),
		session.WithListener(notices.Listen),
	)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("error while creating session manager. Err: %w", err)
	}

	policy := guard.DefaultPolicy()
	mux := handlers.NewRouter(
		handlers.NewAuth(manager, notices, policy, logger),
		handlers.NewAPIProxy(manager, logger),
		manager,
		guard.MiddlewareConfig{Policy: policy, Logger: logger},
		middleware.LoggerMiddleware(logger),
	)

	return &ServerApp{
		server: &httpserver.Server{
			ListenAddr: c.ListenAddr,
			Handler:    mux,
			Logger:     logger,
		},
		manager: manager,
		logger:  logger,
		close:   closeStore,
	}, nil
}

func newStore(ctx context.Context, c *Config) (store.Store, func(), error) {
	noop := func() {}

	switch c.SessionStore {
	case StoreMemory:
		return store.NewMemory(), noop, nil

	case StoreFile:
		path := c.SessionStorePath
		if path == "" {
			var err error
			if path, err = store.DefaultPath(c.Profile); err != nil {
				return nil, nil, err
			}
		}
		return store.NewFile(path), noop, nil

	case StorePostgres:
		// Connect to the database and run migrations
		pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("error while connecting to db. Err: %w", err)
		}
		return postgres.New(pool, c.Profile), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown session store %q", c.SessionStore)
	}
}

// Run restores the session in the background and serves until ctx is cancelled.
// Requests arriving before the restore completes get the pending response.
func (a *ServerApp) Run(ctx context.Context) error {
	defer a.close()

	go func() {
		state := a.manager.Initialize(ctx)
		a.logger.Info("Session restored", "status", state.Status.String())
	}()

	return a.server.Run(ctx)
}
