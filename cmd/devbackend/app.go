package main

import (
	"context"
	"fmt"

	"github.com/nkiryanov/campusportal/internal/devserver"
	"github.com/nkiryanov/campusportal/internal/handlers/middleware"
	"github.com/nkiryanov/campusportal/internal/httpserver"
	"github.com/nkiryanov/campusportal/internal/logger"
)

func NewServerApp(c *Config) (*httpserver.Server, error) {
	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	tokens, err := devserver.NewTokenManager(devserver.TokenConfig{
		SecretKey:  c.SecretKey,
		AccessTTL:  c.AccessTTL,
		RefreshTTL: c.RefreshTTL,
		Rotate:     c.RotateRefreshTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("error while creating token manager. Err: %w", err)
	}

	users, err := devserver.NewUsers(devserver.BcryptHasher{Cost: c.BcryptCost}, devserver.DemoAccounts())
	if err != nil {
		return nil, fmt.Errorf("error while creating demo users. Err: %w", err)
	}

	srv, err := devserver.New(users, tokens, logger)
	if err != nil {
		return nil, err
	}

	return &httpserver.Server{
		ListenAddr: c.ListenAddr,
		Handler:    middleware.LoggerMiddleware(logger)(srv.Handler()),
		Logger:     logger,
	}, nil
}

// run loads config from '.env', environment and flags (later wins) and serves until ctx is cancelled
func run(ctx context.Context, getenv func(string) string, getwd func() (string, error), args []string) error {
	c := NewConfig()

	if err := c.LoadDotEnv(getwd); err != nil {
		return err
	}
	if err := c.LoadEnv(getenv); err != nil {
		return err
	}
	if err := c.ParseFlags(args); err != nil {
		return err
	}

	srv, err := NewServerApp(c)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
