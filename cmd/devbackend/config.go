package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"

	"github.com/nkiryanov/campusportal/internal/logger"
)

const (
	defaultListenAddr   = "localhost:8999"
	defaultLoggingLevel = logger.LevelInfo
	defaultEnvironment  = logger.EnvDevelopment
	defaultAccessTTL    = 5 * time.Minute
	defaultRefreshTTL   = 24 * time.Hour
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the backend will be run
	ListenAddr string

	// Secret key to sign access tokens with (use gensecret to make one)
	SecretKey string

	// Token lifetimes
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Issue a new refresh token on every refresh
	RotateRefreshTokens bool

	// Cost of demo passwords hashes
	BcryptCost int

	// Environment
	Environment string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:    defaultLoggingLevel,
		ListenAddr:  defaultListenAddr,
		AccessTTL:   defaultAccessTTL,
		RefreshTTL:  defaultRefreshTTL,
		BcryptCost:  bcrypt.DefaultCost,
		Environment: defaultEnvironment,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":       setString(&c.ListenAddr),
		"SECRET_KEY":        setString(&c.SecretKey),
		"ACCESS_TOKEN_TTL":  setDuration(&c.AccessTTL),
		"REFRESH_TOKEN_TTL": setDuration(&c.RefreshTTL),
		"ROTATE_REFRESH_TOKENS": func(value string) error {
			if value == "" {
				return nil
			}
			b, err := strconv.ParseBool(value)
			c.RotateRefreshTokens = b
			return err
		},
		"LOG_LEVEL":   setString(&c.LogLevel),
		"ENVIRONMENT": setString(&c.Environment),
	}

	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			return fmt.Errorf("invalid %s. Err: %w", key, err)
		}
	}
	return nil
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("devbackend", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key")
	fs.DurationVar(&c.AccessTTL, "access-ttl", c.AccessTTL, "Access token lifetime")
	fs.DurationVar(&c.RefreshTTL, "refresh-ttl", c.RefreshTTL, "Refresh token lifetime")
	fs.BoolVar(&c.RotateRefreshTokens, "rotate", c.RotateRefreshTokens, "Rotate refresh tokens")
	fs.IntVar(&c.BcryptCost, "bcrypt-cost", c.BcryptCost, "Cost of demo password hashes")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")

	return fs.Parse(args)
}
