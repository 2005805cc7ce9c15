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

	"github.com/nkiryanov/campusportal/internal/logger"
)

// Where credentials are kept between restarts
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

const (
	defaultListenAddr   = "localhost:8000"
	defaultLoggingLevel = logger.LevelInfo
	defaultAPIURL       = "http://127.0.0.1:8999/api/"
	defaultEnvironment  = logger.EnvProduction
	defaultSessionStore = StoreFile
	defaultProfile      = "default"
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the portal will be run
	ListenAddr string

	// Backend API root all requests are resolved against
	APIURL string

	// Timeout of one backend request. Zero means no timeout
	RequestTimeout time.Duration

	// One of StoreMemory, StoreFile or StorePostgres
	SessionStore string

	// Session file for StoreFile. Derived from Profile if empty
	SessionStorePath string

	// Database to keep credentials in, for StorePostgres
	DatabaseDSN string

	// Separates sessions of different users sharing the same storage
	Profile string

	// Blacklist the refresh token on the backend when logging out
	RevokeOnLogout bool

	// Environment
	Environment string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:       defaultLoggingLevel,
		ListenAddr:     defaultListenAddr,
		APIURL:         defaultAPIURL,
		SessionStore:   defaultSessionStore,
		Profile:        defaultProfile,
		RevokeOnLogout: true,
		Environment:    defaultEnvironment,
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
	setBool := func(o *bool) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			b, err := strconv.ParseBool(value)
			if err != nil {
				return err
			}
			*o = b
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
		"RUN_ADDRESS":        setString(&c.ListenAddr),
		"API_URL":            setString(&c.APIURL),
		"REQUEST_TIMEOUT":    setDuration(&c.RequestTimeout),
		"SESSION_STORE":      setString(&c.SessionStore),
		"SESSION_STORE_PATH": setString(&c.SessionStorePath),
		"DATABASE_URI":       setString(&c.DatabaseDSN),
		"PROFILE":            setString(&c.Profile),
		"REVOKE_ON_LOGOUT":   setBool(&c.RevokeOnLogout),
		"LOG_LEVEL":          setString(&c.LogLevel),
		"ENVIRONMENT":        setString(&c.Environment),
	}

	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			return fmt.Errorf("invalid %s. Err: %w", key, err)
		}
	}
	return nil
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("campusportal", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.APIURL, "api-url", "u", c.APIURL, "Backend API root")
	fs.DurationVarP(&c.RequestTimeout, "request-timeout", "t", c.RequestTimeout, "Backend request timeout (0 for none)")
	fs.StringVar(&c.SessionStore, "session-store", c.SessionStore, "Session storage (memory, file, postgres)")
	fs.StringVar(&c.SessionStorePath, "session-store-path", c.SessionStorePath, "Session file path for the file storage")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string for the postgres storage")
	fs.StringVarP(&c.Profile, "profile", "p", c.Profile, "Session profile name")
	fs.BoolVar(&c.RevokeOnLogout, "revoke-on-logout", c.RevokeOnLogout, "Blacklist the refresh token on logout")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")

	return fs.Parse(args)
}

// Validate checks options that depend on each other
func (c *Config) Validate() error {
	switch c.SessionStore {
	case StoreMemory, StoreFile:
	case StorePostgres:
		if c.DatabaseDSN == "" {
			return errors.New("database connection string is required for the postgres session store")
		}
	default:
		return fmt.Errorf("unknown session store %q", c.SessionStore)
	}

	if c.APIURL == "" {
		return errors.New("api url must not be empty")
	}
	if c.RequestTimeout < 0 {
		return errors.New("request timeout must not be negative")
	}
	return nil
}
