package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nkiryanov/campusportal/internal/logger"
	"github.com/nkiryanov/campusportal/internal/models"
	"github.com/nkiryanov/campusportal/internal/session"
	"github.com/nkiryanov/campusportal/internal/store"
)

// Environment variables consulted when the matching flag is not set
const (
	envAPIURL    = "CAMPUS_API_URL"
	envProfile   = "CAMPUS_PROFILE"
	envStorePath = "CAMPUS_STORE_PATH"
	envLogLevel  = "CAMPUS_LOG_LEVEL"
)

const (
	defaultAPIURL   = "http://127.0.0.1:8999/api/"
	defaultProfile  = "default"
	defaultLogLevel = logger.LevelError
)

var (
	errNoTerminal  = errors.New("no terminal available for interactive password prompt (use --password-file)")
	errNotLoggedIn = errors.New("not logged in, use 'campusctl login' first")
)

type cli struct {
	apiURL    string
	profile   string
	storePath string
	logLevel  string
	timeout   time.Duration
	noRevoke  bool

	getenv func(string) string
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// Reads a password from the terminal without echo
	readPassword func() ([]byte, error)
}

func newCLI() *cli {
	return &cli{
		getenv: os.Getenv,
		in:     os.Stdin,
		out:    os.Stdout,
		errOut: os.Stderr,
		readPassword: func() ([]byte, error) {
			fd := int(os.Stdin.Fd())
			if !term.IsTerminal(fd) {
				return nil, errNoTerminal
			}
			return term.ReadPassword(fd)
		},
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "campusctl",
		Short:         "Campus portal session from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.applyEnv(cmd)
			return nil
		},
	}
	root.SetIn(c.in)
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&c.apiURL, "api-url", defaultAPIURL, "Backend API root (env "+envAPIURL+")")
	pf.StringVar(&c.profile, "profile", defaultProfile, "Session profile (env "+envProfile+")")
	pf.StringVar(&c.storePath, "store-path", "", "Session file, derived from profile if empty (env "+envStorePath+")")
	pf.StringVar(&c.logLevel, "log-level", defaultLogLevel, "Logging level (env "+envLogLevel+")")
	pf.DurationVar(&c.timeout, "timeout", 30*time.Second, "Backend request timeout")
	pf.BoolVar(&c.noRevoke, "no-revoke", false, "Keep the refresh token valid on the backend at logout")

	root.AddCommand(
		newLoginCmd(c),
		newLogoutCmd(c),
		newWhoamiCmd(c),
		newRefreshCmd(c),
		newGetCmd(c),
	)

	return root
}

// applyEnv fills options whose flags were not given explicitly
func (c *cli) applyEnv(cmd *cobra.Command) {
	fromEnv := map[string]struct {
		key string
		dst *string
	}{
		"api-url":    {envAPIURL, &c.apiURL},
		"profile":    {envProfile, &c.profile},
		"store-path": {envStorePath, &c.storePath},
		"log-level":  {envLogLevel, &c.logLevel},
	}

	for flag, opt := range fromEnv {
		if cmd.Flags().Changed(flag) {
			continue
		}
		if v := c.getenv(opt.key); v != "" {
			*opt.dst = v
		}
	}
}

// session builds the manager over the profile's session file and restores it
func (c *cli) session(ctx context.Context) (*session.Manager, models.SessionState, error) {
	l, err := logger.NewTextLogger(c.logLevel)
	if err != nil {
		return nil, models.SessionState{}, err
	}

	path := c.storePath
	if path == "" {
		if path, err = store.DefaultPath(c.profile); err != nil {
			return nil, models.SessionState{}, err
		}
	}

	m, err := session.New(
		session.Config{
			BaseURL:        c.apiURL,
			Timeout:        c.timeout,
			RevokeOnLogout: !c.noRevoke,
		},
		store.NewFile(path),
		session.WithLogger(l),
	)
	if err != nil {
		return nil, models.SessionState{}, err
	}

	return m, m.Initialize(ctx), nil
}

func printIdentity(w io.Writer, id models.Identity) {
	name := id.FirstName
	if id.LastName != "" {
		name += " " + id.LastName
	}

	fmt.Fprintf(w, "Username: %s\n", id.Username)
	if name != "" {
		fmt.Fprintf(w, "Name:     %s\n", name)
	}
	if id.Email != "" {
		fmt.Fprintf(w, "Email:    %s\n", id.Email)
	}
	fmt.Fprintf(w, "Role:     %s\n", id.Role)
	fmt.Fprintf(w, "Expires:  %s\n", id.ExpiresAt.Local().Format(time.RFC1123))
}
