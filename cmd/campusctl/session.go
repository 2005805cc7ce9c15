package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, state, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			if !state.IsAuthenticated {
				fmt.Fprintln(cmd.OutOrStdout(), "Not logged in.")
				return nil
			}

			m.Logout(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "You have been logged out.")
			return nil
		},
	}
}

func newWhoamiCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, state, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			if !state.IsAuthenticated {
				fmt.Fprintln(cmd.OutOrStdout(), "Not logged in.")
				fmt.Fprintln(cmd.OutOrStdout(), "Use 'campusctl login' to authenticate.")
				return nil
			}

			printIdentity(cmd.OutOrStdout(), *state.Identity)
			return nil
		},
	}
}

func newRefreshCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, state, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			if !state.IsAuthenticated {
				return errNotLoggedIn
			}

			if _, err := m.Refresh(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Tokens refreshed successfully")
			if id := m.State().Identity; id != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Expires:  %s\n", id.ExpiresAt.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
}

func newGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "GET a backend resource with the session credential",
		Long: `GET a path relative to the API root and print the response body.

A 401 response refreshes the session; run the command again afterwards.

Examples:
  campusctl get courses/
  campusctl get auth/me/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := c.session(cmd.Context())
			if err != nil {
				return err
			}

			req, err := m.NewRequest(cmd.Context(), http.MethodGet, args[0], nil)
			if err != nil {
				return err
			}

			resp, err := m.Client().Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close() // nolint:errcheck

			if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
				return err
			}
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("request failed: %s", resp.Status)
			}
			return nil
		},
	}
}
