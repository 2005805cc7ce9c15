package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newLoginCmd(c *cli) *cobra.Command {
	var passwordFile string

	cmd := &cobra.Command{
		Use:   "login [username]",
		Short: "Log in and keep the session for later commands",
		Long: `Log in with username or e-mail.

The password is prompted for unless --password-file is given.
Use --password-file - to read it from stdin.

Examples:
  campusctl login teacher_demo
  echo student123 | campusctl login student --password-file -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := bufio.NewReader(cmd.InOrStdin())

			var username string
			if len(args) == 1 {
				username = args[0]
			} else {
				fmt.Fprint(cmd.ErrOrStderr(), "Username: ")
				line, err := readLine(in)
				if err != nil {
					return fmt.Errorf("reading username: %w", err)
				}
				username = line
			}

			password, err := c.password(cmd, in, passwordFile)
			if err != nil {
				return err
			}

			m, _, err := c.session(cmd.Context())
			if err != nil {
				return err
			}

			identity, err := m.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Welcome back, %s!\n", identity.DisplayName())
			printIdentity(cmd.OutOrStdout(), identity)
			return nil
		},
	}

	cmd.Flags().StringVar(&passwordFile, "password-file", "", "Read password from file (- for stdin)")
	return cmd
}

func (c *cli) password(cmd *cobra.Command, in *bufio.Reader, passwordFile string) (string, error) {
	switch passwordFile {
	case "":
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := c.readPassword()
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil

	case "-":
		line, err := readLine(in)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return line, nil

	default:
		b, err := os.ReadFile(passwordFile)
		if err != nil {
			return "", fmt.Errorf("reading password file: %w", err)
		}
		return strings.TrimRight(string(b), "\r\n"), nil
	}
}

// readLine returns one line without its terminator, the last line may lack it
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
