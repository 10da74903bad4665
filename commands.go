package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"rolesync/server"
	"rolesync/session"
)

func (c *cli) loginCmd(use, short string, admin bool) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + `.

The password is read from --password, or prompted for without echo when
stdin is a terminal. A failed login leaves any existing session untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(c.stdin)
			if email == "" {
				email = c.ask(reader, "Email")
			}
			if password == "" {
				pw, err := c.readPassword(reader)
				if err != nil {
					return err
				}
				password = pw
			}
			if email == "" || password == "" {
				return errors.New("email and password are required")
			}

			return c.withApp(cmd.Context(), func(ctx context.Context, app *server.App) error {
				login := app.Resolver.Login
				if admin {
					login = app.Resolver.AdminLogin
				}
				res, err := login(ctx, email, password)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.stdout, "Logged in as %s (%s)\n", res.Record.Email, res.UserType)
				fmt.Fprintf(c.stdout, "Roles: %s\n", formatRoles(res.Record.Roles))
				if !res.Persisted {
					fmt.Fprintln(c.stderr, "warning: session could not be saved and will not survive this process")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (prompted when omitted)")
	return cmd
}

func (c *cli) ask(reader *bufio.Reader, prompt string) string {
	fmt.Fprintf(c.stderr, "%s: ", prompt)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func (c *cli) readPassword(reader *bufio.Reader) (string, error) {
	if f, ok := c.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(c.stderr, "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(c.stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *server.App) error {
				app.Resolver.Logout(ctx)
				fmt.Fprintln(c.stdout, "Logged out")
				return nil
			})
		},
	}
}

type whoami struct {
	Authenticated bool           `json:"authenticated"`
	UserType      string         `json:"user_type,omitempty"`
	UserInfo      map[string]any `json:"user_info"`
}

func (c *cli) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session's user info",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *server.App) error {
				out := whoami{
					Authenticated: app.Resolver.CheckAuth(),
					UserInfo:      app.Authz.UserInfo(),
				}
				if tag, ok := app.Authz.ActiveTag(); ok {
					out.UserType = tag.UserType()
				}
				return c.printJSON(out)
			})
		},
	}
}

func (c *cli) rolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List the resolved roles, one per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *server.App) error {
				for _, r := range app.Authz.Roles() {
					fmt.Fprintln(c.stdout, r)
				}
				return nil
			})
		},
	}
}

func (c *cli) checkCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "check PERMISSION...",
		Short: "Check permissions against the resolved roles",
		Long: `Check permissions against the resolved roles. By default any one matching
permission is enough; with --all every permission must match. The exit status
is 1 when the check is denied.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *server.App) error {
				var allowed bool
				if all {
					allowed = app.Authz.CheckAllPermissions(args...)
				} else {
					allowed = app.Authz.CheckPermission(args...)
				}
				if !allowed {
					fmt.Fprintln(c.stdout, "denied")
					return errDenied
				}
				fmt.Fprintln(c.stdout, "allowed")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Require every permission instead of any one")
	return cmd
}

type tokenReport struct {
	ProviderTokenHeader *session.TokenHeader `json:"provider_token_header,omitempty"`
	CompositeClaims     map[string]any       `json:"composite_claims,omitempty"`
	UserType            string               `json:"user_type"`
}

func (c *cli) tokenCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect the stored tokens",
		Long: `Inspect the stored tokens. With --raw the provider bearer token is printed
as-is for use against backend APIs; the composite session token is never a
credential and is only shown decoded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *server.App) error {
				rec, ok := app.Resolver.Current()
				if !ok {
					return errors.New("not logged in")
				}
				if raw {
					fmt.Fprintln(c.stdout, rec.ProviderToken)
					return nil
				}

				report := tokenReport{UserType: rec.Tag.UserType()}
				if h, err := session.InspectProviderToken(rec.ProviderToken); err == nil {
					report.ProviderTokenHeader = &h
				} else {
					app.Logger.Warn("provider token header unreadable", "error", err)
				}
				if claims, err := session.DecodeClaims(rec.CompositeToken); err == nil {
					report.CompositeClaims = claims
				}
				return c.printJSON(report)
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the provider bearer token only")
	return cmd
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatRoles(roles []string) string {
	if len(roles) == 0 {
		return "(none)"
	}
	return strings.Join(roles, ", ")
}
