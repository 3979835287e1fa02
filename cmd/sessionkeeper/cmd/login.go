package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/schoolhub/sessionkeeper/session"
)

func newLoginCmd(a *app) *cobra.Command {
	var email, password string
	c := &cobra.Command{
		Use:   "login",
		Short: "Log in, or continue offline as the last user",
		Long: `Log in against the school API. When the API is unreachable, the last user
who logged in online may continue offline for up to seven days.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			a.touch()
			user, err := a.client.Login(cmd.Context(), email, password)
			if mismatch, ok := errors.AsType[session.EmailMismatchError](err); ok {
				return fmt.Errorf("offline: %w; connect to the network to switch users", mismatch)
			}
			if err != nil {
				return err
			}
			if err := a.rememberLogin(user.Email); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), statusLine(a.client.Store()))
			return nil
		},
	}
	c.Flags().StringVarP(&email, "email", "e", "", "Account email")
	c.Flags().StringVarP(&password, "password", "p", "", "Password (read from stdin when omitted)")
	_ = c.MarkFlagRequired("email")
	return a.withSession(c)
}

func newLogoutCmd(a *app) *cobra.Command {
	var complete bool
	c := &cobra.Command{
		Use:   "logout",
		Short: "Log out",
		Long: `Log out. The cached identity is kept so the same user can still log in
offline; --complete removes it as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.forgetOfflineLogin(); err != nil {
				return err
			}
			if complete {
				if err := a.client.LogoutComplete(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out; offline access removed")
				return nil
			}
			if err := a.client.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
	c.Flags().BoolVar(&complete, "complete", false, "Also remove the cached identity used for offline login")
	return a.withSession(c)
}

func newRegisterCmd(a *app) *cobra.Command {
	var req session.RegisterRequest
	c := &cobra.Command{
		Use:   "register",
		Short: "Create a staff account (online only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.touch()
			user, err := a.client.Register(cmd.Context(), req)
			if errors.Is(err, session.ErrOfflineUnavailable) {
				return errors.New("registration needs a connection to the school API")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s <%s> (%s)\n", user.DisplayName, user.Email, user.ID)
			return nil
		},
	}
	c.Flags().StringVarP(&req.Email, "email", "e", "", "Account email")
	c.Flags().StringVarP(&req.Password, "password", "p", "", "Password, at least 8 characters")
	c.Flags().StringVar(&req.DisplayName, "name", "", "Display name")
	c.Flags().StringVar(&req.Role, "role", "", "Role, e.g. teacher or admin")
	c.Flags().StringVar(&req.SchoolID, "school", "", "School ID")
	return a.withSession(c)
}
