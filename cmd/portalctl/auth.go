package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"careportal/internal/domain"
	"careportal/internal/policy"
	"careportal/internal/service"
)

const passwordEnv = "PORTALCTL_PASSWORD"

func signInCmd(a *app) *cobra.Command {
	var email, password, redirectTo string

	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with email and password",
		Long: `Sign in and store the session in the state directory.

The password is read from --password or, when that is empty, from
PORTALCTL_PASSWORD. With --redirect-to the command prints where the web
client would continue after sign-in.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password = passwordOrEnv(password)
			if email == "" || password == "" {
				return errors.New("--email and --password are required")
			}

			ctx := cmd.Context()
			if _, err := a.provider.SignInWithPassword(ctx, email, password); err != nil {
				return fmt.Errorf("sign in: %w", err)
			}
			user, err := a.resolveAndRemember(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Signed in as %s\n", describeUser(user))
			fmt.Fprintf(out, "Continue at %s\n", policy.PostSignInDestination(redirectTo, user))
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (or "+passwordEnv+")")
	cmd.Flags().StringVar(&redirectTo, "redirect-to", "", "path requested before sign-in")
	return cmd
}

func signUpCmd(a *app) *cobra.Command {
	var email, password, firstName, lastName, roleName string

	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Register a patient or doctor account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password = passwordOrEnv(password)
			if email == "" || password == "" {
				return errors.New("--email and --password are required")
			}
			role, ok := domain.ParseRole(roleName)
			if !ok || !role.SelfAssignable() {
				return fmt.Errorf("invalid role %q: choose patient or doctor", roleName)
			}

			meta := domain.SignUpMetadata{
				FirstName: strings.TrimSpace(firstName),
				LastName:  strings.TrimSpace(lastName),
				FullName:  strings.TrimSpace(firstName + " " + lastName),
				Role:      role.String(),
			}

			ctx := cmd.Context()
			sess, identity, err := a.provider.SignUp(ctx, email, password, meta)
			if err != nil {
				return fmt.Errorf("sign up: %w", err)
			}

			out := cmd.OutOrStdout()
			if sess == nil {
				fmt.Fprintf(out, "Account created for %s. Confirm the email, then run portalctl signin.\n", identity.Email)
				return nil
			}
			user, err := a.resolveAndRemember(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Signed up as %s\n", describeUser(user))
			fmt.Fprintf(out, "Continue at %s\n", policy.DashboardPath(user))
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (or "+passwordEnv+")")
	cmd.Flags().StringVar(&firstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&lastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&roleName, "role", string(domain.RolePatient), "patient or doctor")
	return cmd
}

func signOutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "End the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.cache.Clear(ctx); err != nil {
				a.log.WithError(err).Warn("Failed to clear user cache")
			}
			if err := a.provider.SignOut(ctx); err != nil {
				// The local session is gone either way
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}

func whoamiCmd(a *app) *cobra.Command {
	var fresh bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Long: `Show the signed-in user. A cached resolution younger than five minutes
is reused unless --fresh is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if fresh {
				if err := a.cache.Clear(ctx); err != nil {
					return fmt.Errorf("clear user cache: %w", err)
				}
			}

			user := a.resolver.ResolveCached(ctx, a.provider, a.provider, a.cache)
			out := cmd.OutOrStdout()
			if user == nil {
				fmt.Fprintln(out, "Not signed in")
				return nil
			}
			printUser(out, user)
			return nil
		},
	}

	cmd.Flags().BoolVar(&fresh, "fresh", false, "ignore the cached user and ask the identity provider")
	return cmd
}

func forgotPasswordCmd(a *app) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "forgot-password",
		Short: "Email a password reset link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return errors.New("--email is required")
			}
			link := a.cfg.SiteURL + policy.ResetPasswordPath
			if err := a.provider.ResetPasswordForEmail(cmd.Context(), email, link); err != nil {
				return fmt.Errorf("request reset link: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "If %s has an account, a reset link is on its way\n", email)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	return cmd
}

func resetPasswordCmd(a *app) *cobra.Command {
	var password, accessToken, refreshToken string

	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Set a new password",
		Long: `Set a new password for the signed-in account, or for the account named by
the tokens of a recovery link (--access-token and --refresh-token).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password = passwordOrEnv(password)
			if password == "" {
				return errors.New("--password is required")
			}

			ctx := cmd.Context()
			if accessToken != "" {
				if refreshToken == "" {
					return errors.New("--refresh-token is required with --access-token")
				}
				if _, err := a.provider.ExchangeRecovery(ctx, accessToken, refreshToken); err != nil {
					return fmt.Errorf("open recovery session: %w", err)
				}
			}
			if _, err := a.provider.UpdateUser(ctx, service.UserAttributes{Password: password}); err != nil {
				return fmt.Errorf("update password: %w", err)
			}

			user, err := a.resolveAndRemember(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Password updated")
			fmt.Fprintf(cmd.OutOrStdout(), "Continue at %s\n", policy.DashboardPath(user))
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "new password (or "+passwordEnv+")")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "access token from the recovery link")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "refresh token from the recovery link")
	return cmd
}

// resolveAndRemember resolves the freshly established session and seeds the
// user cache with it
func (a *app) resolveAndRemember(ctx context.Context) (*domain.AuthenticatedUser, error) {
	user, err := a.resolver.TryResolve(ctx, a.provider, a.provider)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	if user == nil {
		return nil, domain.ErrSessionMissing
	}
	if err := a.cache.Write(ctx, user); err != nil {
		a.log.WithError(err).Warn("Failed to write user cache")
	}
	return user, nil
}

func passwordOrEnv(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv(passwordEnv)
}

func describeUser(user *domain.AuthenticatedUser) string {
	if name := user.DisplayName(); name != "" {
		return fmt.Sprintf("%s <%s> (%s)", name, user.Email, user.Role)
	}
	return fmt.Sprintf("%s (%s)", user.Email, user.Role)
}

func printUser(w io.Writer, user *domain.AuthenticatedUser) {
	fmt.Fprintf(w, "ID:        %s\n", user.ID)
	fmt.Fprintf(w, "Email:     %s\n", user.Email)
	fmt.Fprintf(w, "Name:      %s\n", user.DisplayName())
	fmt.Fprintf(w, "Role:      %s\n", user.Role)
	fmt.Fprintf(w, "Verified:  %t\n", user.IsEmailVerified)
	fmt.Fprintf(w, "Dashboard: %s\n", policy.DashboardPath(user))
}
