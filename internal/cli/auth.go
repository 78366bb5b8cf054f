package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/tingly-dev/claude-box/internal/auth"
	"github.com/tingly-dev/claude-box/internal/config"
)

func newAuthManager(appConfig *config.AppConfig) *auth.Manager {
	return auth.NewManager(auth.NewStore(appConfig.ConfigDir()), auth.DefaultConfig())
}

// promptCode reads the pasted authorization code from stdin.
func promptCode() (string, error) {
	fmt.Print("Paste the authorization code: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read authorization code: %w", err)
	}
	code := strings.TrimSpace(line)
	if code == "" {
		return "", fmt.Errorf("authorization code is empty")
	}
	return code, nil
}

// runLogin drives the authorize/exchange round for the given scope
// profile.
func runLogin(ctx context.Context, appConfig *config.AppConfig, profile auth.ScopeProfile, openBrowser bool) error {
	mgr := newAuthManager(appConfig)

	authorizeURL, err := mgr.BuildAuthorizeURL(profile)
	if err != nil {
		return fmt.Errorf("failed to build authorize URL: %w", err)
	}

	fmt.Println("Open the following URL in your browser and approve access:")
	fmt.Println()
	fmt.Println("  " + authorizeURL)
	fmt.Println()
	if openBrowser {
		if err := browser.OpenURL(authorizeURL); err != nil {
			fmt.Printf("Could not open browser automatically: %v\n", err)
		}
	}

	code, err := promptCode()
	if err != nil {
		return err
	}

	token, err := mgr.ExchangeCode(ctx, code, profile)
	if err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}

	fmt.Println("Authenticated successfully.")
	switch token.Type {
	case auth.TokenTypeLongLived:
		fmt.Println("Token type: long-lived")
	default:
		fmt.Printf("Token type: ephemeral, expires %s\n", token.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// LoginCommand performs the interactive OAuth login.
func LoginCommand(appConfig *config.AppConfig) *cobra.Command {
	var noBrowser bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with your Claude subscription",
		Long: `Run the OAuth authorization flow. A browser window opens with the
authorize URL; after approving, paste the code displayed back here.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			openBrowser := !noBrowser && appConfig.GetOpenBrowser()
			return runLogin(cmd.Context(), appConfig, auth.ProfileBroad, openBrowser)
		},
	}

	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the URL instead of opening a browser")
	return cmd
}

// SetupTokenCommand obtains a long-lived minimal-scope token.
func SetupTokenCommand(appConfig *config.AppConfig) *cobra.Command {
	var noBrowser bool

	cmd := &cobra.Command{
		Use:   "setup-token",
		Short: "Obtain a long-lived API token",
		Long: `Run the OAuth flow with the minimal scope set, yielding a token
that does not expire for a year and needs no refresh.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			openBrowser := !noBrowser && appConfig.GetOpenBrowser()
			return runLogin(cmd.Context(), appConfig, auth.ProfileMinimal, openBrowser)
		},
	}

	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the URL instead of opening a browser")
	return cmd
}

// LogoutCommand clears stored credentials.
func LogoutCommand(appConfig *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAuthManager(appConfig).Logout(); err != nil {
				return fmt.Errorf("logout failed: %w", err)
			}
			fmt.Println("Logged out.")
			return nil
		},
	}
}

// RefreshCommand forces a token refresh.
func RefreshCommand(appConfig *config.AppConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the access token now",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := newAuthManager(appConfig).Refresh(cmd.Context())
			if err != nil {
				return fmt.Errorf("refresh failed: %w", err)
			}
			fmt.Printf("Token refreshed, expires %s\n", token.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}
