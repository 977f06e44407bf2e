package cli

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tiller/internal/api"
)

// NewLoginCmd creates the login command.
func NewLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the backend session token",
		Long: `Store the session token used to authenticate against the backend.

The token is written to the token file (default ~/.tiller/token) with
owner-only permissions and verified against the backend before the
command reports success.`,
		Example: `  # Interactive login (recommended)
  tiller login

  # Provide the token directly
  tiller login --token tk_xxxxx`,
		RunE: runLogin,
	}

	cmd.Flags().StringP("token", "t", "", "session token (if not provided, will prompt)")

	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}

	token, _ := cmd.Flags().GetString("token")

	if token == "" {
		fmt.Printf("Backend: %s\n", cliCtx.Config.Server.BaseURL)
		fmt.Print("Enter session token: ")

		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
		token = strings.TrimSpace(string(tokenBytes))
		fmt.Println()
	}

	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	if err := cliCtx.Creds.Save(token); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	// Verify against the backend. A rejection has already cleared the
	// stored token.
	if _, err := cliCtx.API.Status(); err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			return fmt.Errorf("backend rejected the token")
		}
		fmt.Println("Token stored, but the backend could not be reached to verify it.")
		fmt.Printf("  %v\n", err)
		return nil
	}

	fmt.Println("Token verified and stored.")
	return nil
}
