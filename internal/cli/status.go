package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"tiller/internal/api"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend status",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}

	st, err := cliCtx.API.Status()
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			return fmt.Errorf("not authenticated, run: tiller login")
		}
		return err
	}

	fmt.Printf("Backend:   %s\n", cliCtx.Config.Server.BaseURL)
	fmt.Printf("Version:   %s\n", st.Version)
	fmt.Printf("Running:   %v\n", st.Running)
	fmt.Printf("Uptime:    %ds\n", st.UptimeSecs)
	fmt.Printf("Sessions:  %d\n", st.SessionCount)
	fmt.Printf("Channels:  %d\n", st.ChannelCount)
	fmt.Printf("Cron jobs: %d\n", st.CronJobCount)
	fmt.Printf("Roles:     %d\n", st.RoleCount)

	if min := cliCtx.Config.Server.MinVersion; min != "" {
		if err := cliCtx.API.CheckCompat(min); err != nil {
			fmt.Printf("\nCompatibility: %v\n", err)
		}
	}

	return nil
}
