package main

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
)

var checkUpdateCmd = &cobra.Command{
	Use:   "check-update",
	Short: "Ask the running daemon to poll for an update now",
	Long: `Check-update signals a running "otaupdate daemon" process
(SIGUSR1) to poll the deployment service immediately instead of
waiting for its next scheduled interval.`,
	RunE: runCheckUpdate,
}

func init() {
	rootCmd.AddCommand(checkUpdateCmd)
}

func runCheckUpdate(cmd *cobra.Command, args []string) error {
	if err := signalDaemon(syscall.SIGUSR1); err != nil {
		return err
	}
	fmt.Println("requested an immediate update check")
	return nil
}
