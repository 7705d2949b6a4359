package main

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
)

var sendInventoryCmd = &cobra.Command{
	Use:   "send-inventory",
	Short: "Ask the running daemon to push inventory now",
	Long: `Send-inventory signals a running "otaupdate daemon" process
(SIGUSR2) to submit its inventory attributes immediately instead of
waiting for its next scheduled interval.`,
	RunE: runSendInventory,
}

func init() {
	rootCmd.AddCommand(sendInventoryCmd)
}

func runSendInventory(cmd *cobra.Command, args []string) error {
	if err := signalDaemon(syscall.SIGUSR2); err != nil {
		return err
	}
	fmt.Println("requested an immediate inventory push")
	return nil
}
