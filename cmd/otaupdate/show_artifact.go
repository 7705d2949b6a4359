package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var showArtifactCmd = &cobra.Command{
	Use:   "show-artifact",
	Short: "Print the name of the currently installed artifact",
	RunE:  runShowArtifact,
}

func init() {
	rootCmd.AddCommand(showArtifactCmd)
}

func runShowArtifact(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	devCtx, err := loadDeviceContext(s)
	if err != nil {
		return err
	}

	fmt.Println(devCtx.Provides["artifact_name"])
	return nil
}
