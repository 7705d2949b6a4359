package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var showProvidesCmd = &cobra.Command{
	Use:   "show-provides",
	Short: "Print the device's full provides map as JSON",
	RunE:  runShowProvides,
}

func init() {
	rootCmd.AddCommand(showProvidesCmd)
}

func runShowProvides(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	devCtx, err := loadDeviceContext(s)
	if err != nil {
		return err
	}

	raw, err := json.MarshalIndent(devCtx.Provides, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
