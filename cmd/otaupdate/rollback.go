package main

import (
	"github.com/spf13/cobra"

	"github.com/Bidon15/otaupdate/standalone"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back the artifact installed by the last install",
	Long: `Rollback runs ArtifactRollback then ArtifactFailure against the
persisted standalone record, for use after a failed or rejected
install whose module supports rollback.`,
	RunE: runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	devCtx, err := loadDeviceContext(s)
	if err != nil {
		return err
	}

	m := standalone.NewMachine(s, standaloneOptions(devCtx.DeviceType))
	m.Context = devCtx

	re, err := m.Rollback(cmd.Context())
	if err != nil {
		logger.Error("rollback failed", "error", err)
	}
	logger.Info("rollback finished", "result", re.Result)

	code := re.Result.ExitCode(cfg.RebootExitCode)
	if code != 0 {
		return &exitError{code: code, err: err}
	}
	return nil
}
