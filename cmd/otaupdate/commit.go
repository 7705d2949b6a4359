package main

import (
	"github.com/spf13/cobra"

	"github.com/Bidon15/otaupdate/standalone"
)

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Commit the artifact installed by the last install",
	Long: `Commit runs ArtifactCommit against the persisted standalone
record left behind by a prior "otaupdate install" that returned
without auto-committing (module supports rollback), and clears the
record on success.`,
	RunE: runCommit,
}

func init() {
	rootCmd.AddCommand(commitCmd)
}

func runCommit(cmd *cobra.Command, args []string) error {
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

	re, err := m.Commit(cmd.Context())
	if err != nil {
		logger.Error("commit failed", "error", err)
	}
	logger.Info("commit finished", "result", re.Result)

	code := re.Result.ExitCode(cfg.RebootExitCode)
	if code != 0 {
		return &exitError{code: code, err: err}
	}
	return nil
}
