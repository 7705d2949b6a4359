package main

import (
	"github.com/spf13/cobra"

	"github.com/Bidon15/otaupdate/standalone"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an install interrupted by a reboot or crash",
	Long: `Resume re-opens the update module named in the persisted
standalone record and re-enters the install at exactly the state it
was saved in: a crash mid-install continues the install and the
reboot/rollback query, while a record saved after that query runs
ArtifactVerifyReboot and continues on to commit (or the rollback path,
if verification fails).`,
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
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

	re, err := m.Resume(cmd.Context())
	if err != nil {
		logger.Error("resume failed", "error", err)
	}
	logger.Info("resume finished", "result", re.Result)

	code := re.Result.ExitCode(cfg.RebootExitCode)
	if code != 0 {
		return &exitError{code: code, err: err}
	}
	return nil
}
