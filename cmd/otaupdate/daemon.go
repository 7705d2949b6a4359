package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Bidon15/otaupdate/daemon"
	"github.com/Bidon15/otaupdate/deployments"
	"github.com/Bidon15/otaupdate/download"
)

// pidFileName is fixed (not configurable): send-inventory/check-update
// look for it at the same data_store path the daemon was started
// against.
const pidFileName = "otaupdate.pid"

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the long-running idle/poll/install/commit loop",
	Long: `Daemon polls the deployment service on the configured interval,
downloading, installing, rebooting, and committing artifacts as they
are offered, persisting its position after every state so a crash or
reboot resumes cleanly.

SIGUSR1 forces an immediate poll (equivalent to "otaupdate check-update"
sent to this process); SIGUSR2 forces an immediate inventory push
("otaupdate send-inventory").`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if cfg.ServerURL == "" {
		return fmt.Errorf("daemon: server_url is not configured")
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	devCtx, err := loadDeviceContext(s)
	if err != nil {
		return err
	}

	if err := writePIDFile(); err != nil {
		logger.Warn("failed to write pid file", "error", err)
	}
	defer removePIDFile()

	depClient := deployments.NewClient(cfg.ServerURL, nil)

	d := daemon.New(s, devCtx, depClient, daemon.Options{
		DeviceType:  devCtx.DeviceType,
		ModulesDir:  cfg.ModulesDir,
		ScratchRoot: filepath.Join(cfg.DataStore, "modules", "v3", "payloads", "0000", "tree"),
		ScriptsDir:  cfg.ArtScriptsDir,
		ArtifactCfg: artifactConfig(),
		ScriptCfg:   scriptConfig(),
		DownloadCfg: download.Config{
			SmallestInterval: cfg.DownloadSmallestInterval,
			MaxInterval:      cfg.DownloadMaxInterval,
			MaxRetries:       cfg.DownloadMaxRetries,
		},
		PollInterval:        cfg.PollInterval,
		RetryPollInterval:   cfg.RetryPollInterval,
		InventoryInterval:   cfg.InventoryInterval,
		RebootExitCodeOptIn: cfg.RebootExitCode,
	}, logger)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGUSR1:
				d.ForceCheckUpdate()
			case syscall.SIGUSR2:
				d.ForceInventory()
			}
		}
	}()

	return d.Run(cmd.Context())
}

func pidFilePath() string {
	return filepath.Join(cfg.DataStore, pidFileName)
}

func writePIDFile() error {
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile() {
	_ = os.Remove(pidFilePath())
}

// signalDaemon reads the daemon's pid file and delivers sig to it,
// used by send-inventory and check-update to prod a running daemon
// without waiting for its next scheduled interval.
func signalDaemon(sig syscall.Signal) error {
	raw, err := os.ReadFile(pidFilePath())
	if err != nil {
		return fmt.Errorf("no running daemon found (%s): %w", pidFilePath(), err)
	}
	pid, err := strconv.Atoi(string(raw))
	if err != nil {
		return fmt.Errorf("malformed pid file %s: %w", pidFilePath(), err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}
