package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Bidon15/otaupdate/standalone"
)

var installCmd = &cobra.Command{
	Use:   "install <file-or-url>",
	Short: "Install a single artifact standalone",
	Long: `Install reads an artifact from a local path or an http(s) URL,
verifies it against this device's type and provides, runs the update
module through ArtifactInstall, and either commits immediately (module
doesn't support rollback) or persists state for
a later "otaupdate resume"/"otaupdate commit".

Examples:
  otaupdate install ./core-image-2.4.1.mender
  otaupdate install https://cdn.example.com/core-image-2.4.1.mender`,
	Args: cobra.ExactArgs(1),
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	source := args[0]

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	devCtx, err := loadDeviceContext(s)
	if err != nil {
		return err
	}

	body, closeFn, err := openArtifactSource(cmd.Context(), source)
	if err != nil {
		return err
	}
	defer closeFn()

	m := standalone.NewMachine(s, standaloneOptions(devCtx.DeviceType))
	m.Context = devCtx

	re, err := m.Install(cmd.Context(), body)
	if err != nil {
		logger.Error("install failed", "error", err)
	}
	logger.Info("install finished", "result", re.Result)

	code := re.Result.ExitCode(cfg.RebootExitCode)
	if code != 0 {
		return &exitError{code: code, err: err}
	}
	return nil
}

// openArtifactSource opens source for reading: an http(s) GET for a
// URL, a plain file open otherwise.
func openArtifactSource(ctx context.Context, source string) (r io.Reader, closeFn func(), err error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, func() {}, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, func() {}, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, func() {}, fmt.Errorf("fetching %s: unexpected status %d", source, resp.StatusCode)
		}
		return resp.Body, func() { resp.Body.Close() }, nil
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, func() {}, err
	}
	return f, func() { f.Close() }, nil
}
