// Package updatemodule executes external "update module" programs
// through a fixed hook CLI, building and cleaning up the scratch
// directory each hook expects to find itself running in.
package updatemodule

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Bidon15/otaupdate/internal/merror"
)

// Hook names the fixed set of operations an update module must accept
// as its single positional argument.
type Hook string

const (
	HookDownload                     Hook = "Download"
	HookSupportsRollback             Hook = "SupportsRollback"
	HookArtifactInstall              Hook = "ArtifactInstall"
	HookNeedsArtifactReboot          Hook = "NeedsArtifactReboot"
	HookArtifactReboot               Hook = "ArtifactReboot"
	HookArtifactVerifyReboot         Hook = "ArtifactVerifyReboot"
	HookArtifactCommit               Hook = "ArtifactCommit"
	HookArtifactRollback             Hook = "ArtifactRollback"
	HookArtifactRollbackReboot       Hook = "ArtifactRollbackReboot"
	HookArtifactVerifyRollbackReboot Hook = "ArtifactVerifyRollbackReboot"
	HookArtifactFailure              Hook = "ArtifactFailure"
	HookCleanup                      Hook = "Cleanup"
)

// RebootAction is the parsed response to NeedsArtifactReboot.
type RebootAction string

const (
	RebootNo        RebootAction = "No"
	RebootYes       RebootAction = "Yes"
	RebootAutomatic RebootAction = "Automatic"
)

// KillGracePeriod is how long a hook process gets to exit after
// SIGTERM before the runner escalates to SIGKILL.
var KillGracePeriod = 10 * time.Second

// Module is one external update-module program, addressed by its
// payload type name.
type Module struct {
	Path        string
	ScratchRoot string
}

// New locates the module executable for payloadType under modulesDir
// and prepares it to run against a fresh scratch tree under
// scratchRoot.
func New(modulesDir, payloadType, scratchRoot string) (*Module, error) {
	path := filepath.Join(modulesDir, payloadType)
	if _, err := os.Stat(path); err != nil {
		return nil, merror.New(merror.ValidationError, "updatemodule.New", err)
	}
	return &Module{Path: path, ScratchRoot: scratchRoot}, nil
}

// PrepareScratch (re)builds the scratch directory contract: version,
// current_artifact_*, header/*, files/, tmp/.
func (m *Module) PrepareScratch(s ScratchData) error {
	if err := os.RemoveAll(m.ScratchRoot); err != nil {
		return merror.New(merror.ProgrammingError, "updatemodule.PrepareScratch", err)
	}
	for _, dir := range []string{"header", "files", "tmp"} {
		if err := os.MkdirAll(filepath.Join(m.ScratchRoot, dir), 0o755); err != nil {
			return merror.New(merror.ProgrammingError, "updatemodule.PrepareScratch", err)
		}
	}

	write := func(name string, content []byte) error {
		return os.WriteFile(filepath.Join(m.ScratchRoot, name), content, 0o644)
	}

	if err := write("version", []byte("3\n")); err != nil {
		return err
	}
	if err := write("current_artifact_name", []byte(s.CurrentArtifactName+"\n")); err != nil {
		return err
	}
	if s.CurrentArtifactGroup != "" {
		if err := write("current_artifact_group", []byte(s.CurrentArtifactGroup+"\n")); err != nil {
			return err
		}
	}
	if err := write("current_device_type", []byte(s.CurrentDeviceType+"\n")); err != nil {
		return err
	}
	if err := write("header/artifact_name", []byte(s.ArtifactName)); err != nil {
		return err
	}
	if err := write("header/artifact_group", []byte(s.ArtifactGroup)); err != nil {
		return err
	}
	if err := write("header/payload_type", []byte(s.PayloadType)); err != nil {
		return err
	}
	if len(s.HeaderInfoJSON) > 0 {
		if err := write("header/header_info", s.HeaderInfoJSON); err != nil {
			return err
		}
	}
	if len(s.TypeInfoJSON) > 0 {
		if err := write("header/type_info", s.TypeInfoJSON); err != nil {
			return err
		}
	}
	if len(s.MetaDataJSON) > 0 {
		if err := write("header/meta-data", s.MetaDataJSON); err != nil {
			return err
		}
	}
	return nil
}

// ScratchData is everything PrepareScratch needs to populate the
// scratch tree's metadata files.
type ScratchData struct {
	CurrentArtifactName  string
	CurrentArtifactGroup string
	CurrentDeviceType    string
	ArtifactName         string
	ArtifactGroup        string
	PayloadType          string
	HeaderInfoJSON       []byte
	TypeInfoJSON         []byte
	MetaDataJSON         []byte
}

// Cleanup removes the scratch tree, leaving no trace for the next
// deployment.
func (m *Module) Cleanup() error {
	if err := os.RemoveAll(m.ScratchRoot); err != nil {
		return merror.New(merror.ProgrammingError, "updatemodule.Cleanup", err)
	}
	return nil
}

// Run invokes hook and waits for completion, enforcing cancellation
// (SIGTERM, then SIGKILL after KillGracePeriod) via ctx. stderr is
// returned so the caller can forward it to the deployment log.
func (m *Module) Run(ctx context.Context, hook Hook) (stdout, stderr string, err error) {
	cmd := exec.Command(m.Path, string(hook))
	cmd.Dir = m.ScratchRoot
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		return "", "", merror.New(merror.ProgrammingError, "updatemodule.Run", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return outBuf.String(), errBuf.String(), wrapExitErr(hook, err)
	case <-ctx.Done():
		terminateProcessGroup(cmd)
		select {
		case err := <-done:
			return outBuf.String(), errBuf.String(), wrapExitErr(hook, err)
		case <-time.After(KillGracePeriod):
			killProcessGroup(cmd)
			<-done
			return outBuf.String(), errBuf.String(), ctx.Err()
		}
	}
}

func terminateProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func wrapExitErr(hook Hook, err error) error {
	if err == nil {
		return nil
	}
	return merror.New(merror.ProgrammingError, fmt.Sprintf("updatemodule.Run[%s]", hook), err)
}

// RunSupportsRollback runs SupportsRollback and parses its one-line
// Yes/No response.
func (m *Module) RunSupportsRollback(ctx context.Context) (bool, error) {
	stdout, _, err := m.Run(ctx, HookSupportsRollback)
	if err != nil {
		return false, err
	}
	switch firstToken(stdout) {
	case "Yes":
		return true, nil
	case "No":
		return false, nil
	default:
		return false, merror.New(merror.ProgrammingError, "updatemodule.RunSupportsRollback",
			fmt.Errorf("unexpected response %q", stdout))
	}
}

// RunNeedsArtifactReboot runs NeedsArtifactReboot and parses its
// one-line Yes/No/Automatic response.
func (m *Module) RunNeedsArtifactReboot(ctx context.Context) (RebootAction, error) {
	stdout, _, err := m.Run(ctx, HookNeedsArtifactReboot)
	if err != nil {
		return "", err
	}
	switch tok := firstToken(stdout); tok {
	case "Yes":
		return RebootYes, nil
	case "No":
		return RebootNo, nil
	case "Automatic":
		return RebootAutomatic, nil
	default:
		return "", merror.New(merror.ProgrammingError, "updatemodule.RunNeedsArtifactReboot",
			fmt.Errorf("unexpected response %q", tok))
	}
}

func firstToken(stdout string) string {
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}
