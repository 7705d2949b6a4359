package standalone

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Bidon15/otaupdate/artifact"
	"github.com/Bidon15/otaupdate/devicecontext"
	"github.com/Bidon15/otaupdate/internal/merror"
	"github.com/Bidon15/otaupdate/statescript"
	"github.com/Bidon15/otaupdate/store"
	"github.com/Bidon15/otaupdate/updatemodule"
)

// Options configures one standalone run.
type Options struct {
	DeviceType    string
	ModulesDir    string
	ScratchRoot   string
	ScriptsDir    string
	ArtifactCfg   artifact.Config
	ScriptCfg     statescript.Config
	RebootOptIn   bool
}

// Machine drives the linear standalone install flow against a single
// artifact source, persisting a Record to s before every step so a
// crash can resume at the right place.
type Machine struct {
	Store   store.Store
	Opts    Options
	Context *devicecontext.Context

	rec    *Record
	module *updatemodule.Module
}

func NewMachine(s store.Store, opts Options) *Machine {
	return &Machine{Store: s, Opts: opts}
}

// Install runs PrepareDownload through RebootAndRollbackQuery (and
// onward to ArtifactCommit/Cleanup automatically if the module does
// not support rollback), reading the artifact stream from r.
func (m *Machine) Install(ctx context.Context, r io.Reader) (ResultAndError, error) {
	var re ResultAndError

	if existing, err := LoadState(m.Store); err != nil {
		return re, err
	} else if existing != nil {
		return re, merror.New(merror.ProgrammingError, "standalone.Install",
			fmt.Errorf("an update is already in progress (state %q)", existing.InState))
	}

	art, err := m.prepareDownload(ctx, r, &re)
	if err != nil || re.Result.Has(ResultFailed) {
		return re, err
	}
	if art.IsEmptyPayload() {
		commitRe, err := m.Commit(ctx)
		re.Result |= commitRe.Result
		if commitRe.Err != nil {
			re.Err = commitRe.Err
		}
		return re, err
	}

	return m.continueInstall(ctx)
}

// continueInstall drives ArtifactInstall through RebootAndRollbackQuery
// (and on to an automatic Commit if the module does not support
// rollback), saving the record before each step's work the way
// daemon/states.go's runDeployment does. It is shared by a fresh
// Install and a Resume that crashed mid-ArtifactInstall, so either
// entry point redoes the same work instead of skipping it.
func (m *Machine) continueInstall(ctx context.Context) (ResultAndError, error) {
	var re ResultAndError

	if m.rec.InState != StateArtifactInstall {
		if err := m.saveRecordState(StateArtifactInstall); err != nil {
			return re, err
		}
	}
	if err := m.runScript(ctx, "ArtifactInstall", "Enter", &re); err != nil {
		return re, err
	}
	if err := m.artifactInstall(ctx, &re); err != nil {
		return re, err
	}
	if re.Result.Has(ResultFailed) {
		return m.failInstall(ctx, re)
	}
	if err := m.runScript(ctx, "ArtifactInstall", "Leave", &re); err != nil {
		return re, err
	}

	if err := m.saveRecordState(StateRebootAndRollbackQuery); err != nil {
		return re, err
	}
	needsReboot, supportsRollback, err := m.rebootAndRollbackQuery(ctx, &re)
	if err != nil {
		return re, err
	}
	if re.Result.Has(ResultFailed) {
		return m.failInstall(ctx, re)
	}
	if needsReboot {
		re.Accumulate(ResultRebootRequired, nil)
	}
	if supportsRollback {
		return re, nil
	}

	re.Accumulate(ResultAutoCommitWanted, nil)
	commitRe, err := m.Commit(ctx)
	re.Result |= commitRe.Result
	if commitRe.Err != nil {
		re.Err = commitRe.Err
	}
	return re, err
}

func (m *Machine) prepareDownload(ctx context.Context, r io.Reader, re *ResultAndError) (*artifact.Artifact, error) {
	m.rec = &Record{Version: schemaVersion, InState: StatePrepareDownload}
	if err := SaveState(m.Store, m.rec); err != nil {
		return nil, err
	}

	var payload []byte
	handler := func(name string, size int64, pr io.Reader) error {
		data, err := io.ReadAll(pr)
		if err != nil {
			return err
		}
		payload = data
		return nil
	}
	_ = payload

	art, err := artifact.Parse(r, m.Opts.ArtifactCfg, handler)
	if err != nil {
		re.Accumulate(ResultFailed, err)
		return nil, err
	}

	m.rec.ArtifactName = art.ArtifactName
	m.rec.ArtifactGroup = art.ArtifactGroup
	m.rec.ArtifactProvides = art.Provides
	if art.Payload != nil {
		m.rec.PayloadType = art.Payload.TypeInfo.Type
		m.rec.ClearsArtifactProvides = art.Payload.TypeInfo.ClearsArtifactProvides
	}

	if m.Context != nil {
		var currentProvides map[string]string
		if err := m.Store.ReadTransaction(func(tx store.ReadTx) error {
			p, err := devicecontext.LoadProvides(tx)
			currentProvides = p
			return err
		}); err != nil {
			re.Accumulate(ResultFailed, err)
			return art, err
		}
		if !devicecontext.MatchesArtifactDepends(m.Opts.DeviceType, currentProvides, art.Depends) {
			re.Accumulate(ResultFailed|ResultNoRollbackNecessary, nil)
			return art, nil
		}
	}

	if art.IsEmptyPayload() {
		re.Accumulate(ResultDownloaded|ResultInstalled|ResultCommitted, nil)
		return art, nil
	}

	mod, err := updatemodule.New(m.Opts.ModulesDir, m.rec.PayloadType, m.Opts.ScratchRoot)
	if err != nil {
		re.Accumulate(ResultFailed|ResultNoRollbackNecessary, err)
		return art, err
	}
	m.module = mod

	headerInfoJSON, _ := json.Marshal(art.Header)
	typeInfoJSON, _ := json.Marshal(art.Payload.TypeInfo)
	metaDataJSON, _ := json.Marshal(art.Payload.MetaData)
	if err := mod.PrepareScratch(updatemodule.ScratchData{
		CurrentDeviceType: m.Opts.DeviceType,
		ArtifactName:      art.ArtifactName,
		ArtifactGroup:     art.ArtifactGroup,
		PayloadType:        m.rec.PayloadType,
		HeaderInfoJSON:     headerInfoJSON,
		TypeInfoJSON:       typeInfoJSON,
		MetaDataJSON:       metaDataJSON,
	}); err != nil {
		re.Accumulate(ResultFailed|ResultNoRollbackNecessary, err)
		return art, err
	}

	re.Accumulate(ResultDownloaded, nil)
	return art, nil
}

func (m *Machine) artifactInstall(ctx context.Context, re *ResultAndError) error {
	if m.module == nil {
		return nil
	}
	if _, _, err := m.module.Run(ctx, updatemodule.HookArtifactInstall); err != nil {
		re.Accumulate(ResultFailed, err)
		return nil
	}
	re.Accumulate(ResultInstalled, nil)
	return nil
}

func (m *Machine) rebootAndRollbackQuery(ctx context.Context, re *ResultAndError) (needsReboot, supportsRollback bool, err error) {
	action, err := m.module.RunNeedsArtifactReboot(ctx)
	if err != nil {
		re.Accumulate(ResultFailed, err)
		return false, false, err
	}
	needsReboot = action != updatemodule.RebootNo

	supports, err := m.module.RunSupportsRollback(ctx)
	if err != nil {
		re.Accumulate(ResultFailed, err)
		return needsReboot, false, err
	}
	return needsReboot, supports, nil
}

// failInstall runs the ArtifactRollback (if supported) then
// ArtifactFailure best-effort path, marks the artifact broken unless
// the rollback succeeded, and cleans up.
func (m *Machine) failInstall(ctx context.Context, re ResultAndError) (ResultAndError, error) {
	if err := m.saveRecordState(StateArtifactFailure); err != nil {
		return re, err
	}
	if m.module != nil {
		if supports, err := m.module.RunSupportsRollback(ctx); err == nil && supports {
			if _, _, err := m.module.Run(ctx, updatemodule.HookArtifactRollback); err != nil {
				re.Accumulate(ResultRollbackFailed, err)
			} else {
				re.Accumulate(ResultRolledBack, nil)
			}
		}
		if _, _, err := m.module.Run(ctx, updatemodule.HookArtifactFailure); err != nil {
			re.Accumulate(ResultRollbackFailed, err)
		}
	}
	return m.cleanup(ctx, re, true)
}

// Resume picks an install back up after a process restart, re-entering
// at the persisted rec.InState exactly the way daemon/states.go's
// runDeployment does instead of assuming the reboot already happened:
// a crash mid-ArtifactInstall resumes there and proceeds through
// RebootAndRollbackQuery again before ArtifactVerifyReboot or Commit
// ever run, while a record saved at RebootAndRollbackQuery (meaning
// the process already returned to let the caller reboot the device)
// resumes by verifying the reboot and committing. (nil update in
// progress) is reported the same way Commit and Rollback report it.
func (m *Machine) Resume(ctx context.Context) (ResultAndError, error) {
	var re ResultAndError
	rec, err := LoadState(m.Store)
	if err != nil {
		return re, err
	}
	if rec == nil {
		re.Accumulate(ResultNoUpdateInProgress, nil)
		return re, nil
	}
	m.rec = rec

	if m.Opts.ModulesDir != "" && rec.PayloadType != "" {
		mod, err := updatemodule.New(m.Opts.ModulesDir, rec.PayloadType, m.Opts.ScratchRoot)
		if err != nil {
			re.Accumulate(ResultFailed, err)
			return re, err
		}
		m.module = mod
	}

	switch rec.InState {
	case StatePrepareDownload, "":
		// The artifact stream isn't persisted across a restart, so a
		// crash this early can't be redone; there is nothing installed
		// to roll back either.
		re.Accumulate(ResultFailed, nil)
		return m.failInstall(ctx, re)

	case StateArtifactInstall:
		return m.continueInstall(ctx)

	case StateRebootAndRollbackQuery:
		if m.module != nil {
			if _, _, err := m.module.Run(ctx, updatemodule.HookArtifactVerifyReboot); err != nil {
				re.Accumulate(ResultFailed, err)
				return m.failInstall(ctx, re)
			}
		}
		return m.Commit(ctx)

	case StateArtifactCommit:
		return m.Commit(ctx)

	case StateArtifactRollback, StateArtifactFailure:
		return m.Rollback(ctx)

	default:
		re.Accumulate(ResultNoUpdateInProgress, nil)
		return re, nil
	}
}

// Commit runs ArtifactCommit and Cleanup against the persisted record,
// for use both as Install's automatic-commit tail and as the `commit`
// CLI entry point after a resumed "Installed, not committed" exit.
func (m *Machine) Commit(ctx context.Context) (ResultAndError, error) {
	var re ResultAndError
	if m.rec == nil {
		rec, err := LoadState(m.Store)
		if err != nil {
			return re, err
		}
		if rec == nil {
			re.Accumulate(ResultNoUpdateInProgress, nil)
			return re, nil
		}
		m.rec = rec
	}
	if m.module == nil && m.Opts.ModulesDir != "" && m.rec.PayloadType != "" {
		mod, err := updatemodule.New(m.Opts.ModulesDir, m.rec.PayloadType, m.Opts.ScratchRoot)
		if err != nil {
			re.Accumulate(ResultFailed, err)
			return re, err
		}
		m.module = mod
	}
	if err := m.saveRecordState(StateArtifactCommit); err != nil {
		return re, err
	}
	if err := m.runScript(ctx, "ArtifactCommit", "Enter", &re); err != nil {
		return re, err
	}
	if m.module != nil {
		if _, _, err := m.module.Run(ctx, updatemodule.HookArtifactCommit); err != nil {
			re.Accumulate(ResultFailed|ResultFailedInPostCommit, err)
			return m.cleanup(ctx, re, true)
		}
	}
	re.Accumulate(ResultCommitted, nil)
	if err := m.runScript(ctx, "ArtifactCommit", "Leave", &re); err != nil {
		return re, err
	}
	return m.cleanup(ctx, re, false)
}

// Rollback runs RollbackQuery→ArtifactRollback→ArtifactFailure→Cleanup
// against the persisted record.
func (m *Machine) Rollback(ctx context.Context) (ResultAndError, error) {
	var re ResultAndError
	if m.rec == nil {
		rec, err := LoadState(m.Store)
		if err != nil {
			return re, err
		}
		if rec == nil {
			re.Accumulate(ResultNoUpdateInProgress, nil)
			return re, nil
		}
		m.rec = rec
	}
	if m.module == nil && m.Opts.ModulesDir != "" && m.rec.PayloadType != "" {
		mod, err := updatemodule.New(m.Opts.ModulesDir, m.rec.PayloadType, m.Opts.ScratchRoot)
		if err != nil {
			re.Accumulate(ResultFailed, err)
			return re, err
		}
		m.module = mod
	}

	if m.module != nil {
		supports, err := m.module.RunSupportsRollback(ctx)
		if err != nil {
			re.Accumulate(ResultFailed|ResultRollbackFailed, err)
			return re, err
		}
		if !supports {
			re.Accumulate(ResultFailed|ResultNoRollback, nil)
			return re, nil
		}
		if _, _, err := m.module.Run(ctx, updatemodule.HookArtifactRollback); err != nil {
			re.Accumulate(ResultFailed|ResultRollbackFailed, err)
		} else {
			re.Accumulate(ResultRolledBack, nil)
		}
		if _, _, err := m.module.Run(ctx, updatemodule.HookArtifactFailure); err != nil {
			re.Accumulate(ResultRollbackFailed, err)
		}
	}
	return m.cleanup(ctx, re, true)
}

func (m *Machine) cleanup(ctx context.Context, re ResultAndError, failedRun bool) (ResultAndError, error) {
	if m.module != nil {
		if err := m.module.Cleanup(); err != nil {
			re.Accumulate(ResultCleanupFailed|ResultFailed, err)
		}
	}

	if re.Result.Has(ResultRolledBack) && !re.Result.Has(ResultRollbackFailed) {
		if err := RemoveState(m.Store); err != nil {
			re.Accumulate(ResultFailed, err)
			return re, err
		}
		re.Accumulate(ResultCleaned, nil)
		return re, nil
	}

	if re.Result.Has(ResultFailed) {
		m.rec.withBrokenArtifactSuffix(devicecontext.BrokenArtifactSuffix)
	}

	err := devicecontext.CommitArtifactData(
		m.Store,
		m.rec.ArtifactName,
		m.rec.ArtifactGroup,
		m.rec.ArtifactProvides,
		m.rec.ClearsArtifactProvides,
		func(tx store.WriteTx) error { return tx.Remove(stateKey) },
	)
	if err != nil {
		re.Accumulate(ResultFailed, err)
		return re, err
	}
	re.Accumulate(ResultCleaned, nil)
	return re, nil
}

func (m *Machine) saveRecordState(state string) error {
	m.rec.InState = state
	return SaveState(m.Store, m.rec)
}

func (m *Machine) runScript(ctx context.Context, state, action string, re *ResultAndError) error {
	if m.Opts.ScriptsDir == "" {
		return nil
	}
	runner := statescript.NewRunner(m.Opts.ScriptsDir, m.Opts.ScriptCfg)
	if err := runner.RunAll(ctx, state, action); err != nil {
		re.Accumulate(ResultFailed, err)
		return err
	}
	return nil
}
