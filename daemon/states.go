package daemon

import (
	"context"
	"encoding/json"

	"github.com/Bidon15/otaupdate/artifact"
	"github.com/Bidon15/otaupdate/devicecontext"
	"github.com/Bidon15/otaupdate/statescript"
	"github.com/Bidon15/otaupdate/store"
	"github.com/Bidon15/otaupdate/updatemodule"
)

// runDeployment drives rec through the states described in §4.9,
// resuming at rec.InState so a process restart (including one caused
// by the deployment's own ArtifactReboot step) picks up exactly where
// it left off. It always returns with either the deployment record
// cleared (success, rollback) or a broken-artifact record committed
// (unrecoverable failure).
func (d *Daemon) runDeployment(ctx context.Context, rec *Record) (ResultAndError, error) {
	d.rec = rec
	d.module = nil
	var re ResultAndError

	if rec.InState != StateDownload && rec.InState != "" && d.Opts.ModulesDir != "" && rec.PayloadType != "" {
		mod, err := updatemodule.New(d.Opts.ModulesDir, rec.PayloadType, d.Opts.ScratchRoot)
		if err != nil {
			re.Accumulate(ResultFailed, err)
			return re, err
		}
		d.module = mod
	}

	switch rec.InState {
	case StateDownload, "":
		if err := d.download(ctx, &re); err != nil || re.Result.Has(ResultFailed) {
			if re.Result.Has(ResultFailed) {
				return d.failDeployment(ctx, re)
			}
			return re, err
		}
		fallthrough
	case StateArtifactInstall:
		if rec.InState != StateArtifactInstall {
			if err := d.saveState(StateArtifactInstall); err != nil {
				return re, err
			}
		}
		if err := d.runScript(ctx, "ArtifactInstall", "Enter", &re); err != nil {
			return re, err
		}
		if err := d.artifactInstall(ctx, &re); err != nil {
			return re, err
		}
		if re.Result.Has(ResultFailed) {
			return d.failDeployment(ctx, re)
		}
		if err := d.runScript(ctx, "ArtifactInstall", "Leave", &re); err != nil {
			return re, err
		}
		fallthrough
	case StateReboot:
		if err := d.saveState(StateReboot); err != nil {
			return re, err
		}
		rebooted, err := d.reboot(ctx, &re)
		if err != nil {
			return re, err
		}
		if re.Result.Has(ResultFailed) {
			return d.failDeployment(ctx, re)
		}
		if rebooted {
			// The process may not survive past this point; VerifyReboot
			// resumes on the next Run() after the reboot completes.
			if err := d.saveState(StateVerifyReboot); err != nil {
				return re, err
			}
			return re, nil
		}
		fallthrough
	case StateVerifyReboot:
		if rec.InState == StateVerifyReboot {
			if err := d.verifyReboot(ctx, &re); err != nil {
				return re, err
			}
			if re.Result.Has(ResultFailed) {
				return d.failDeployment(ctx, re)
			}
		}
		fallthrough
	case StateArtifactCommit:
		return d.commit(ctx, re)
	case StateArtifactRollback, StateArtifactFailure:
		return d.rollback(ctx, re)
	default:
		return re, nil
	}
}

func (d *Daemon) saveState(state string) error {
	d.rec.InState = state
	return SaveState(d.Store, d.rec)
}

func (d *Daemon) pushStatus(ctx context.Context, status string) {
	if d.Deployments == nil || d.rec.DeploymentID == "" {
		return
	}
	if err := d.Deployments.PushStatus(ctx, d.rec.DeploymentID, status, d.rec.InState); err != nil {
		d.Logger.Warn("push status failed", "deployment_id", d.rec.DeploymentID, "status", status, "error", err)
	}
}

func (d *Daemon) download(ctx context.Context, re *ResultAndError) error {
	if err := d.saveState(StateDownload); err != nil {
		return err
	}
	d.pushStatus(ctx, "downloading")

	body := fetchArtifactStream(ctx, d.HTTPClient, d.rec.SourceURI, d.Opts.DownloadCfg)
	defer body.Close()

	var currentProvides map[string]string
	if err := d.Store.ReadTransaction(func(tx store.ReadTx) error {
		p, err := devicecontext.LoadProvides(tx)
		currentProvides = p
		return err
	}); err != nil {
		re.Accumulate(ResultFailed, err)
		return nil
	}

	art, err := artifact.Parse(body, d.Opts.ArtifactCfg, nil)
	if err != nil {
		re.Accumulate(ResultFailed, err)
		return nil
	}

	if !devicecontext.MatchesArtifactDepends(d.Opts.DeviceType, currentProvides, art.Depends) {
		re.Accumulate(ResultFailed, nil)
		return nil
	}

	d.rec.ArtifactName = art.ArtifactName
	d.rec.ArtifactGroup = art.ArtifactGroup
	d.rec.ArtifactProvides = art.Provides
	if art.Payload != nil {
		d.rec.PayloadType = art.Payload.TypeInfo.Type
		d.rec.ClearsArtifactProvides = art.Payload.TypeInfo.ClearsArtifactProvides
	}

	if art.IsEmptyPayload() {
		re.Accumulate(ResultDownloaded|ResultInstalled|ResultCommitted, nil)
		return nil
	}

	mod, err := updatemodule.New(d.Opts.ModulesDir, d.rec.PayloadType, d.Opts.ScratchRoot)
	if err != nil {
		re.Accumulate(ResultFailed, err)
		return nil
	}
	d.module = mod

	headerInfoJSON, _ := json.Marshal(art.Header)
	typeInfoJSON, _ := json.Marshal(art.Payload.TypeInfo)
	metaDataJSON, _ := json.Marshal(art.Payload.MetaData)
	if err := mod.PrepareScratch(updatemodule.ScratchData{
		CurrentDeviceType: d.Opts.DeviceType,
		ArtifactName:      art.ArtifactName,
		ArtifactGroup:     art.ArtifactGroup,
		PayloadType:       d.rec.PayloadType,
		HeaderInfoJSON:    headerInfoJSON,
		TypeInfoJSON:      typeInfoJSON,
		MetaDataJSON:      metaDataJSON,
	}); err != nil {
		re.Accumulate(ResultFailed, err)
		return nil
	}

	re.Accumulate(ResultDownloaded, nil)
	return nil
}

func (d *Daemon) artifactInstall(ctx context.Context, re *ResultAndError) error {
	d.pushStatus(ctx, "installing")
	if d.module == nil {
		re.Accumulate(ResultInstalled, nil)
		return nil
	}
	if _, _, err := d.module.Run(ctx, updatemodule.HookArtifactInstall); err != nil {
		re.Accumulate(ResultFailed, err)
		return nil
	}
	re.Accumulate(ResultInstalled, nil)
	return nil
}

// reboot runs NeedsArtifactReboot and, if required and not automatic,
// ArtifactReboot followed by the Rebooter. It reports whether the
// device reboot was actually requested of the Rebooter.
func (d *Daemon) reboot(ctx context.Context, re *ResultAndError) (rebooted bool, err error) {
	if d.module == nil {
		return false, nil
	}
	action, err := d.module.RunNeedsArtifactReboot(ctx)
	if err != nil {
		re.Accumulate(ResultFailed, err)
		return false, nil
	}
	if action == updatemodule.RebootNo {
		return false, nil
	}

	re.Accumulate(ResultRebootRequired, nil)
	d.pushStatus(ctx, "rebooting")

	if action == updatemodule.RebootYes {
		if err := d.runScript(ctx, "ArtifactReboot", "Enter", re); err != nil {
			return false, err
		}
		if _, _, err := d.module.Run(ctx, updatemodule.HookArtifactReboot); err != nil {
			re.Accumulate(ResultFailed, err)
			return false, nil
		}
		if err := d.runScript(ctx, "ArtifactReboot", "Leave", re); err != nil {
			return false, err
		}
	}

	if d.Rebooter != nil {
		if err := d.Rebooter.Reboot(ctx); err != nil {
			re.Accumulate(ResultFailed, err)
			return false, nil
		}
	}
	return true, nil
}

func (d *Daemon) verifyReboot(ctx context.Context, re *ResultAndError) error {
	if d.module == nil {
		return nil
	}
	if _, _, err := d.module.Run(ctx, updatemodule.HookArtifactVerifyReboot); err != nil {
		re.Accumulate(ResultFailed, err)
	}
	return nil
}

func (d *Daemon) commit(ctx context.Context, re ResultAndError) (ResultAndError, error) {
	if err := d.saveState(StateArtifactCommit); err != nil {
		return re, err
	}
	d.pushStatus(ctx, "pause_before_committing")

	if err := d.runScript(ctx, "ArtifactCommit", "Enter", &re); err != nil {
		return re, err
	}
	if d.module != nil {
		if _, _, err := d.module.Run(ctx, updatemodule.HookArtifactCommit); err != nil {
			re.Accumulate(ResultFailed|ResultFailedInPostCommit, err)
			return d.cleanup(ctx, re, true)
		}
	}
	re.Accumulate(ResultCommitted, nil)
	if err := d.runScript(ctx, "ArtifactCommit", "Leave", &re); err != nil {
		return re, err
	}
	d.pushStatus(ctx, "success")
	return d.cleanup(ctx, re, false)
}

// failDeployment runs the rollback path (if supported) then the
// best-effort ArtifactFailure hook, marks the artifact broken on an
// unrecoverable failure, and cleans up.
func (d *Daemon) failDeployment(ctx context.Context, re ResultAndError) (ResultAndError, error) {
	if err := d.saveState(StateArtifactFailure); err != nil {
		return re, err
	}
	d.pushStatus(ctx, "failure")

	if d.module != nil {
		if supports, err := d.module.RunSupportsRollback(ctx); err == nil && supports {
			if _, _, err := d.module.Run(ctx, updatemodule.HookArtifactRollback); err != nil {
				re.Accumulate(ResultRollbackFailed, err)
			} else {
				re.Accumulate(ResultRolledBack, nil)
			}
		} else {
			re.Accumulate(ResultNoRollback, nil)
		}
		if err := d.runScript(ctx, "ArtifactFailure", "Error", &re); err != nil {
			d.Logger.Warn("ArtifactFailure state script failed", "error", err)
		}
		if _, _, err := d.module.Run(ctx, updatemodule.HookArtifactFailure); err != nil {
			re.Accumulate(ResultRollbackFailed, err)
		}
	}
	return d.cleanup(ctx, re, true)
}

// rollback resumes a persisted deployment that was saved at
// ArtifactRollback or ArtifactFailure, running the rollback path again.
func (d *Daemon) rollback(ctx context.Context, re ResultAndError) (ResultAndError, error) {
	if d.module != nil {
		supports, err := d.module.RunSupportsRollback(ctx)
		if err != nil {
			re.Accumulate(ResultFailed|ResultRollbackFailed, err)
			return re, err
		}
		if !supports {
			re.Accumulate(ResultFailed|ResultNoRollback, nil)
			return re, nil
		}
		if _, _, err := d.module.Run(ctx, updatemodule.HookArtifactRollback); err != nil {
			re.Accumulate(ResultFailed|ResultRollbackFailed, err)
		} else {
			re.Accumulate(ResultRolledBack, nil)
		}
		if _, _, err := d.module.Run(ctx, updatemodule.HookArtifactFailure); err != nil {
			re.Accumulate(ResultRollbackFailed, err)
		}
	}
	return d.cleanup(ctx, re, true)
}

func (d *Daemon) cleanup(ctx context.Context, re ResultAndError, failedRun bool) (ResultAndError, error) {
	if err := d.saveState(StateCleanup); err != nil {
		return re, err
	}
	if d.module != nil {
		if err := d.module.Cleanup(); err != nil {
			re.Accumulate(ResultCleanupFailed|ResultFailed, err)
		}
	}

	if re.Result.Has(ResultRolledBack) && !re.Result.Has(ResultRollbackFailed) {
		if err := RemoveState(d.Store); err != nil {
			re.Accumulate(ResultFailed, err)
			return re, err
		}
		re.Accumulate(ResultCleaned, nil)
		return re, nil
	}

	if re.Result.Has(ResultFailed) {
		d.rec.withBrokenArtifactSuffix(devicecontext.BrokenArtifactSuffix)
	}

	err := devicecontext.CommitArtifactData(
		d.Store,
		d.rec.ArtifactName,
		d.rec.ArtifactGroup,
		d.rec.ArtifactProvides,
		d.rec.ClearsArtifactProvides,
		func(tx store.WriteTx) error {
			if err := tx.Remove(committedKey); err != nil {
				return err
			}
			return tx.Remove(uncommittedKey)
		},
	)
	if err != nil {
		re.Accumulate(ResultFailed, err)
		return re, err
	}
	re.Accumulate(ResultCleaned, nil)
	return re, nil
}

func (d *Daemon) runScript(ctx context.Context, state, action string, re *ResultAndError) error {
	if d.Opts.ScriptsDir == "" {
		return nil
	}
	runner := statescript.NewRunner(d.Opts.ScriptsDir, d.Opts.ScriptCfg)
	if err := runner.RunAll(ctx, state, action); err != nil {
		re.Accumulate(ResultFailed, err)
		return nil
	}
	return nil
}
