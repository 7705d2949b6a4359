package daemon

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/Bidon15/otaupdate/artifact"
	"github.com/Bidon15/otaupdate/devicecontext"
	"github.com/Bidon15/otaupdate/deployments"
	"github.com/Bidon15/otaupdate/download"
	"github.com/Bidon15/otaupdate/statescript"
	"github.com/Bidon15/otaupdate/store"
	"github.com/Bidon15/otaupdate/updatemodule"
)

// Rebooter performs (or, in tests, simulates) the actual device
// reboot. It stands in for the external collaborator that owns the
// host's init system; the core only needs to know whether the request
// was accepted.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// SystemRebooter invokes the given command (typically "reboot" or
// "systemctl reboot") as the production Rebooter.
type SystemRebooter struct {
	Command []string
}

func (r SystemRebooter) Reboot(ctx context.Context) error {
	if len(r.Command) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	return cmd.Run()
}

// InventorySubmitter pushes the device's current inventory attributes
// to the server. Gathering the attributes themselves is out of scope
// for the core (§1 Non-goals); this is the narrow interface the daemon
// calls into at the SubmitInventory state.
type InventorySubmitter interface {
	Submit(ctx context.Context) error
}

// NoopInventory satisfies InventorySubmitter for deployments that have
// not wired a real inventory subsystem.
type NoopInventory struct{}

func (NoopInventory) Submit(ctx context.Context) error { return nil }

// Options configures one Daemon.
type Options struct {
	DeviceType  string
	ModulesDir  string
	ScratchRoot string
	ScriptsDir  string

	ArtifactCfg artifact.Config
	ScriptCfg   statescript.Config
	DownloadCfg download.Config

	PollInterval      time.Duration
	RetryPollInterval time.Duration
	InventoryInterval time.Duration

	RebootExitCodeOptIn bool

	LogFile string
}

// Daemon drives the long-running idle→poll→download→install→reboot→
// commit loop against the deployment service, persisting its position
// via Record before every transition so a crash or power loss resumes
// cleanly.
type Daemon struct {
	Store       store.Store
	Context     *devicecontext.Context
	Deployments *deployments.Client
	HTTPClient  download.Doer
	Inventory   InventorySubmitter
	Rebooter    Rebooter
	Logger      *slog.Logger

	Opts Options

	forceCheck     chan struct{}
	forceInventory chan struct{}

	rec    *Record
	module *updatemodule.Module
}

// New builds a Daemon ready to Run.
func New(s store.Store, devCtx *devicecontext.Context, depClient *deployments.Client, opts Options, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DeviceType == "" && devCtx != nil {
		opts.DeviceType = devCtx.DeviceType
	}
	return &Daemon{
		Store:          s,
		Context:        devCtx,
		Deployments:    depClient,
		HTTPClient:     http.DefaultClient,
		Inventory:      NoopInventory{},
		Rebooter:       SystemRebooter{Command: []string{"reboot"}},
		Logger:         logger,
		Opts:           opts,
		forceCheck:     make(chan struct{}, 1),
		forceInventory: make(chan struct{}, 1),
	}
}

// ForceCheckUpdate requests an immediate poll, short-circuiting the
// idle wait. Repeated calls while a check is already in flight are
// coalesced (§5's "signal-driven forced checks are idempotent").
func (d *Daemon) ForceCheckUpdate() {
	select {
	case d.forceCheck <- struct{}{}:
	default:
	}
}

// ForceInventory requests an immediate inventory push, coalesced the
// same way as ForceCheckUpdate.
func (d *Daemon) ForceInventory() {
	select {
	case d.forceInventory <- struct{}{}:
	default:
	}
}

// Run drives the daemon loop until ctx is cancelled. On startup it
// resumes any in-flight deployment found by LoadState before entering
// the idle/poll cycle.
func (d *Daemon) Run(ctx context.Context) error {
	rec, err := LoadState(d.Store)
	if err != nil {
		return err
	}
	if rec != nil {
		d.Logger.Info("resuming deployment", "deployment_id", rec.DeploymentID, "in_state", rec.InState)
		re, err := d.runDeployment(ctx, rec)
		d.logResult(rec, re, err)
	}

	lastInventory := time.Time{}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(lastInventory) >= d.Opts.InventoryInterval {
			if err := d.submitInventory(ctx); err != nil {
				d.Logger.Warn("inventory submission failed", "error", err)
			}
			lastInventory = time.Now()
		}

		dep, err := d.poll(ctx)
		if err != nil {
			d.Logger.Warn("poll failed", "error", err)
			if !d.sleepOrSignal(ctx, d.Opts.RetryPollInterval) {
				return ctx.Err()
			}
			continue
		}
		if dep == nil {
			if !d.sleepOrSignal(ctx, d.Opts.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		rec := d.newRecord(dep)
		if err := SaveState(d.Store, rec); err != nil {
			return err
		}
		re, err := d.runDeployment(ctx, rec)
		d.logResult(rec, re, err)
	}
}

// sleepOrSignal waits for interval, a forced check, or context
// cancellation, whichever comes first. It returns false only when ctx
// was the reason it returned.
func (d *Daemon) sleepOrSignal(ctx context.Context, interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-d.forceCheck:
		return true
	case <-d.forceInventory:
		// An inventory push was requested; submit it now, then report
		// "ready now" so the caller polls straight away.
		if err := d.submitInventory(ctx); err != nil {
			d.Logger.Warn("inventory submission failed", "error", err)
		}
		return true
	}
}

func (d *Daemon) submitInventory(ctx context.Context) error {
	if d.Inventory == nil {
		return nil
	}
	return d.Inventory.Submit(ctx)
}

// poll checks the deployment service for new work, returning (nil,
// nil) when there is none.
func (d *Daemon) poll(ctx context.Context) (*deployments.Deployment, error) {
	if d.Deployments == nil {
		return nil, nil
	}
	var provides map[string]string
	if err := d.Store.ReadTransaction(func(tx store.ReadTx) error {
		p, err := devicecontext.LoadProvides(tx)
		provides = p
		return err
	}); err != nil {
		return nil, err
	}
	return d.Deployments.CheckNewDeployments(ctx, d.Opts.DeviceType, provides)
}

func (d *Daemon) newRecord(dep *deployments.Deployment) *Record {
	return &Record{
		Version:      schemaVersion,
		InState:      StateDownload,
		DeploymentID: dep.ID,
		SourceURI:    dep.Artifact.Source.URI,
		SourceExpire: dep.Artifact.Source.Expire,
	}
}

func (d *Daemon) logResult(rec *Record, re ResultAndError, err error) {
	if err != nil {
		d.Logger.Error("deployment ended with error", "deployment_id", rec.DeploymentID, "error", err)
		return
	}
	d.Logger.Info("deployment finished", "deployment_id", rec.DeploymentID, "result", re.Result)
}

// fetchArtifactStream opens a pipe that download.Download fills
// concurrently, letting artifact.Parse consume bytes as they arrive
// instead of buffering the whole artifact in memory.
func fetchArtifactStream(ctx context.Context, client download.Doer, uri string, cfg download.Config) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		err := download.Download(ctx, client, uri, pw, cfg, nil)
		_ = pw.CloseWithError(err)
	}()
	return pr
}

