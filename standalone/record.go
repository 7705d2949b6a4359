// Package standalone implements the linear install→commit/rollback
// flow driven from the CLI against a single local file or URL, with
// crash-recoverable state persisted between every step.
package standalone

import (
	"encoding/json"
	"fmt"

	"github.com/Bidon15/otaupdate/internal/merror"
	"github.com/Bidon15/otaupdate/store"
)

// stateKey is the single reserved store key standalone deployments
// use; unlike the daemon's state/state-uncommitted pair, there is no
// schema-upgrade dance here.
const stateKey = "standalone-state"

// schemaVersion is the deployment record's own version, independent of
// the artifact format version.
const schemaVersion = 2

// maxStateDataStoreCount bounds SaveState: crossing it means the
// machine is looping instead of progressing.
const maxStateDataStoreCount = 28

// Names of the in_state values the standalone machine persists, mirroring
// daemon's state names so Resume can switch on rec.InState the same way
// daemon/states.go's runDeployment does.
const (
	StatePrepareDownload        = "PrepareDownload"
	StateArtifactInstall        = "ArtifactInstall"
	StateRebootAndRollbackQuery = "RebootAndRollbackQuery"
	StateArtifactCommit         = "ArtifactCommit"
	StateArtifactRollback       = "ArtifactRollback"
	StateArtifactFailure        = "ArtifactFailure"
)

// Result is a bitmask describing everything that happened during one
// Run.
type Result uint32

const (
	ResultDownloaded Result = 1 << iota
	ResultInstalled
	ResultCommitted
	ResultRolledBack
	ResultNoRollback
	ResultNoRollbackNecessary
	ResultRebootRequired
	ResultRollbackFailed
	ResultCleanupFailed
	ResultFailedInPostCommit
	ResultCleaned
	ResultFailed
	ResultNoUpdateInProgress
	ResultAutoCommitWanted
)

func (r Result) Has(bit Result) bool { return r&bit != 0 }

// ExitCode maps a Result to the process exit code convention: any
// Failed* bit is 2; RebootRequired without Failed is 4 only if the
// caller opted into reboot exit codes; otherwise 0.
func (r Result) ExitCode(rebootExitCodeOptIn bool) int {
	if r.Has(ResultFailed | ResultRollbackFailed | ResultCleanupFailed | ResultFailedInPostCommit) {
		return 2
	}
	if r.Has(ResultRebootRequired) && rebootExitCodeOptIn {
		return 4
	}
	return 0
}

// ResultAndError is the accumulated outcome of a run plus the first
// error observed, mirroring the cumulative bitmask bookkeeping a crash
// recovery needs to report accurately.
type ResultAndError struct {
	Result Result
	Err    error
}

// Accumulate ORs in next's bits and keeps the first non-nil error,
// chaining any later one onto it with merror.FollowedBy.
func (re *ResultAndError) Accumulate(next Result, err error) {
	re.Result |= next
	if re.Err == nil {
		re.Err = err
	} else if err != nil {
		re.Err = merror.FollowedBy(re.Err, err)
	}
}

// Record is the persisted deployment state for one standalone
// install/commit/rollback cycle.
type Record struct {
	Version               int               `json:"version"`
	InState               string            `json:"in_state"`
	ArtifactName          string            `json:"artifact_name"`
	ArtifactGroup         string            `json:"artifact_group,omitempty"`
	ArtifactProvides      map[string]string `json:"artifact_provides,omitempty"`
	ClearsArtifactProvides []string         `json:"clears_artifact_provides,omitempty"`
	PayloadType           string            `json:"payload_type"`
	DeploymentID          string            `json:"deployment_id,omitempty"`
	SourceURI             string            `json:"source_uri,omitempty"`
	RebootRequested       string            `json:"reboot_requested,omitempty"`
	SupportsRollback      string            `json:"supports_rollback,omitempty"`
	StateDataStoreCount   int               `json:"state_data_store_count"`
	Failed                bool              `json:"failed"`
	RolledBack            bool              `json:"rolled_back"`
}

func (r *Record) withBrokenArtifactSuffix(suffix string) {
	r.ArtifactName += suffix
	if r.ArtifactProvides != nil {
		r.ArtifactProvides["artifact_name"] = r.ArtifactName
	}
}

// SaveState persists rec, incrementing its store-count and enforcing
// the loop cap; a crash between this write and the next state's work
// resumes cleanly at InState.
func SaveState(s store.Store, rec *Record) error {
	rec.StateDataStoreCount++
	if rec.StateDataStoreCount > maxStateDataStoreCount {
		return merror.New(merror.StateDataStoreCountExceeded, "standalone.SaveState",
			fmt.Errorf("state saved %d times without progress", rec.StateDataStoreCount))
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return merror.New(merror.ProgrammingError, "standalone.SaveState", err)
	}
	if err := s.Write(stateKey, raw); err != nil {
		return merror.New(merror.ProgrammingError, "standalone.SaveState", err)
	}
	return nil
}

// LoadState returns the persisted record, or (nil, nil) if none
// exists (clean idle: no update in progress).
func LoadState(s store.Store) (*Record, error) {
	raw, err := s.Read(stateKey)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, merror.New(merror.DatabaseValueError, "standalone.LoadState", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, merror.New(merror.DatabaseValueError, "standalone.LoadState", err)
	}
	return &rec, nil
}

// RemoveState clears the standalone deployment record, called after a
// successful rollback; on final success the record is removed inside
// CommitArtifactData's transaction instead.
func RemoveState(s store.Store) error {
	if err := s.Remove(stateKey); err != nil {
		return merror.New(merror.ProgrammingError, "standalone.RemoveState", err)
	}
	return nil
}
