// Package daemon implements the long-running state machine: an
// idle→poll→download→install→reboot→commit loop that survives crashes
// and process restarts by persisting its position after every
// transition, mirroring the standalone machine but driven by the
// deployment service instead of a local file.
package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/Bidon15/otaupdate/internal/merror"
	"github.com/Bidon15/otaupdate/store"
)

// Reserved store keys for the committed/uncommitted deployment record
// pair, per the schema-upgrade idiom in store.SaveRecord/LoadRecord.
const (
	committedKey   = "state"
	uncommittedKey = "state-uncommitted"
)

// schemaVersion is the deployment record's own version, independent of
// the artifact format version it describes.
const schemaVersion = 2

// maxStateDataStoreCount bounds SaveState: crossing it means the
// daemon is looping on one deployment instead of progressing.
const maxStateDataStoreCount = 28

// Names of the in_state values the daemon persists. VerifyReboot in
// particular is the one runDeployment resumes at to tell "we rebooted
// and are back" apart from "we never got that far".
const (
	StateIdle                   = "Idle"
	StateSubmitInventory        = "SubmitInventory"
	StatePoll                   = "Poll"
	StateDownload               = "Download"
	StateArtifactInstall        = "ArtifactInstall"
	StateReboot                 = "Reboot"
	StateVerifyReboot           = "VerifyReboot"
	StateArtifactCommit         = "ArtifactCommit"
	StateCleanup                = "Cleanup"
	StateArtifactRollback       = "ArtifactRollback"
	StateArtifactRollbackReboot = "ArtifactRollbackReboot"
	StateVerifyRollbackReboot   = "ArtifactVerifyRollbackReboot"
	StateArtifactFailure        = "ArtifactFailure"
)

// Record is the persisted deployment state record for one
// server-driven deployment. It is the daemon's equivalent of
// standalone.Record, with the addition of the schema-upgrade flag the
// two-slot store layout needs.
type Record struct {
	Version                int               `json:"version"`
	InState                string            `json:"in_state"`
	ArtifactName           string            `json:"artifact_name"`
	ArtifactGroup          string            `json:"artifact_group,omitempty"`
	ArtifactProvides       map[string]string `json:"artifact_provides,omitempty"`
	ClearsArtifactProvides []string          `json:"clears_artifact_provides,omitempty"`
	PayloadType            string            `json:"payload_type"`

	DeploymentID       string `json:"deployment_id"`
	SourceURI          string `json:"source_uri,omitempty"`
	SourceExpire       string `json:"source_expire,omitempty"`
	RebootRequested    string `json:"reboot_requested,omitempty"`
	SupportsRollback   string `json:"supports_rollback,omitempty"`
	HasDBSchemaUpdate  bool   `json:"has_db_schema_update"`
	AllRollbacksOK     bool   `json:"all_rollbacks_successful"`

	StateDataStoreCount int  `json:"state_data_store_count"`
	Failed              bool `json:"failed"`
	RolledBack          bool `json:"rolled_back"`
}

func (r *Record) withBrokenArtifactSuffix(suffix string) {
	r.ArtifactName += suffix
	if r.ArtifactProvides != nil {
		r.ArtifactProvides["artifact_name"] = r.ArtifactName
	}
}

// SaveState persists rec using the schema-upgrade idiom: while
// rec.HasDBSchemaUpdate is true it writes to the uncommitted slot;
// once a save is made with that flag false the record moves to the
// committed slot and the uncommitted one is cleared. Every call
// increments StateDataStoreCount and enforces the 28-step loop cap.
func SaveState(s store.Store, rec *Record) error {
	rec.StateDataStoreCount++
	if rec.StateDataStoreCount > maxStateDataStoreCount {
		return merror.New(merror.StateDataStoreCountExceeded, "daemon.SaveState",
			fmt.Errorf("state saved %d times without progress", rec.StateDataStoreCount))
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return merror.New(merror.ProgrammingError, "daemon.SaveState", err)
	}
	if err := store.SaveRecord(s, committedKey, uncommittedKey, raw, rec.HasDBSchemaUpdate); err != nil {
		return merror.New(merror.ProgrammingError, "daemon.SaveState", err)
	}
	return nil
}

// LoadState returns the persisted record, trying the committed slot
// first and falling back to the uncommitted one on a parse failure or
// miss, per the documented-but-unspecified-in-source read order (see
// DESIGN.md). (nil, nil) means clean idle: no deployment in progress.
func LoadState(s store.Store) (*Record, error) {
	raw, fromUncommitted, err := store.LoadRecord(s, committedKey, uncommittedKey)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, merror.New(merror.DatabaseValueError, "daemon.LoadState", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		if fromUncommitted {
			return nil, merror.New(merror.DatabaseValueError, "daemon.LoadState", err)
		}
		alt, altErr := s.Read(uncommittedKey)
		rec = Record{}
		if altErr != nil || json.Unmarshal(alt, &rec) != nil {
			return nil, merror.New(merror.DatabaseValueError, "daemon.LoadState", err)
		}
		fromUncommitted = true
	}
	rec.HasDBSchemaUpdate = fromUncommitted
	return &rec, nil
}

// RemoveState clears both the committed and uncommitted slots, called
// after a successful rollback; on final success both slots are cleared
// inside CommitArtifactData's transaction instead.
func RemoveState(s store.Store) error {
	if err := store.RemoveRecord(s, committedKey, uncommittedKey); err != nil {
		return merror.New(merror.ProgrammingError, "daemon.RemoveState", err)
	}
	return nil
}

// Result mirrors standalone.Result: a bitmask of everything that
// happened during one deployment attempt, accumulated across states so
// a resumed run can report accurately even if it crashed partway.
type Result uint32

const (
	ResultDownloaded Result = 1 << iota
	ResultInstalled
	ResultCommitted
	ResultRolledBack
	ResultNoRollback
	ResultRebootRequired
	ResultRollbackFailed
	ResultCleanupFailed
	ResultFailedInPostCommit
	ResultCleaned
	ResultFailed
)

func (r Result) Has(bit Result) bool { return r&bit != 0 }

// ResultAndError accumulates a Result bitmask and the first error
// observed, following the source's FollowedBy chaining: later errors
// are appended to the chain, never silently dropped, but the first one
// remains authoritative for reporting.
type ResultAndError struct {
	Result Result
	Err    error
}

func (re *ResultAndError) Accumulate(next Result, err error) {
	re.Result |= next
	if re.Err == nil {
		re.Err = err
	} else if err != nil {
		re.Err = merror.FollowedBy(re.Err, err)
	}
}
