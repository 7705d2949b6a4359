package main

import (
	"path/filepath"

	"github.com/Bidon15/otaupdate/artifact"
	"github.com/Bidon15/otaupdate/devicecontext"
	"github.com/Bidon15/otaupdate/internal/merror"
	"github.com/Bidon15/otaupdate/standalone"
	"github.com/Bidon15/otaupdate/statescript"
	"github.com/Bidon15/otaupdate/store"
)

// openStore opens the bbolt-backed state store at cfg's configured
// path, creating the data directory's db file on first run.
func openStore() (*store.BoltStore, error) {
	path := filepath.Join(cfg.DataStore, "state.db")
	s, err := store.Open(path)
	if err != nil {
		return nil, merror.New(merror.DatabaseValueError, "cmd.openStore", err)
	}
	return s, nil
}

// loadDeviceContext reads the device type file and the store's
// persisted provides map into a devicecontext.Context ready to check
// an incoming artifact's depends.
func loadDeviceContext(s store.Store) (*devicecontext.Context, error) {
	deviceType, err := devicecontext.LoadDeviceType(cfg.DeviceTypeFile)
	if err != nil {
		return nil, err
	}
	var provides map[string]string
	if err := s.ReadTransaction(func(tx store.ReadTx) error {
		p, err := devicecontext.LoadProvides(tx)
		provides = p
		return err
	}); err != nil {
		return nil, err
	}
	return &devicecontext.Context{DeviceType: deviceType, Provides: provides}, nil
}

func artifactConfig() artifact.Config {
	return artifact.Config{
		VerifyKeys:         cfg.ArtifactVerify,
		ArtifactScriptsDir: cfg.ArtScriptsDir,
	}
}

func scriptConfig() statescript.Config {
	return statescript.Config{
		Timeout:       cfg.StateScriptTimeout,
		RetryInterval: cfg.StateScriptRetryInterval,
		RetryTimeout:  cfg.StateScriptRetryTimeout,
	}.WithDefaults()
}

// standaloneOptions assembles the Options a standalone.Machine needs
// from the loaded config, shared by install/commit/rollback/resume.
func standaloneOptions(deviceType string) standalone.Options {
	return standalone.Options{
		DeviceType:  deviceType,
		ModulesDir:  cfg.ModulesDir,
		ScratchRoot: filepath.Join(cfg.DataStore, "modules", "v3", "payloads", "0000", "tree"),
		ScriptsDir:  cfg.ArtScriptsDir,
		ArtifactCfg: artifactConfig(),
		ScriptCfg:   scriptConfig(),
		RebootOptIn: cfg.RebootExitCode,
	}
}
