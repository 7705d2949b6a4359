// Package config loads the enclosing binary's settings: a config file
// discovered by name, overridden by MENDER_-prefixed environment
// variables, overridden again by CLI flags bound in cmd/otaupdate.
// Unknown keys in the config file are ignored, not rejected, so older
// and newer binaries can share a config file during a staged rollout.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the closed set of settings the update engine understands.
// Fields absent from the file or environment fall back to WithDefaults.
type Config struct {
	ServerURL        string        `mapstructure:"server_url"`
	DeviceTypeFile   string        `mapstructure:"device_type_file"`
	DataStore        string        `mapstructure:"data_store"`
	ModulesDir       string        `mapstructure:"modules_dir"`
	ArtScriptsDir    string        `mapstructure:"art_scripts_dir"`
	RootfsScriptsDir string        `mapstructure:"rootfs_scripts_dir"`
	ArtifactVerify   []string      `mapstructure:"artifact_verify_keys"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	RetryPollInterval time.Duration `mapstructure:"retry_poll_interval"`
	InventoryInterval time.Duration `mapstructure:"inventory_poll_interval"`
	StateScriptTimeout time.Duration `mapstructure:"state_script_timeout"`
	StateScriptRetryInterval time.Duration `mapstructure:"state_script_retry_interval"`
	StateScriptRetryTimeout  time.Duration `mapstructure:"state_script_retry_timeout"`
	DownloadSmallestInterval time.Duration `mapstructure:"download_resume_backoff_start"`
	DownloadMaxInterval      time.Duration `mapstructure:"download_resume_backoff_max"`
	DownloadMaxRetries       int           `mapstructure:"download_resume_max_retries"`
	RebootExitCode           bool          `mapstructure:"reboot_exit_code"`
	LogLevel                 string        `mapstructure:"log_level"`
	LogFormat                string        `mapstructure:"log_format"`
}

// WithDefaults returns a copy of cfg with zero-valued fields filled in
// from the engine's defaults.
func (c Config) WithDefaults() Config {
	if c.DeviceTypeFile == "" {
		c.DeviceTypeFile = "/var/lib/mender/device_type"
	}
	if c.DataStore == "" {
		c.DataStore = "/var/lib/mender"
	}
	if c.ModulesDir == "" {
		c.ModulesDir = "/usr/share/mender/modules/v3"
	}
	if c.ArtScriptsDir == "" {
		c.ArtScriptsDir = "/var/lib/mender/scripts"
	}
	if c.RootfsScriptsDir == "" {
		c.RootfsScriptsDir = "/etc/mender/scripts"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Minute
	}
	if c.RetryPollInterval == 0 {
		c.RetryPollInterval = 5 * time.Minute
	}
	if c.InventoryInterval == 0 {
		c.InventoryInterval = 24 * time.Hour
	}
	if c.StateScriptTimeout == 0 {
		c.StateScriptTimeout = time.Hour
	}
	if c.StateScriptRetryInterval == 0 {
		c.StateScriptRetryInterval = time.Minute
	}
	if c.StateScriptRetryTimeout == 0 {
		c.StateScriptRetryTimeout = 30 * time.Minute
	}
	if c.DownloadSmallestInterval == 0 {
		c.DownloadSmallestInterval = time.Minute
	}
	if c.DownloadMaxInterval == 0 {
		c.DownloadMaxInterval = 10 * time.Minute
	}
	if c.DownloadMaxRetries == 0 {
		c.DownloadMaxRetries = 10
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	return c
}

// Validate reports the first structural problem found in cfg.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: server_url is required")
	}
	return nil
}

// Load builds a viper instance searching the given extra paths, on top
// of ".", "./config" and "/etc/mender", then unmarshals it into a
// defaulted, validated Config.
func Load(configFile string, extraPaths ...string) (Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("mender")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/mender")
		for _, p := range extraPaths {
			v.AddConfigPath(p)
		}
	}

	v.SetEnvPrefix("MENDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		_ = v.BindEnv(t.Field(i).Tag.Get("mapstructure"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg = cfg.WithDefaults()
	return cfg, cfg.Validate()
}
