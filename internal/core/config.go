package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const (
	BaseDirName        = ".nightshift"
	ConfigFileName     = "config.hcl"
	PidFileName        = "daemon.pid"
	BackendPidFileName = "opencode.pid"
	DatabaseFileName   = "nightshift.db"
	NodesFileName      = "nodes.json"
)

// Environment variables understood by the daemon. The NIGHTSHIFT_TEST_*
// variables exist so the restart path can be exercised end to end.
const (
	EnvHome              = "NIGHTSHIFT_HOME"
	EnvGeneration        = "NIGHTSHIFT_GENERATION"
	EnvTestForceThaw     = "NIGHTSHIFT_TEST_FORCE_THAW"
	EnvTestExecTarget    = "NIGHTSHIFT_TEST_EXEC_TARGET"
	EnvTestIsRestart     = "NIGHTSHIFT_TEST_IS_RESTART"
	EnvTestSingleRestart = "NIGHTSHIFT_TEST_SINGLE_RESTART"
)

// DefaultConfigPath returns ~/.nightshift unless NIGHTSHIFT_HOME is set.
func DefaultConfigPath() string {
	if home := os.Getenv(EnvHome); home != "" {
		return home
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return BaseDirName
	}
	return filepath.Join(homeDir, BaseDirName)
}

// ConfigFilePath is the HCL file inside the config directory.
func (c *Configuration) ConfigFilePath() string {
	return filepath.Join(c.ConfigPath, ConfigFileName)
}

func (c *Configuration) PIDFilePath() string {
	return filepath.Join(c.ConfigPath, PidFileName)
}

func (c *Configuration) BackendPIDFilePath() string {
	return filepath.Join(c.ConfigPath, BackendPidFileName)
}

func (c *Configuration) DatabasePath() string {
	return filepath.Join(c.ConfigPath, DatabaseFileName)
}

func (c *Configuration) NodesFilePath() string {
	return filepath.Join(c.ConfigPath, NodesFileName)
}

// InitializeConfig loads config.hcl from the --config-path directory into
// the global Config. A missing file yields the defaults.
func InitializeConfig(cmd *cobra.Command) error {
	configPath, err := cmd.Flags().GetString("config-path")
	if err != nil || configPath == "" {
		configPath = DefaultConfigPath()
	}

	cfg, err := LoadConfigDir(configPath)
	if err != nil {
		return err
	}

	// -v on the command line wins over the file
	if verbose, err := cmd.Flags().GetCount("verbose"); err == nil && verbose > 0 {
		cfg.Verbose = verbose
	}

	Config = cfg
	return nil
}

// LoadConfigDir loads <dir>/config.hcl, falling back to defaults when the
// file does not exist.
func LoadConfigDir(dir string) (*Configuration, error) {
	filename := filepath.Join(dir, ConfigFileName)

	var cfg *Configuration
	if ConfigExists(filename) {
		loaded, err := LoadConfig(filename)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", filename, err)
		}
		cfg = loaded
	} else {
		cfg = GetDefaultConfig()
	}

	cfg.ConfigPath = dir
	if cfg.Backend.Dir == "" {
		cfg.Backend.Dir = dir
	}
	return cfg, nil
}
