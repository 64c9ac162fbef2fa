// Package config loads Teral's node configuration from YAML files and
// environment variables via viper, the same way the teacher's own
// pkg/config layers defaults, file config, and environment overrides.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ofekshochat/teral/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// TeralConfig is the unified node configuration, mirroring spec §6's
// recognized options exactly: storage, identity, network, contracts_exec.
type TeralConfig struct {
	Storage struct {
		Backend    string `mapstructure:"backend" json:"backend" yaml:"backend"`
		Path       string `mapstructure:"path" json:"path" yaml:"path"`
		LogHistory int    `mapstructure:"log_history" json:"log_history" yaml:"log_history"`
	} `mapstructure:"storage" json:"storage" yaml:"storage"`

	Identity struct {
		Path string `mapstructure:"path" json:"path" yaml:"path"`
	} `mapstructure:"identity" json:"identity" yaml:"identity"`

	Network struct {
		Addr       string   `mapstructure:"addr" json:"addr" yaml:"addr"`
		KnownNodes []string `mapstructure:"known_nodes" json:"known_nodes" yaml:"known_nodes"`
	} `mapstructure:"network" json:"network" yaml:"network"`

	ContractsExec struct {
		Threads int `mapstructure:"threads" json:"threads" yaml:"threads"`
	} `mapstructure:"contracts_exec" json:"contracts_exec" yaml:"contracts_exec"`
}

// DumpYAML renders cfg back out as YAML, the same round-trip shape the
// teacher's `testnet start <config.yaml>` command reads on the way in
// (cmd/cli/devnet.go's `yaml.Unmarshal` into a nodes-config struct) — here
// used the other direction, to let an operator inspect or snapshot the
// effective merged configuration (defaults + file + env) a node resolved.
func DumpYAML(cfg *TeralConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig TeralConfig

// defaults seeds the values spec §6 expects a node to run with out of the
// box: four worker threads, a bbolt file named teral.db in the working
// directory, no known peers.
func defaults() {
	viper.SetDefault("storage.backend", "rocksdb")
	viper.SetDefault("storage.path", "teral.db")
	viper.SetDefault("storage.log_history", 1000)
	viper.SetDefault("contracts_exec.threads", 4)
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded.
func Load(env string) (*TeralConfig, error) {
	defaults()
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the TERAL_ENV environment variable.
func LoadFromEnv() (*TeralConfig, error) {
	return Load(utils.EnvOrDefault("TERAL_ENV", ""))
}
