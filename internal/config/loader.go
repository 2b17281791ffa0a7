package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "KAGAN",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "KAGAN",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (KAGAN_*)
// 3. Config file ({config_dir}/config.yaml)
// 4. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		paths, err := ResolvePaths()
		if err != nil {
			return nil, err
		}
		l.v.SetConfigFile(paths.ConfigFile())
	}

	// Read config file (ignore not found)
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// viper reports a plain PathError for SetConfigFile targets
			if !isNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func isNotExist(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such file")
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	def := Default()

	l.v.SetDefault("log.level", def.Log.Level)
	l.v.SetDefault("log.format", def.Log.Format)

	l.v.SetDefault("general.max_concurrent_agents", def.General.MaxConcurrentAgents)
	l.v.SetDefault("general.max_iterations", def.General.MaxIterations)
	l.v.SetDefault("general.auto_approve", def.General.AutoApprove)
	l.v.SetDefault("general.default_agent_backend", def.General.DefaultAgentBackend)

	l.v.SetDefault("merge.require_review_approval", def.Merge.RequireReviewApproval)
	l.v.SetDefault("merge.serialize_merges", def.Merge.SerializeMerges)

	l.v.SetDefault("wait.default_timeout_seconds", def.Wait.DefaultTimeoutSeconds)
	l.v.SetDefault("wait.max_timeout_seconds", def.Wait.MaxTimeoutSeconds)

	l.v.SetDefault("session.default_terminal_backend", def.Session.DefaultTerminalBackend)

	l.v.SetDefault("ipc.force_tcp", def.IPC.ForceTCP)
	l.v.SetDefault("ipc.max_line_bytes", def.IPC.MaxLineBytes)
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}
