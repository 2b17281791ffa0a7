package config

// Config holds all core configuration. The running process shares a single
// *Config through a Handle; settings.update swaps the pointer after a
// successful save, so components pick up changes at their next read.
type Config struct {
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	General GeneralConfig `mapstructure:"general" yaml:"general"`
	Merge   MergeConfig   `mapstructure:"merge" yaml:"merge"`
	Wait    WaitConfig    `mapstructure:"wait" yaml:"wait"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	IPC     IPCConfig     `mapstructure:"ipc" yaml:"ipc"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// GeneralConfig configures the automation scheduler and agent defaults.
type GeneralConfig struct {
	MaxConcurrentAgents int    `mapstructure:"max_concurrent_agents" yaml:"max_concurrent_agents"`
	MaxIterations       int    `mapstructure:"max_iterations" yaml:"max_iterations"`
	AutoApprove         bool   `mapstructure:"auto_approve" yaml:"auto_approve"`
	DefaultAgentBackend string `mapstructure:"default_agent_backend" yaml:"default_agent_backend"`
}

// MergeConfig configures the merge service.
type MergeConfig struct {
	RequireReviewApproval bool `mapstructure:"require_review_approval" yaml:"require_review_approval"`
	SerializeMerges       bool `mapstructure:"serialize_merges" yaml:"serialize_merges"`
}

// WaitConfig configures the tasks.wait long-poll.
type WaitConfig struct {
	DefaultTimeoutSeconds float64 `mapstructure:"default_timeout_seconds" yaml:"default_timeout_seconds"`
	MaxTimeoutSeconds     float64 `mapstructure:"max_timeout_seconds" yaml:"max_timeout_seconds"`
}

// SessionConfig configures PAIR session launchers.
type SessionConfig struct {
	DefaultTerminalBackend string `mapstructure:"default_terminal_backend" yaml:"default_terminal_backend"`
}

// IPCConfig configures the IPC server.
type IPCConfig struct {
	// ForceTCP binds loopback TCP with a handshake token even on POSIX.
	ForceTCP bool `mapstructure:"force_tcp" yaml:"force_tcp"`
	// MaxLineBytes is the per-message framing budget. Must be at least 1 MiB.
	MaxLineBytes int `mapstructure:"max_line_bytes" yaml:"max_line_bytes"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "auto"},
		General: GeneralConfig{
			MaxConcurrentAgents: 3,
			MaxIterations:       10,
			AutoApprove:         false,
			DefaultAgentBackend: "claude",
		},
		Merge: MergeConfig{
			RequireReviewApproval: true,
			SerializeMerges:       true,
		},
		Wait: WaitConfig{
			DefaultTimeoutSeconds: 30,
			MaxTimeoutSeconds:     300,
		},
		Session: SessionConfig{DefaultTerminalBackend: "tmux"},
		IPC:     IPCConfig{MaxLineBytes: 4 << 20},
	}
}
