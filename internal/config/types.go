package config

import "time"

// Config represents the complete fanq configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	State    StateConfig    `yaml:"state"`
	Inputs   InputsConfig   `yaml:"inputs,omitempty"`
	Output   OutputConfig   `yaml:"output"`
	Worker   WorkerConfig   `yaml:"worker"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	API      APIConfig      `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path     string `yaml:"path"`
	LockPath string `yaml:"lock_path"`
}

// InputsConfig defines where input FASTQ files come from when none are
// given on the command line.
type InputsConfig struct {
	// Paths holds literal file paths or glob patterns.
	Paths []string `yaml:"paths,omitempty"`
	// ListFile names a file with one input path per line ('#' comments allowed).
	ListFile string `yaml:"list_file,omitempty"`
}

// OutputConfig defines where per-input result files are written.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// WorkerConfig defines the worker subprocess invocation.
type WorkerConfig struct {
	// Command is the worker argv prefix; the input path is appended as the
	// final argument. Empty means "re-invoke this binary's worker subcommand".
	Command []string      `yaml:"command,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

// DispatchConfig defines fan-out bounds.
type DispatchConfig struct {
	// MaxWorkers bounds concurrently running worker subprocesses.
	// Zero means runtime.NumCPU().
	MaxWorkers int `yaml:"max_workers"`
}

// APIConfig defines the optional HTTP status server.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token. Empty disables auth.
	APIKey string `yaml:"api_key"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "fanq",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path:     "./data/fanq.db",
			LockPath: "./data/fanq.lock",
		},
		Output: OutputConfig{
			Dir: "./output",
		},
		Worker: WorkerConfig{
			Timeout: 10 * time.Minute,
		},
		Dispatch: DispatchConfig{
			MaxWorkers: 0,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
