// Package config loads the daemon's YAML configuration: a user
// tier at ~/.gobby/config.yaml with an optional project override at
// .gobby/config.yaml, merged child(project)-wins over parent(user),
// the same merge discipline the workflow loader uses for `extends:`
// chains (internal/workflow/loader). Env-var interpolation of the form
// ${VAR:-default} runs as a regexp pre-pass over the raw file bytes
// before YAML parsing, rather than through a general
// templating engine.
package config

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/gobby-dev/gobby/internal/gobbyerr"
	"gopkg.in/yaml.v3"
)

// envPattern matches ${VAR} and ${VAR:-default}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// interpolateEnv substitutes ${VAR:-default} spans in raw config bytes
// with the named environment variable, or its default when unset/empty.
func interpolateEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		name := string(groups[1])
		def := string(groups[3])
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return []byte(v)
		}
		return []byte(def)
	})
}

// MCPServerConfig describes one upstream MCP server entry under
// mcp_servers: either a stdio command or a streamable
// HTTP endpoint.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" | "http"
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
}

// LLMProviderConfig describes one entry under llm_providers.
// The provider abstraction itself is out of scope; this is
// just enough shape to select and construct one at daemon start.
type LLMProviderConfig struct {
	Name   string `yaml:"name"`
	Model  string `yaml:"model"`
	APIKey string `yaml:"api_key"`
}

// TelemetrySection, MemorySection, SkillsSection, AutonomousLoopSection,
// TaskValidationSection, MergeSection, GitHubSection, LinearSection are
// recognized top-level sections whose subsystems are out of
// scope for the core but whose config shape the daemon still
// parses and passes through, so in-scope components (e.g. the
// autonomous loop controller) can read the settings that matter to them
// without the config loader needing to know which subsystem consumes
// which key.
type TelemetrySection struct {
	Enabled bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

type MemorySection struct {
	Enabled        bool   `yaml:"enabled"`
	DetailLevel    string `yaml:"detail_level"`
	RetentionDays  int    `yaml:"retention_days"`
}

type SkillsSection struct {
	Enabled    bool   `yaml:"enabled"`
	ExportPath string `yaml:"export_path"`
}

type AutonomousLoopSection struct {
	Enabled                     bool `yaml:"enabled"`
	MaxPhaseDurationMinutes     int  `yaml:"max_phase_duration_minutes"`
	SameTaskThreshold           int  `yaml:"same_task_threshold"`
	ValidationFailureThreshold int  `yaml:"validation_failure_threshold"`
	StagnationWindowMinutes     int  `yaml:"stagnation_window_minutes"`
	// ExportDebounceSeconds coalesces JSONL ledger writes; 0 means the
	// built-in default of 5 seconds.
	ExportDebounceSeconds int `yaml:"export_debounce_seconds"`
}

type TaskValidationSection struct {
	SkipValidationAllowed bool `yaml:"skip_validation_allowed"`
}

type MergeSection struct {
	Strategy string `yaml:"strategy"`
}

type GitHubSection struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type LinearSection struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// Config is the fully merged, ready-to-use daemon configuration.
type Config struct {
	Telemetry       TelemetrySection        `yaml:"telemetry"`
	Memory          MemorySection           `yaml:"memory"`
	Skills          SkillsSection           `yaml:"skills"`
	AutonomousLoop  AutonomousLoopSection   `yaml:"autonomous_loop"`
	TaskValidation  TaskValidationSection   `yaml:"task_validation"`
	Merge           MergeSection            `yaml:"merge"`
	GitHub          GitHubSection           `yaml:"github"`
	Linear          LinearSection           `yaml:"linear"`
	MCPServers      []MCPServerConfig       `yaml:"mcp_servers"`
	LLMProviders    []LLMProviderConfig     `yaml:"llm_providers"`
	HubDatabasePath string                  `yaml:"hub_database_path"`

	// sourcePaths records which files contributed to the merge, for
	// diagnostics and the 0600-permission audit.
	sourcePaths []string
}

// UserConfigPath returns ~/.gobby/config.yaml.
func UserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", gobbyerr.Wrap(gobbyerr.StorageError, "resolve home directory", err)
	}
	return filepath.Join(home, ".gobby", "config.yaml"), nil
}

// ProjectConfigPath returns <projectDir>/.gobby/config.yaml.
func ProjectConfigPath(projectDir string) string {
	return filepath.Join(projectDir, ".gobby", "config.yaml")
}

// DefaultHubDatabasePath returns ~/.gobby/gobby-hub.db.
func DefaultHubDatabasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", gobbyerr.Wrap(gobbyerr.StorageError, "resolve home directory", err)
	}
	return filepath.Join(home, ".gobby", "gobby-hub.db"), nil
}

// Load reads the user tier and, if projectDir is non-empty, the project
// tier, merging project-wins over user. A missing file at either tier is not an error —
// Gobby runs with built-in zero values until a config file is created.
func Load(projectDir string) (*Config, error) {
	cfg := &Config{}

	userPath, err := UserConfigPath()
	if err != nil {
		return nil, err
	}
	if err := mergeFile(cfg, userPath); err != nil {
		return nil, err
	}

	if projectDir != "" {
		if err := mergeFile(cfg, ProjectConfigPath(projectDir)); err != nil {
			return nil, err
		}
	}

	if cfg.HubDatabasePath == "" {
		hub, err := DefaultHubDatabasePath()
		if err != nil {
			return nil, err
		}
		cfg.HubDatabasePath = hub
	}

	return cfg, nil
}

// mergeFile reads path (if it exists), interpolates env vars, and
// merges it project-wins over the accumulated cfg. A present file whose
// permissions are wider than 0600 is not rejected — this is a
// startup-audit warning, surfaced via AuditPermissions rather
// than a load-time failure, since a locked-down daemon host may
// legitimately run with a different umask.
func mergeFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return gobbyerr.Wrap(gobbyerr.StorageError, "read config file "+path, err)
	}

	var layer Config
	if err := yaml.Unmarshal(interpolateEnv(raw), &layer); err != nil {
		return gobbyerr.Wrap(gobbyerr.InvalidInput, "parse config file "+path, err)
	}

	mergeInto(cfg, &layer)
	cfg.sourcePaths = append(cfg.sourcePaths, path)
	return nil
}

// mergeInto overlays layer onto base. A non-zero section in layer
// replaces the whole section in base (config sections are small enough
// that a project override is expected to restate the whole section it
// touches, rather than field-merge within nested structs); llm_providers
// is replaced wholesale, and mcp_servers is merged by name.
func mergeInto(base, layer *Config) {
	if layer.Telemetry != (TelemetrySection{}) {
		base.Telemetry = layer.Telemetry
	}
	if layer.Memory != (MemorySection{}) {
		base.Memory = layer.Memory
	}
	if layer.Skills != (SkillsSection{}) {
		base.Skills = layer.Skills
	}
	if layer.AutonomousLoop != (AutonomousLoopSection{}) {
		base.AutonomousLoop = layer.AutonomousLoop
	}
	if layer.TaskValidation != (TaskValidationSection{}) {
		base.TaskValidation = layer.TaskValidation
	}
	if layer.Merge != (MergeSection{}) {
		base.Merge = layer.Merge
	}
	if layer.GitHub != (GitHubSection{}) {
		base.GitHub = layer.GitHub
	}
	if layer.Linear != (LinearSection{}) {
		base.Linear = layer.Linear
	}
	if len(layer.MCPServers) > 0 {
		base.MCPServers = mergeMCPServers(base.MCPServers, layer.MCPServers)
	}
	if len(layer.LLMProviders) > 0 {
		base.LLMProviders = layer.LLMProviders
	}
	if layer.HubDatabasePath != "" {
		base.HubDatabasePath = layer.HubDatabasePath
	}
}

// mergeMCPServers merges by Name, the same name-keyed merge strategy the
// workflow loader uses for rule_definitions/phases (internal/workflow/loader).
func mergeMCPServers(base, layer []MCPServerConfig) []MCPServerConfig {
	byName := make(map[string]MCPServerConfig, len(base)+len(layer))
	order := make([]string, 0, len(base)+len(layer))
	for _, s := range base {
		byName[s.Name] = s
		order = append(order, s.Name)
	}
	for _, s := range layer {
		if _, exists := byName[s.Name]; !exists {
			order = append(order, s.Name)
		}
		byName[s.Name] = s
	}
	out := make([]MCPServerConfig, 0, len(order))
	for _, n := range order {
		out = append(out, byName[n])
	}
	return out
}

// secretFields lists the secret-bearing config paths. AuditPermissions
// does not consult it: it checks the mode of every source file,
// whichever fields that file sets.
var secretFields = []string{"github.token", "linear.api_key", "llm_providers[].api_key"}

// AuditPermissions reports every source file this Config was loaded from
// that is readable beyond owner-only (mode 0600), for the startup
// warning. It does not fail the load.
func AuditPermissions(cfg *Config) []string {
	var warnings []string
	for _, path := range cfg.sourcePaths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.Mode().Perm()&0o077 != 0 {
			warnings = append(warnings, path)
		}
	}
	return warnings
}
