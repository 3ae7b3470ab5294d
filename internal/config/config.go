// Package config loads the orchestrator's workspace configuration: the
// AgentSpec, TeamSpec, and SwarmSpec tables that the routing resolver,
// team chain executor, and swarm engine treat as a read-only provider.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/clawswarm/orchestrator/internal/shared"
)

// Provider identifies which worker CLI an agent is invoked through.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Sandbox names a Worker Invoker execution backend.
type Sandbox string

const (
	SandboxNone   Sandbox = ""
	SandboxDocker Sandbox = "docker"
)

// AgentSpec is a configured worker identity (spec.md §3).
type AgentSpec struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Provider         Provider `yaml:"provider"`
	Model            string   `yaml:"model"`
	WorkingDirectory string   `yaml:"working_directory"`
	Sandbox          Sandbox  `yaml:"sandbox"`
	SandboxImage     string   `yaml:"sandbox_image"`
}

// TeamSpec is a named group of agents with a designated leader.
type TeamSpec struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Agents      []string `yaml:"agents"`
	LeaderAgent string   `yaml:"leader_agent"`
}

// SwarmInputSpec describes how a swarm resolves its input item list.
type SwarmInputSpec struct {
	Command string `yaml:"command"`
	Type    string `yaml:"type"` // "lines" | "json_array"
}

// SwarmShuffleSpec configures the optional shuffle-by-key phase.
type SwarmShuffleSpec struct {
	KeyField         string `yaml:"key_field"`
	MultiKey         string `yaml:"multi_key"` // "duplicate" | "first"
	MaxPartitionSize int    `yaml:"max_partition_size"`
	ReducePrompt     string `yaml:"reduce_prompt"`
	MergePrompt      string `yaml:"merge_prompt"`
}

// SwarmReduceSpec configures the no-shuffle reduce strategy.
type SwarmReduceSpec struct {
	Strategy string `yaml:"strategy"` // "concatenate" | "summarize" | "hierarchical"
	Prompt   string `yaml:"prompt"`
	Agent    string `yaml:"agent"`
}

// SwarmSpec is a declarative map/shuffle/reduce pipeline definition.
type SwarmSpec struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	Agent            string            `yaml:"agent"`
	Concurrency      int               `yaml:"concurrency"`
	BatchSize        int               `yaml:"batch_size"`
	Input            *SwarmInputSpec   `yaml:"input"`
	PromptTemplate   string            `yaml:"prompt_template"`
	Shuffle          *SwarmShuffleSpec `yaml:"shuffle"`
	Reduce           *SwarmReduceSpec  `yaml:"reduce"`
	ProgressInterval int               `yaml:"progress_interval"`
	// Schedule is an additive field (see SPEC_FULL.md Domain Stack): a
	// standard 5-field cron expression. When set, internal/scheduler
	// enqueues a synthetic "@swarm <id>" message on the schedule.
	Schedule string `yaml:"schedule"`
}

// QueueConfig configures the file-queue root and poll interval.
type QueueConfig struct {
	Root              string `yaml:"root"`
	PollIntervalMs    int    `yaml:"poll_interval_ms"`
	QuarantineRetries int    `yaml:"quarantine_retries"`
}

// OTelConfig mirrors internal/otel.Config for embedding in config.yaml.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// HistoryConfig configures the optional sqlite observability store.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// EventStreamConfig configures the websocket event tailer.
type EventStreamConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
}

// TelegramConfig configures the Telegram channel adapter.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// ChannelsConfig groups all channel-adapter configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// Config is the top-level workspace configuration. Agents, Teams, and
// Swarms are reloadable at runtime (see Reload and config.Watcher), so
// all reads and writes of those fields go through mu.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Queue       QueueConfig       `yaml:"queue"`
	OTel        OTelConfig        `yaml:"otel"`
	History     HistoryConfig     `yaml:"history"`
	EventStream EventStreamConfig `yaml:"event_stream"`
	Channels    ChannelsConfig    `yaml:"channels"`

	mu     sync.RWMutex
	Agents []AgentSpec `yaml:"agents"`
	Teams  []TeamSpec  `yaml:"teams"`
	Swarms []SwarmSpec `yaml:"swarms"`

	NeedsGenesis bool `yaml:"-"`
}

// AgentByID returns the agent with the given id, if any.
func (c *Config) AgentByID(id string) (AgentSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentSpec{}, false
}

// TeamByID returns the team with the given id, if any.
func (c *Config) TeamByID(id string) (TeamSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.Teams {
		if t.ID == id {
			return t, true
		}
	}
	return TeamSpec{}, false
}

// SwarmByID returns the swarm with the given id, if any.
func (c *Config) SwarmByID(id string) (SwarmSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.Swarms {
		if s.ID == id {
			return s, true
		}
	}
	return SwarmSpec{}, false
}

// DefaultAgentID resolves the dispatcher's fallback agent: an agent
// named "default" if present, otherwise the first configured agent.
func (c *Config) DefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.Agents {
		if a.ID == shared.DefaultAgentID {
			return a.ID
		}
	}
	if len(c.Agents) > 0 {
		return c.Agents[0].ID
	}
	return ""
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Queue: QueueConfig{
			Root:              "queue",
			PollIntervalMs:    1000,
			QuarantineRetries: 5,
		},
		History: HistoryConfig{
			Path: "history.db",
		},
		EventStream: EventStreamConfig{
			BindAddr: "127.0.0.1:18790",
		},
	}
}

// HomeDir resolves the workspace home directory, honoring the
// CLAWSWARM_HOME environment override.
func HomeDir() string {
	if override := os.Getenv("CLAWSWARM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawswarm")
}

// Load reads config.yaml from the workspace home directory, applies
// environment overrides, normalizes defaults, validates the record
// set against the embedded JSON Schema, and returns the result.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create workspace home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := ValidateDocument(data); err != nil {
			return cfg, fmt.Errorf("config.yaml schema: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validateReferences(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Reload re-reads config.yaml from c.HomeDir, validates it the same way
// Load does, and swaps the reloadable record set (Agents, Teams, Swarms,
// LogLevel, Queue) into the existing Config in place under mu — every
// component holding c already observes the update, since it dereferences
// the same pointer Load's caller kept. This mirrors how the teacher's own
// config watcher applies a hot edit: mutate fields on the one shared
// *Config rather than replace it.
//
// Non-reloadable fields (HomeDir, OTel, History, EventStream, Channels)
// are left untouched; those require a process restart to change.
func (c *Config) Reload() error {
	data, err := os.ReadFile(ConfigPath(c.HomeDir))
	if err != nil {
		return fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := ValidateDocument(data); err != nil {
		return fmt.Errorf("config.yaml schema: %w", err)
	}

	next := defaultConfig()
	next.HomeDir = c.HomeDir
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("parse config.yaml: %w", err)
	}
	applyEnvOverrides(&next)
	normalize(&next)
	if err := validateReferences(&next); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.LogLevel = next.LogLevel
	c.Queue = next.Queue
	c.Agents = next.Agents
	c.Teams = next.Teams
	c.Swarms = next.Swarms
	return nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Queue.Root == "" {
		cfg.Queue.Root = "queue"
	}
	if cfg.Queue.PollIntervalMs <= 0 {
		cfg.Queue.PollIntervalMs = 1000
	}
	if cfg.Queue.QuarantineRetries <= 0 {
		cfg.Queue.QuarantineRetries = 5
	}
	for i := range cfg.Swarms {
		s := &cfg.Swarms[i]
		if s.Concurrency <= 0 {
			s.Concurrency = 5
		}
		if s.BatchSize <= 0 {
			s.BatchSize = 25
		}
		if s.ProgressInterval == 0 {
			s.ProgressInterval = 10
		}
		if s.Shuffle != nil {
			if s.Shuffle.MaxPartitionSize <= 0 {
				s.Shuffle.MaxPartitionSize = 200
			}
			if s.Shuffle.MultiKey == "" {
				s.Shuffle.MultiKey = "duplicate"
			}
		}
		if s.Reduce != nil && s.Reduce.Strategy == "" {
			s.Reduce.Strategy = "concatenate"
		}
	}
}

// validateReferences checks the cross-record invariants from spec.md §3:
// every TeamSpec.LeaderAgent must be a member of TeamSpec.Agents, and
// every agent id referenced by a team or swarm must exist in Agents.
func validateReferences(cfg *Config) error {
	agentIDs := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent entry missing id")
		}
		agentIDs[a.ID] = true
	}

	for _, t := range cfg.Teams {
		if t.ID == "" {
			return fmt.Errorf("team entry missing id")
		}
		if len(t.Agents) == 0 {
			return fmt.Errorf("team %s: agents must be non-empty", t.ID)
		}
		isMember := false
		for _, aid := range t.Agents {
			if !agentIDs[aid] {
				return fmt.Errorf("team %s: references unknown agent %s", t.ID, aid)
			}
			if aid == t.LeaderAgent {
				isMember = true
			}
		}
		if !isMember {
			return fmt.Errorf("team %s: leader_agent %s is not one of agents", t.ID, t.LeaderAgent)
		}
	}

	for _, s := range cfg.Swarms {
		if s.ID == "" {
			return fmt.Errorf("swarm entry missing id")
		}
		if !agentIDs[s.Agent] {
			return fmt.Errorf("swarm %s: references unknown agent %s", s.ID, s.Agent)
		}
		if s.Reduce != nil && s.Reduce.Agent != "" && !agentIDs[s.Reduce.Agent] {
			return fmt.Errorf("swarm %s: reduce.agent references unknown agent %s", s.ID, s.Reduce.Agent)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWSWARM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWSWARM_QUEUE_ROOT"); raw != "" {
		cfg.Queue.Root = raw
	}
	if raw := os.Getenv("CLAWSWARM_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.PollIntervalMs = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

// ResolveWorkingDirectory returns the agent's working directory,
// resolved relative to the workspace home if it is not absolute.
func (c *Config) ResolveWorkingDirectory(a AgentSpec) string {
	if a.WorkingDirectory == "" {
		return filepath.Join(c.HomeDir, "agents", a.ID)
	}
	if filepath.IsAbs(a.WorkingDirectory) {
		return a.WorkingDirectory
	}
	return filepath.Join(c.HomeDir, a.WorkingDirectory)
}

// QueueDir returns the absolute path of the given queue subdirectory
// ("incoming", "processing", "outgoing", "deadletter").
func (c *Config) QueueDir(name string) string {
	root := c.Queue.Root
	if !filepath.IsAbs(root) {
		root = filepath.Join(c.HomeDir, root)
	}
	return filepath.Join(root, name)
}

// PathUnder joins a relative path under the workspace home.
func (c *Config) PathUnder(parts ...string) string {
	all := append([]string{c.HomeDir}, parts...)
	return filepath.Join(all...)
}
