// Package config implements the configuration surface (spec.md §6) and
// the ambient loading/logging conventions the rest of the module shares.
package config

import (
	"fmt"
	"time"
)

// FeatureFlags are the enumerated feature gates.
type FeatureFlags struct {
	RetrievalEnabled              bool `yaml:"retrieval_enabled"`
	ToolsEnabled                  bool `yaml:"tools_enabled"`
	ChatHistoryEnabled            bool `yaml:"chat_history_enabled"`
	FileContentExtractionEnabled  bool `yaml:"file_content_extraction_enabled"`
}

// Timeouts are the overridable per-operation deadlines.
type Timeouts struct {
	MCPCallTimeout      time.Duration `yaml:"mcp_call_timeout"`
	MCPDiscoveryTimeout time.Duration `yaml:"mcp_discovery_timeout"`
	RetrievalTimeout    time.Duration `yaml:"retrieval_timeout"`
	SessionIdleTimeout  time.Duration `yaml:"session_idle_timeout"`
}

func (t *Timeouts) SetDefaults() {
	if t.MCPCallTimeout == 0 {
		t.MCPCallTimeout = 120 * time.Second
	}
	if t.MCPDiscoveryTimeout == 0 {
		t.MCPDiscoveryTimeout = 30 * time.Second
	}
	if t.RetrievalTimeout == 0 {
		t.RetrievalTimeout = 30 * time.Second
	}
	if t.SessionIdleTimeout == 0 {
		t.SessionIdleTimeout = 30 * time.Minute
	}
}

// ToolPolicyConfig carries the executor-level flags a declared MCP tool
// schema does not itself communicate.
type ToolPolicyConfig struct {
	Server           string `yaml:"server"`
	Name             string `yaml:"name"`
	RequiresApproval bool   `yaml:"requires_approval"`
	EditAllowed      bool   `yaml:"edit_allowed"`
	AdminRequired    bool   `yaml:"admin_required"`
}

// AgentConfig configures the agentic loop.
type AgentConfig struct {
	Strategy        string `yaml:"agent_loop_strategy"`
	MaxSteps        int    `yaml:"max_steps"`
	CompletionCheck bool   `yaml:"completion_check"`
}

func (a *AgentConfig) SetDefaults() {
	if a.Strategy == "" {
		a.Strategy = "agentic"
	}
	if a.MaxSteps == 0 {
		a.MaxSteps = 10
	}
}

func (a *AgentConfig) Validate() error {
	if a.Strategy != "agentic" {
		return fmt.Errorf("invalid agent_loop_strategy %q (only \"agentic\" is supported)", a.Strategy)
	}
	return nil
}

// SaveConfig configures the default per-user save-mode.
type SaveConfig struct {
	DefaultMode string `yaml:"default_mode"`
}

func (s *SaveConfig) SetDefaults() {
	if s.DefaultMode == "" {
		s.DefaultMode = "server"
	}
}

// ContentPolicyConfig configures the security gate.
type ContentPolicyConfig struct {
	InputCheckEnabled  bool     `yaml:"input_check_enabled"`
	OutputCheckEnabled bool     `yaml:"output_check_enabled"`
	BlockedKeywords    []string `yaml:"blocked_keywords"`
	WarnKeywords       []string `yaml:"warn_keywords"`
}

// LoggerConfig configures structured logging.
//
// Values come from the config file's logger section (with the usual
// ${VAR} expansion); empty fields take the defaults (info level, simple
// format, stderr). No CLI flag or dedicated environment variable
// overrides them.
type LoggerConfig struct {
	Level  string `yaml:"level,omitempty"`
	File   string `yaml:"file,omitempty"`
	Format string `yaml:"format,omitempty"`
}

func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *LoggerConfig) Validate() error {
	valid := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if c.Level != "" && !valid[c.Level] {
		return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", c.Level)
	}
	return nil
}

// MCPServerConfig describes one MCP server registration.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
}

// RetrievalSourceConfig describes one retrieval source registration.
type RetrievalSourceConfig struct {
	ID        string `yaml:"id"`
	Transport string `yaml:"transport"` // "http" | "mcp"
	URL       string `yaml:"url,omitempty"`
	MCPServer string `yaml:"mcp_server,omitempty"`
	MCPTool   string `yaml:"mcp_tool,omitempty"`
}

// DiscoveryProviderConfig describes one registered retrieval-source
// discovery backend.
type DiscoveryProviderConfig struct {
	Type   string `yaml:"type"` // "consul" | "etcd" | "zookeeper"
	Prefix string `yaml:"prefix"`
	Addrs  []string `yaml:"addrs"`
}

// PersistenceConfig selects and configures the server-save-mode backend.
type PersistenceConfig struct {
	Driver string `yaml:"driver"` // "sqlite" | "postgres"
	DSN    string `yaml:"dsn"`
}

// Config is the root configuration tree.
type Config struct {
	FeatureFlags  FeatureFlags              `yaml:"feature_flags"`
	Timeouts      Timeouts                  `yaml:"timeouts"`
	Agent         AgentConfig               `yaml:"agent"`
	Save          SaveConfig                `yaml:"save"`
	ContentPolicy ContentPolicyConfig       `yaml:"content_policy"`
	Logger        LoggerConfig              `yaml:"logger"`
	MCPServers    []MCPServerConfig         `yaml:"mcp_servers"`
	ToolPolicies  []ToolPolicyConfig        `yaml:"tool_policies"`
	Retrieval     []RetrievalSourceConfig   `yaml:"retrieval_sources"`
	Discovery     []DiscoveryProviderConfig `yaml:"discovery_providers"`
	Persistence   PersistenceConfig         `yaml:"persistence"`
}

// SetDefaults applies default values throughout the tree.
func (c *Config) SetDefaults() {
	c.Timeouts.SetDefaults()
	c.Agent.SetDefaults()
	c.Save.SetDefaults()
	c.Logger.SetDefaults()
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if err := c.Agent.Validate(); err != nil {
		return err
	}
	if err := c.Logger.Validate(); err != nil {
		return err
	}
	switch c.Save.DefaultMode {
	case "none", "local", "server":
	default:
		return fmt.Errorf("invalid save.default_mode %q (valid: none, local, server)", c.Save.DefaultMode)
	}
	for _, s := range c.MCPServers {
		if s.Name == "" {
			return fmt.Errorf("mcp server config missing name")
		}
	}
	return nil
}
