package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models forgeline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	AI struct {
		// BaseURLs are tried in order until one answers with something other
		// than 404/405; the upstream provider has moved endpoints before.
		BaseURLs       []string `yaml:"base_urls"`
		APIKeyEnv      string   `yaml:"api_key_env"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
		Models         struct {
			Requirements   string `yaml:"requirements"`
			Planning       string `yaml:"planning"`
			Stories        string `yaml:"stories"`
			Codegen        string `yaml:"codegen"`
			CodegenComplex string `yaml:"codegen_complex"`
		} `yaml:"models"`
		// ComplexityThreshold is the context size in characters above which
		// codegen switches to the complex model.
		ComplexityThreshold int `yaml:"complexity_threshold"`
	} `yaml:"ai"`
	Context struct {
		// MaxChars is the soft budget for assembled context; beyond it the
		// aggregator truncates with an explicit marker.
		MaxChars int `yaml:"max_chars"`
	} `yaml:"context"`
	Instructions struct {
		// Dir optionally overrides the embedded instruction templates with
		// <stage>.md files from a workspace directory.
		Dir string `yaml:"dir"`
	} `yaml:"instructions"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes an endpoint notified of pipeline events.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "software-project" {
		return fmt.Errorf("config.project.kind must be 'software-project'")
	}
	if len(c.AI.BaseURLs) == 0 {
		return fmt.Errorf("config.ai.base_urls must list at least one endpoint")
	}
	if c.AI.Models.Requirements == "" || c.AI.Models.Planning == "" ||
		c.AI.Models.Stories == "" || c.AI.Models.Codegen == "" {
		return fmt.Errorf("config.ai.models must name a model for every stage")
	}
	if c.AI.TimeoutSeconds < 0 {
		return fmt.Errorf("config.ai.timeout_seconds must not be negative")
	}
	if c.Context.MaxChars < 0 {
		return fmt.Errorf("config.context.max_chars must not be negative")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "forgeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "software-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: software-project

ai:
  base_urls:
    - https://nano-gpt.com/api/v1
    - https://api.nanogpt.com/v1
  api_key_env: FORGELINE_AI_KEY
  timeout_seconds: 300
  models:
    requirements: moonshotai/Kimi-K2-Instruct-0905
    planning: moonshotai/Kimi-K2-Instruct-0905
    stories: moonshotai/Kimi-K2-Instruct-0905
    codegen: qwen/Qwen2.5-Coder-32B-Instruct
    codegen_complex: moonshotai/Kimi-K2-Instruct-0905
  complexity_threshold: 20000

context:
  max_chars: 48000
`
