package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string           `yaml:"listen_addr"`
	DataDir    string           `yaml:"data_dir"`
	Redis      RedisConfig      `yaml:"redis"`
	Capability CapabilityConfig `yaml:"capability"`
	LLM        LLMConfig        `yaml:"llm"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Params     ParamsConfig     `yaml:"params"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CapabilityConfig struct {
	BaseURL    string   `yaml:"base_url"`
	APIKey     string   `yaml:"api_key"`
	Timeout    Duration `yaml:"timeout"`
	MaxRetries int      `yaml:"max_retries"`
}

type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// ResolverConfig selects the catalog-selection strategy. Mode "llm" uses the
// completion backend; "keyword" is the offline fallback.
type ResolverConfig struct {
	Mode     string `yaml:"mode"`
	MinScore int    `yaml:"min_score"`
}

type ParamsConfig struct {
	// Script is an optional Lua file defining extract(query).
	Script string `yaml:"script"`
}

type WorkflowConfig struct {
	StepTimeout   Duration `yaml:"step_timeout"`
	SuspendExpiry Duration `yaml:"suspend_expiry"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// Duration decodes yaml strings like "30s" or "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func expandEnvInConfig(cfg *Config) {
	cfg.Capability.BaseURL = expandEnv(cfg.Capability.BaseURL)
	cfg.Capability.APIKey = expandEnv(cfg.Capability.APIKey)
	cfg.LLM.BaseURL = expandEnv(cfg.LLM.BaseURL)
	cfg.LLM.APIKey = expandEnv(cfg.LLM.APIKey)
	cfg.Redis.Addr = expandEnv(cfg.Redis.Addr)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Resolver.Mode == "" {
		cfg.Resolver.Mode = "keyword"
	}
	if cfg.Workflow.StepTimeout <= 0 {
		cfg.Workflow.StepTimeout = Duration(30 * time.Second)
	}
	if cfg.Workflow.SuspendExpiry <= 0 {
		cfg.Workflow.SuspendExpiry = Duration(24 * time.Hour)
	}
	if cfg.Workflow.SweepInterval <= 0 {
		cfg.Workflow.SweepInterval = Duration(time.Minute)
	}
}

func validate(cfg *Config) error {
	if cfg.Capability.BaseURL == "" {
		return fmt.Errorf("capability.base_url is required")
	}
	switch cfg.Resolver.Mode {
	case "keyword":
	case "llm":
		if cfg.LLM.BaseURL == "" {
			return fmt.Errorf("llm.base_url is required when resolver.mode is llm")
		}
	default:
		return fmt.Errorf("resolver.mode must be \"llm\" or \"keyword\", got %q", cfg.Resolver.Mode)
	}
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	expandEnvInConfig(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
