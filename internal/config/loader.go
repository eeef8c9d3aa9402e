// Package config loads the orchestrator configuration from YAML and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/lucasnoah/orchestra/internal/logging"
)

// EnvPrefix marks environment overrides: ORCHESTRA_WORKFLOW_MAX_CONCURRENT
// sets workflow.max_concurrent.
const EnvPrefix = "ORCHESTRA_"

// DefaultProfile is used when a workflow names no profile.
const DefaultProfile = "default"

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Workflow: WorkflowConfig{
			MaxReviewIterations: 3,
			MaxConcurrent:       5,
			CallTimeout:         10 * time.Minute,
			MaxRetries:          2,
			RetryInitial:        2 * time.Second,
			RetryMax:            30 * time.Second,
		},
		Events: EventsConfig{
			DeliveryTimeout:   5 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			PongGrace:         10 * time.Second,
			SubscriberBuffer:  64,
			Retention:         7 * 24 * time.Hour,
			RetentionSweep:    time.Minute,
		},
		Logging: logging.Config{Level: "info", Format: "json"},
		NATS:    NATSConfig{SubjectPrefix: "orchestra.events"},
		Issues:  IssuesConfig{Source: IssueSourceInline},
		Profiles: map[string]Profile{
			DefaultProfile: {
				Architect:      Agent{Driver: DriverCLI, Cmd: "claude", Args: []string{"-p"}},
				Developer:      Agent{Driver: DriverCLI, Cmd: "claude", Args: []string{"-p", "--dangerously-skip-permissions"}},
				Reviewer:       Agent{Driver: DriverCLI, Cmd: "claude", Args: []string{"-p"}},
				ReviewStrategy: StrategySingle,
			},
		},
	}
}

// SearchPaths lists where Load looks when no path is given.
func SearchPaths() []string {
	paths := []string{"orchestra.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".orchestra", "config.yaml"))
	}
	return paths
}

// Load reads path (or the first existing search path when empty), applies
// environment overrides and fills the gaps with defaults. A missing
// explicit path is an error; a missing default file is not.
//
// Precedence: ORCHESTRA_* environment > YAML file > defaults.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		data = b
	} else {
		for _, p := range SearchPaths() {
			if b, err := os.ReadFile(p); err == nil {
				data = b
				break
			}
		}
	}
	return LoadBytes(data)
}

// LoadBytes is Load over an in-memory YAML document.
func LoadBytes(data []byte) (*Config, error) {
	k := koanf.New(".")
	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// envKey maps ORCHESTRA_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// applyDefaults fills per-profile gaps: a review strategy, one persona for
// single review, and driver timeouts inherited from workflow.call_timeout.
func applyDefaults(cfg *Config) {
	for name, p := range cfg.Profiles {
		if p.ReviewStrategy == "" {
			p.ReviewStrategy = StrategySingle
		}
		if len(p.Personas) == 0 {
			p.Personas = []string{"general"}
		}
		for _, a := range []*Agent{&p.Architect, &p.Developer, &p.Reviewer} {
			if a.Driver == "" {
				a.Driver = DriverCLI
			}
			if a.Timeout == 0 {
				a.Timeout = cfg.Workflow.CallTimeout
			}
		}
		cfg.Profiles[name] = p
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "orchestra.events"
	}
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yamlv3.Marshal(cfg)
}

// WriteDefault writes the default configuration to path, refusing to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	cfg := Default()
	applyDefaults(&cfg)
	data, err := Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("encoding default config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}
