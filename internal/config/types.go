package config

import (
	"net"
	"strconv"
	"time"

	"github.com/lucasnoah/orchestra/internal/logging"
)

// Config is the full orchestrator configuration.
type Config struct {
	Server     ServerConfig       `koanf:"server" yaml:"server"`
	Database   DatabaseConfig     `koanf:"database" yaml:"database"`
	Workflow   WorkflowConfig     `koanf:"workflow" yaml:"workflow"`
	Events     EventsConfig       `koanf:"events" yaml:"events"`
	Checkpoint CheckpointConfig   `koanf:"checkpoint" yaml:"checkpoint"`
	Logging    logging.Config     `koanf:"logging" yaml:"logging"`
	NATS       NATSConfig         `koanf:"nats" yaml:"nats"`
	Issues     IssuesConfig       `koanf:"issues" yaml:"issues"`
	Profiles   map[string]Profile `koanf:"profiles" yaml:"profiles"`
}

type ServerConfig struct {
	Host            string        `koanf:"host" yaml:"host"`
	Port            int           `koanf:"port" yaml:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the store. A postgres:// DSN uses PostgreSQL, any
// other value is a SQLite file path, and empty means ~/.orchestra/orchestra.db.
type DatabaseConfig struct {
	DSN string `koanf:"dsn" yaml:"dsn"`
}

type WorkflowConfig struct {
	MaxReviewIterations int           `koanf:"max_review_iterations" yaml:"max_review_iterations"`
	MaxConcurrent       int           `koanf:"max_concurrent" yaml:"max_concurrent"`
	CallTimeout         time.Duration `koanf:"call_timeout" yaml:"call_timeout"`
	MaxRetries          int           `koanf:"max_retries" yaml:"max_retries"`
	RetryInitial        time.Duration `koanf:"retry_initial" yaml:"retry_initial"`
	RetryMax            time.Duration `koanf:"retry_max" yaml:"retry_max"`
}

type EventsConfig struct {
	DeliveryTimeout   time.Duration `koanf:"delivery_timeout" yaml:"delivery_timeout"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" yaml:"heartbeat_interval"`
	PongGrace         time.Duration `koanf:"pong_grace" yaml:"pong_grace"`
	SubscriberBuffer  int           `koanf:"subscriber_buffer" yaml:"subscriber_buffer"`
	Retention         time.Duration `koanf:"retention" yaml:"retention"`
	RetentionCount    int           `koanf:"retention_count" yaml:"retention_count"`
	RetentionSweep    time.Duration `koanf:"retention_sweep" yaml:"retention_sweep"`
}

// CheckpointConfig controls how long terminal checkpoints survive. Zero
// deletes them on the next sweep; negative keeps them forever.
type CheckpointConfig struct {
	Retention time.Duration `koanf:"retention" yaml:"retention"`
}

// NATSConfig enables the event mirror when URL is set.
type NATSConfig struct {
	URL           string `koanf:"url" yaml:"url"`
	SubjectPrefix string `koanf:"subject_prefix" yaml:"subject_prefix"`
}

// IssuesConfig selects where issue text comes from: "inline", "file" or
// "github".
type IssuesConfig struct {
	Source string       `koanf:"source" yaml:"source"`
	Dir    string       `koanf:"dir" yaml:"dir"`
	GitHub GitHubConfig `koanf:"github" yaml:"github"`
}

type GitHubConfig struct {
	Repo     string `koanf:"repo" yaml:"repo"` // owner/name used for bare issue numbers
	TokenEnv string `koanf:"token_env" yaml:"token_env"`
	BaseURL  string `koanf:"base_url" yaml:"base_url"`
}

// Profile wires collaborators for one kind of workflow.
type Profile struct {
	Architect           Agent    `koanf:"architect" yaml:"architect"`
	Developer           Agent    `koanf:"developer" yaml:"developer"`
	Reviewer            Agent    `koanf:"reviewer" yaml:"reviewer"`
	ReviewStrategy      string   `koanf:"review_strategy" yaml:"review_strategy"`
	Personas            []string `koanf:"personas" yaml:"personas"`
	MaxReviewIterations int      `koanf:"max_review_iterations" yaml:"max_review_iterations"`
	PromptDir           string   `koanf:"prompt_dir" yaml:"prompt_dir"`
}

// Agent configures one collaborator driver.
type Agent struct {
	Driver    string        `koanf:"driver" yaml:"driver"` // "cli" or "api"
	Cmd       string        `koanf:"cmd" yaml:"cmd,omitempty"`
	Args      []string      `koanf:"args" yaml:"args,omitempty"`
	Model     string        `koanf:"model" yaml:"model,omitempty"`
	BaseURL   string        `koanf:"base_url" yaml:"base_url,omitempty"`
	APIKeyEnv string        `koanf:"api_key_env" yaml:"api_key_env,omitempty"`
	Timeout   time.Duration `koanf:"timeout" yaml:"timeout,omitempty"`
}

const (
	DriverCLI = "cli"
	DriverAPI = "api"

	StrategySingle      = "single"
	StrategyCompetitive = "competitive"

	IssueSourceInline = "inline"
	IssueSourceFile   = "file"
	IssueSourceGitHub = "github"
)

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ReviewIterations returns the profile's cap, falling back to the global one.
func (c *Config) ReviewIterations(profile string) int {
	if p, ok := c.Profiles[profile]; ok && p.MaxReviewIterations > 0 {
		return p.MaxReviewIterations
	}
	return c.Workflow.MaxReviewIterations
}
