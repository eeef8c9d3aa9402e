package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lucasnoah/orchestra/internal/logging"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks cfg for structural and semantic errors and returns every
// problem found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		add("server.port", "must be between 0 and 65535")
	}

	w := cfg.Workflow
	if w.MaxReviewIterations < 1 {
		add("workflow.max_review_iterations", "must be at least 1")
	}
	if w.MaxConcurrent < 1 {
		add("workflow.max_concurrent", "must be at least 1")
	}
	if w.CallTimeout <= 0 {
		add("workflow.call_timeout", "must be positive")
	}
	if w.MaxRetries < 0 {
		add("workflow.max_retries", "must not be negative")
	}
	if w.RetryInitial <= 0 {
		add("workflow.retry_initial", "must be positive")
	}
	if w.RetryMax < w.RetryInitial {
		add("workflow.retry_max", "must not be less than retry_initial")
	}

	e := cfg.Events
	if e.DeliveryTimeout <= 0 {
		add("events.delivery_timeout", "must be positive")
	}
	if e.HeartbeatInterval <= 0 {
		add("events.heartbeat_interval", "must be positive")
	}
	if e.PongGrace <= 0 {
		add("events.pong_grace", "must be positive")
	}
	if e.SubscriberBuffer < 1 {
		add("events.subscriber_buffer", "must be at least 1")
	}
	if e.Retention < 0 {
		add("events.retention", "must not be negative")
	}
	if e.RetentionCount < 0 {
		add("events.retention_count", "must not be negative")
	}

	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		add("logging.level", "unrecognized level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "", "json", "console":
	default:
		add("logging.format", "must be json or console, got %q", cfg.Logging.Format)
	}

	switch cfg.Issues.Source {
	case IssueSourceInline:
	case IssueSourceFile:
		if cfg.Issues.Dir == "" {
			add("issues.dir", "is required for the file source")
		}
	case IssueSourceGitHub:
		if r := cfg.Issues.GitHub.Repo; r != "" && !strings.Contains(r, "/") {
			add("issues.github.repo", "must be owner/name, got %q", r)
		}
	default:
		add("issues.source", "unrecognized source %q", cfg.Issues.Source)
	}

	if len(cfg.Profiles) == 0 {
		add("profiles", "at least one profile is required")
	}
	names := make([]string, 0, len(cfg.Profiles))
	for name := range cfg.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		validateProfile(name, cfg.Profiles[name], &errs)
	}
	return errs
}

func validateProfile(name string, p Profile, errs *[]ValidationError) {
	prefix := "profiles." + name
	switch p.ReviewStrategy {
	case StrategySingle:
		if len(p.Personas) > 1 {
			*errs = append(*errs, ValidationError{
				Field:   prefix + ".personas",
				Message: "single review takes one persona; use review_strategy: competitive",
			})
		}
	case StrategyCompetitive:
		if len(p.Personas) < 2 {
			*errs = append(*errs, ValidationError{
				Field:   prefix + ".personas",
				Message: "competitive review needs at least two personas",
			})
		}
	default:
		*errs = append(*errs, ValidationError{
			Field:   prefix + ".review_strategy",
			Message: fmt.Sprintf("must be single or competitive, got %q", p.ReviewStrategy),
		})
	}
	if p.MaxReviewIterations < 0 {
		*errs = append(*errs, ValidationError{Field: prefix + ".max_review_iterations", Message: "must not be negative"})
	}
	validateAgent(prefix+".architect", p.Architect, errs)
	validateAgent(prefix+".developer", p.Developer, errs)
	validateAgent(prefix+".reviewer", p.Reviewer, errs)
}

func validateAgent(prefix string, a Agent, errs *[]ValidationError) {
	switch a.Driver {
	case DriverCLI:
		if a.Cmd == "" {
			*errs = append(*errs, ValidationError{Field: prefix + ".cmd", Message: "is required for the cli driver"})
		}
	case DriverAPI:
		if a.BaseURL == "" {
			*errs = append(*errs, ValidationError{Field: prefix + ".base_url", Message: "is required for the api driver"})
		}
		if a.Model == "" {
			*errs = append(*errs, ValidationError{Field: prefix + ".model", Message: "is required for the api driver"})
		}
	default:
		*errs = append(*errs, ValidationError{
			Field:   prefix + ".driver",
			Message: fmt.Sprintf("must be cli or api, got %q", a.Driver),
		})
	}
	if a.Timeout < 0 {
		*errs = append(*errs, ValidationError{Field: prefix + ".timeout", Message: "must not be negative"})
	}
}
