package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"shepherd/internal/domain"
)

// Config models shepherd.yml.
type Config struct {
	Approval struct {
		Required       []string `yaml:"required"`
		DefaultCluster string   `yaml:"default_cluster"`
	} `yaml:"approval"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	DeletePolicy struct {
		StrictEnvironments  []string `yaml:"strict_environments"`
		StrictSensitivities []string `yaml:"strict_sensitivities"`
	} `yaml:"delete_policy"`
	Worker    WorkerConfig `yaml:"worker"`
	Retention struct {
		ArchiveAfterDays int `yaml:"archive_after_days"`
	} `yaml:"retention"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// WorkerConfig sizes the dispatcher. Domains maps an execution domain
// (cluster) to its worker count on a single replica.
type WorkerConfig struct {
	Replicas          int            `yaml:"replicas"`
	SafeCeiling       int            `yaml:"safe_ceiling"`
	Domains           map[string]int `yaml:"domains"`
	MaxAttempts       int            `yaml:"max_attempts"`
	TimeoutSeconds    int            `yaml:"timeout_seconds"`
	PollIntervalMS    int            `yaml:"poll_interval_ms"`
	StaleAfterSeconds int            `yaml:"stale_after_seconds"`
	RateLimit         float64        `yaml:"rate_limit"`
	RateBurst         int            `yaml:"rate_burst"`
	Backoff           struct {
		Strategy  string `yaml:"strategy"`
		InitialMS int    `yaml:"initial_ms"`
		MaxMS     int    `yaml:"max_ms"`
	} `yaml:"backoff"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// TotalWorkers is the per-replica sum of domain workers.
func (w WorkerConfig) TotalWorkers() int {
	total := 0
	for _, n := range w.Domains {
		total += n
	}
	return total
}

// LocalCeiling is this replica's share of the safe ceiling.
func (w WorkerConfig) LocalCeiling() int {
	replicas := w.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	n := w.SafeCeiling / replicas
	if n <= 0 {
		n = 1
	}
	return n
}

func (w WorkerConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

// StaleMargin is the minimum gap between the provider timeout and the stale
// lock window. A lock younger than timeout plus margin may still belong to a
// live provider call.
const StaleMargin = 30 * time.Second

func (w WorkerConfig) StaleAfter() time.Duration {
	return time.Duration(w.StaleAfterSeconds) * time.Second
}

// RequiresApproval reports whether op must wait for a human decision.
func (c *Config) RequiresApproval(op domain.Operation) bool {
	for _, r := range c.Approval.Required {
		if r == string(op) {
			return true
		}
	}
	return false
}

// StrictDelete reports whether deleting a resource needs the typed name.
func (c *Config) StrictDelete(environment, sensitivity string) bool {
	for _, env := range c.DeletePolicy.StrictEnvironments {
		if env == environment {
			return true
		}
	}
	for _, s := range c.DeletePolicy.StrictSensitivities {
		if s == sensitivity {
			return true
		}
	}
	return false
}

// HasDomain reports whether cluster has a configured worker pool.
func (c *Config) HasDomain(cluster string) bool {
	_, ok := c.Worker.Domains[cluster]
	return ok
}

// RetentionWindow is how long a terminal event stays unarchived.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Retention.ArchiveAfterDays) * 24 * time.Hour
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with shepherd config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for _, op := range c.Approval.Required {
		if !domain.Operation(op).Executable() {
			return fmt.Errorf("config.approval.required has unknown operation %s", op)
		}
	}
	if len(c.RBAC.Roles) == 0 {
		return fmt.Errorf("config.rbac.roles is required")
	}
	if _, ok := c.RBAC.Roles["admin"]; !ok {
		return fmt.Errorf("config.rbac.roles must include admin")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	w := c.Worker
	if len(w.Domains) == 0 {
		return fmt.Errorf("config.worker.domains is required")
	}
	for name, n := range w.Domains {
		if name == "" {
			return fmt.Errorf("config.worker.domains contains empty domain name")
		}
		if n <= 0 {
			return fmt.Errorf("domain %s must have at least one worker", name)
		}
	}
	if c.Approval.DefaultCluster == "" {
		return fmt.Errorf("config.approval.default_cluster is required")
	}
	if !c.HasDomain(c.Approval.DefaultCluster) {
		return fmt.Errorf("default cluster %s has no worker domain", c.Approval.DefaultCluster)
	}
	if w.Replicas <= 0 {
		return fmt.Errorf("config.worker.replicas must be positive")
	}
	if w.SafeCeiling <= 0 {
		return fmt.Errorf("config.worker.safe_ceiling must be positive")
	}
	if total := w.Replicas * w.TotalWorkers(); total > w.SafeCeiling {
		return fmt.Errorf("worker concurrency %d (replicas %d x workers %d) exceeds safe ceiling %d",
			total, w.Replicas, w.TotalWorkers(), w.SafeCeiling)
	}
	if w.MaxAttempts <= 0 {
		return fmt.Errorf("config.worker.max_attempts must be positive")
	}
	if w.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.worker.timeout_seconds must be positive")
	}
	if w.StaleAfter() < w.Timeout()+StaleMargin {
		return fmt.Errorf("config.worker.stale_after_seconds (%d) must exceed timeout_seconds (%d) by at least %s",
			w.StaleAfterSeconds, w.TimeoutSeconds, StaleMargin)
	}
	if w.RateLimit < 0 {
		return fmt.Errorf("config.worker.rate_limit must not be negative")
	}
	switch w.Backoff.Strategy {
	case "", "constant", "exponential", "exponential_jitter":
	default:
		return fmt.Errorf("unknown backoff strategy %s", w.Backoff.Strategy)
	}
	if c.Retention.ArchiveAfterDays < 0 {
		return fmt.Errorf("config.retention.archive_after_days must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "shepherd.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections left
// out of the file fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults(Default())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults(d *Config) {
	if c.Approval.Required == nil {
		c.Approval.Required = d.Approval.Required
	}
	if c.Approval.DefaultCluster == "" {
		c.Approval.DefaultCluster = d.Approval.DefaultCluster
	}
	if c.RBAC.Roles == nil {
		c.RBAC.Roles = d.RBAC.Roles
	}
	if c.DeletePolicy.StrictEnvironments == nil {
		c.DeletePolicy.StrictEnvironments = d.DeletePolicy.StrictEnvironments
	}
	if c.DeletePolicy.StrictSensitivities == nil {
		c.DeletePolicy.StrictSensitivities = d.DeletePolicy.StrictSensitivities
	}
	w, dw := &c.Worker, d.Worker
	if w.Domains == nil {
		w.Domains = dw.Domains
	}
	if w.Replicas == 0 {
		w.Replicas = dw.Replicas
	}
	if w.SafeCeiling == 0 {
		w.SafeCeiling = dw.SafeCeiling
	}
	if w.MaxAttempts == 0 {
		w.MaxAttempts = dw.MaxAttempts
	}
	if w.TimeoutSeconds == 0 {
		w.TimeoutSeconds = dw.TimeoutSeconds
	}
	if w.PollIntervalMS == 0 {
		w.PollIntervalMS = dw.PollIntervalMS
	}
	if w.StaleAfterSeconds == 0 {
		w.StaleAfterSeconds = dw.StaleAfterSeconds
	}
	if w.RateBurst == 0 {
		w.RateBurst = dw.RateBurst
	}
	if w.Backoff.Strategy == "" {
		w.Backoff = dw.Backoff
	}
	if c.Retention.ArchiveAfterDays == 0 {
		c.Retention.ArchiveAfterDays = d.Retention.ArchiveAfterDays
	}
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `approval:
  required: [VM_CREATE, VM_DELETE, RESOURCE_DELETE]
  default_cluster: cluster-a

rbac:
  roles:
    admin:
      description: "Platform administrator"
      permissions: ["*"]
    approver:
      description: "Decides pending requests"
      permissions: [ticket:approve, ticket:read, event:read, vm:read, resource:read]
    owner:
      description: "Owns a system and everything below it"
      permissions: [vm:*, resource:*, ticket:read, event:read, rbac:manage]
    developer:
      description: "Requests and operates VMs"
      permissions: [vm:create, vm:read, vm:operate, vm:delete, resource:read, ticket:read, event:read]
    viewer:
      description: "Read-only access"
      permissions: [vm:read, resource:read, ticket:read, event:read]

delete_policy:
  strict_environments: [prod]
  strict_sensitivities: [high]

worker:
  replicas: 1
  safe_ceiling: 16
  max_attempts: 5
  timeout_seconds: 60
  poll_interval_ms: 500
  stale_after_seconds: 300
  rate_limit: 0
  rate_burst: 1
  backoff:
    strategy: exponential_jitter
    initial_ms: 1000
    max_ms: 60000
  domains:
    cluster-a: 4
    cluster-b: 4

retention:
  archive_after_days: 90
`
