package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the workspace config file.
const FileName = "cyclegate.yml"

// Config models cyclegate.yml.
type Config struct {
	Service struct {
		ID       string `yaml:"id"`
		BasePath string `yaml:"base_path"`
	} `yaml:"service"`
	RBAC struct {
		Roles     map[string]RBACRole `yaml:"roles"`
		AdminRole string              `yaml:"admin_role"`
		Grants    []RoleGrant         `yaml:"grants"`
	} `yaml:"rbac"`
	Outcomes      []OutcomeValue  `yaml:"outcomes"`
	Webhooks      []WebhookConfig `yaml:"webhooks"`
	Notifications struct {
		Redis RedisConfig `yaml:"redis"`
	} `yaml:"notifications"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// RoleGrant assigns a role to an actor on one plan, or every plan with "*".
type RoleGrant struct {
	Actor string `yaml:"actor"`
	Role  string `yaml:"role"`
	Plan  string `yaml:"plan"`
}

// OutcomeValue is one entry of the qualitative outcome vocabulary.
type OutcomeValue struct {
	ID      string `yaml:"id"`
	Code    string `yaml:"code"`
	Label   string `yaml:"label"`
	Verdict string `yaml:"verdict"`
}

type WebhookConfig struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type RedisConfig struct {
	Enabled bool     `yaml:"enabled"`
	URL     string   `yaml:"url"`
	Channel string   `yaml:"channel"`
	Events  []string `yaml:"events"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Exporter    string `yaml:"exporter"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the default one if no file exists.
func LoadOrDefault(workspace, serviceID string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(serviceID), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.ID == "" {
		return fmt.Errorf("config.service.id is required")
	}
	if c.Service.BasePath != "" && !strings.HasPrefix(c.Service.BasePath, "/") {
		return fmt.Errorf("config.service.base_path must start with /")
	}
	if len(c.RBAC.Roles) > 0 {
		if c.RBAC.AdminRole == "" {
			return fmt.Errorf("config.rbac.admin_role is required when roles are defined")
		}
		if _, ok := c.RBAC.Roles[c.RBAC.AdminRole]; !ok {
			return fmt.Errorf("config.rbac.admin_role %s is not a defined role", c.RBAC.AdminRole)
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
	}
	for i, g := range c.RBAC.Grants {
		if g.Actor == "" || g.Role == "" {
			return fmt.Errorf("config.rbac.grants[%d] needs actor and role", i)
		}
		if _, ok := c.RBAC.Roles[g.Role]; !ok {
			return fmt.Errorf("config.rbac.grants[%d] references unknown role %s", i, g.Role)
		}
	}
	codes := map[string]bool{}
	for i, o := range c.Outcomes {
		if o.Code == "" {
			return fmt.Errorf("config.outcomes[%d].code is required", i)
		}
		if codes[o.Code] {
			return fmt.Errorf("config.outcomes has duplicate code %s", o.Code)
		}
		codes[o.Code] = true
		switch o.Verdict {
		case "GREEN", "YELLOW", "RED":
		default:
			return fmt.Errorf("outcome %s verdict must be GREEN, YELLOW or RED", o.Code)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	if c.Notifications.Redis.Enabled && c.Notifications.Redis.URL == "" {
		return fmt.Errorf("config.notifications.redis.url is required when enabled")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Telemetry.Exporter {
	case "", "stdout", "none":
	default:
		return fmt.Errorf("config.telemetry.exporter %q is not supported", c.Telemetry.Exporter)
	}
	return nil
}

// OutcomeID returns the stored id of an outcome, defaulting to its code.
func (o OutcomeValue) OutcomeID() string {
	if o.ID != "" {
		return o.ID
	}
	return o.Code
}

// RedisChannel returns the pub/sub channel for event notifications.
func (c *Config) RedisChannel() string {
	if c.Notifications.Redis.Channel != "" {
		return c.Notifications.Redis.Channel
	}
	return c.Service.ID + ".events"
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceID string) string {
	return fmt.Sprintf(defaultTemplate, serviceID)
}

// Default returns the default Config struct for a service id.
func Default(serviceID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(serviceID))).Decode(&cfg)
	cfg.Service.ID = serviceID
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

const defaultTemplate = `service:
  id: %s
  base_path: /v1

rbac:
  admin_role: admin
  roles:
    admin:
      description: "Monitoring administrator"
      permissions:
        - plan.import
        - cycle.read
        - cycle.create
        - cycle.start
        - cycle.submit
        - cycle.request_approval
        - cycle.hold
        - cycle.cancel
        - result.write
        - result.import
        - approval.decide
        - approval.void
        - events.read
    manager:
      description: "Owns the cycle calendar"
      permissions: [cycle.read, cycle.create, cycle.start, cycle.hold, cycle.cancel, events.read]
    collector:
      description: "Enters measurements"
      permissions: [cycle.read, cycle.submit, result.write, result.import]
    reviewer:
      description: "Reviews results and requests approval"
      permissions: [cycle.read, cycle.request_approval, cycle.hold, result.write]
    approver:
      description: "Signs off cycles"
      permissions: [cycle.read, approval.decide]
  grants:
    - actor: local-user
      role: admin
      plan: "*"

outcomes:
  - code: met
    label: "Met"
    verdict: GREEN
  - code: partially_met
    label: "Partially met"
    verdict: YELLOW
  - code: not_met
    label: "Not met"
    verdict: RED

webhooks: []

notifications:
  redis:
    enabled: false
    url: redis://localhost:6379/0

telemetry:
  enabled: false
  service_name: cyclegate
  exporter: stdout

log:
  level: info
  format: text
`
