package intake

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSourceSystem = "website_form"
	DefaultEventType    = "lead.form.submitted"
)

// SourceConfig declares one accepted inbound source system.
type SourceConfig struct {
	SourceSystem string `yaml:"source_system"`
	EventType    string `yaml:"event_type"`
}

// SourcesConfig accepts either:
//  1. mapping form (preferred):
//     sources:
//     website_form: lead.form.submitted
//     partner_api:  lead.partner.created
//  2. legacy list form:
//     sources:
//     - source_system: website_form
//     event_type: lead.form.submitted
//
// The first entry is the default source.
type SourcesConfig struct {
	Items []SourceConfig
}

func (s *SourcesConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		items := make([]SourceConfig, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k := value.Content[i]
			v := value.Content[i+1]
			source := strings.TrimSpace(k.Value)
			if source == "" {
				continue
			}

			// Allow mapping values to be either:
			// - scalar string: <event_type>
			// - mapping object: {event_type: ...}
			switch v.Kind {
			case yaml.ScalarNode:
				items = append(items, SourceConfig{SourceSystem: source, EventType: strings.TrimSpace(v.Value)})
			case yaml.MappingNode:
				var tmp struct {
					EventType string `yaml:"event_type"`
				}
				if err := v.Decode(&tmp); err != nil {
					return err
				}
				items = append(items, SourceConfig{SourceSystem: source, EventType: strings.TrimSpace(tmp.EventType)})
			default:
				continue
			}
		}
		s.Items = items
		return nil
	case yaml.SequenceNode:
		var items []SourceConfig
		if err := value.Decode(&items); err != nil {
			return err
		}
		out := items[:0]
		for _, it := range items {
			it.SourceSystem = strings.TrimSpace(it.SourceSystem)
			it.EventType = strings.TrimSpace(it.EventType)
			if it.SourceSystem != "" {
				out = append(out, it)
			}
		}
		s.Items = out
		return nil
	default:
		// ignore other kinds
		return nil
	}
}

// Map returns source system -> event type. Sources without an event type get
// DefaultEventType.
func (s SourcesConfig) Map() map[string]string {
	out := make(map[string]string, len(s.Items))
	for _, it := range s.Items {
		et := it.EventType
		if et == "" {
			et = DefaultEventType
		}
		out[it.SourceSystem] = et
	}
	return out
}

func (s SourcesConfig) Default() string {
	if len(s.Items) == 0 {
		return ""
	}
	return s.Items[0].SourceSystem
}

type WebhookConfig struct {
	SharedSecret string `yaml:"shared_secret"`
	Header       string `yaml:"header"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type QueueConfig struct {
	DSN      string `yaml:"dsn"`
	Capacity int    `yaml:"capacity"`
	Name     string `yaml:"name"`
}

type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type FileConfig struct {
	DB       string `yaml:"db"`
	HTTPAddr string `yaml:"http_addr"`
	Debug    bool   `yaml:"debug"`

	// AdminToken guards the /admin routes. Empty disables them.
	AdminToken string `yaml:"admin_token"`

	// DefaultOwnerID is assigned to contacts created or merged without an owner.
	// Zero means none.
	DefaultOwnerID uint `yaml:"default_owner_id"`

	Webhook WebhookConfig `yaml:"webhook"`
	Queue   QueueConfig   `yaml:"queue"`
	Workers int           `yaml:"workers"`
	Retry   RetryConfig   `yaml:"retry"`
	Sources SourcesConfig `yaml:"sources"`
}

// envConfig lists the environment overrides. Secrets normally arrive this way.
type envConfig struct {
	SharedSecret   string `env:"CRM_INTAKE_SHARED_SECRET"`
	AdminToken     string `env:"CRM_INTAKE_ADMIN_TOKEN"`
	DB             string `env:"CRM_INTAKE_DB"`
	QueueDSN       string `env:"CRM_INTAKE_QUEUE_DSN"`
	HTTPAddr       string `env:"CRM_INTAKE_HTTP_ADDR"`
	DefaultOwnerID uint   `env:"CRM_INTAKE_DEFAULT_OWNER_ID"`
}

func DefaultConfig() *FileConfig {
	return &FileConfig{
		DB:       "crm-intake.db",
		HTTPAddr: ":8080",
		Webhook: WebhookConfig{
			Header:       "X-Webhook-Secret",
			MaxBodyBytes: 64 << 10,
		},
		Queue: QueueConfig{
			DSN:      "memory://",
			Capacity: defaultQueueCapacity,
			Name:     defaultQueueName,
		},
		Workers: 4,
		Retry: RetryConfig{
			MaxAttempts:   5,
			StaleAfter:    5 * time.Minute,
			RetryDelay:    30 * time.Second,
			SweepInterval: 30 * time.Second,
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*FileConfig, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any CRM_INTAKE_* variables that are set.
func (c *FileConfig) ApplyEnv() error {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if raw.SharedSecret != "" {
		c.Webhook.SharedSecret = raw.SharedSecret
	}
	if raw.AdminToken != "" {
		c.AdminToken = raw.AdminToken
	}
	if raw.DB != "" {
		c.DB = raw.DB
	}
	if raw.QueueDSN != "" {
		c.Queue.DSN = raw.QueueDSN
	}
	if raw.HTTPAddr != "" {
		c.HTTPAddr = raw.HTTPAddr
	}
	if raw.DefaultOwnerID != 0 {
		c.DefaultOwnerID = raw.DefaultOwnerID
	}
	return nil
}

// Finalize fills the default source and checks the settings that have no safe
// default.
func (c *FileConfig) Finalize() error {
	if len(c.Sources.Items) == 0 {
		c.Sources.Items = []SourceConfig{{SourceSystem: DefaultSourceSystem, EventType: DefaultEventType}}
	}
	if strings.TrimSpace(c.DB) == "" {
		return fmt.Errorf("db is required")
	}
	if strings.TrimSpace(c.Webhook.Header) == "" {
		c.Webhook.Header = "X-Webhook-Secret"
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		c.Webhook.MaxBodyBytes = 64 << 10
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	return nil
}

// OwnerID returns the default owner as a nullable id.
func (c *FileConfig) OwnerID() *uint {
	if c.DefaultOwnerID == 0 {
		return nil
	}
	id := c.DefaultOwnerID
	return &id
}
