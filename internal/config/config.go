// Package config loads control-plane configuration from YAML or JSON, with
// OVERSEER_* environment overrides for deploy-time settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full control-plane configuration.
type Config struct {
	Server        Server        `json:"server" yaml:"server"`
	Storage       Storage       `json:"storage" yaml:"storage"`
	Lifecycle     Lifecycle     `json:"agent_lifecycle" yaml:"agent_lifecycle"`
	Surveillance  Surveillance  `json:"surveillance" yaml:"surveillance"`
	Thresholds    Thresholds    `json:"thresholds" yaml:"thresholds"`
	Score         Score         `json:"score" yaml:"score"`
	Approval      Approval      `json:"approval" yaml:"approval"`
	Notifications Notifications `json:"notifications" yaml:"notifications"`
	Telemetry     Telemetry     `json:"telemetry" yaml:"telemetry"`
}

type Server struct {
	ListenAddr   string `json:"listen_addr" yaml:"listen_addr"`
	LogLevel     string `json:"log_level" yaml:"log_level"`
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes"`
}

type Storage struct {
	// Driver selects the audit store backend: sqlite, pgx, or mysql.
	Driver string `json:"driver" yaml:"driver"`
	// DSN is the audit store connection string. For sqlite it defaults to
	// a file under DataDir.
	DSN string `json:"dsn" yaml:"dsn"`
	// DataDir holds the sqlite databases for the remaining stores.
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

type Lifecycle struct {
	AutoSuspendOnSecurityViolation bool     `json:"auto_suspend_on_security_violation" yaml:"auto_suspend_on_security_violation"`
	RequireAdminApprovalForDelete  bool     `json:"require_admin_approval_for_delete" yaml:"require_admin_approval_for_delete"`
	MaxAgentsPerTenant             int      `json:"max_agents_per_tenant" yaml:"max_agents_per_tenant"`
	KnownCapabilities              []string `json:"known_capabilities" yaml:"known_capabilities"`
}

type Surveillance struct {
	MonitoringIntervalSeconds int     `json:"monitoring_interval_seconds" yaml:"monitoring_interval_seconds"`
	HeartbeatTimeoutSeconds   int     `json:"heartbeat_timeout_seconds" yaml:"heartbeat_timeout_seconds"`
	AnomalyThreshold          float64 `json:"anomaly_threshold" yaml:"anomaly_threshold"`
	MaxConcurrentAnalyses     int     `json:"max_concurrent_analyses" yaml:"max_concurrent_analyses"`
	EnableBehaviorAnalysis    bool    `json:"enable_behavior_analysis" yaml:"enable_behavior_analysis"`
}

type Thresholds struct {
	CPU          float64 `json:"cpu" yaml:"cpu"`
	Memory       float64 `json:"memory" yaml:"memory"`
	ResponseTime float64 `json:"response_time" yaml:"response_time"`
	ErrorRate    float64 `json:"error_rate" yaml:"error_rate"`
}

type Score struct {
	AutoSuspendBelow     int `json:"auto_suspend_below" yaml:"auto_suspend_below"`
	MandatoryFreezeBelow int `json:"mandatory_freeze_below" yaml:"mandatory_freeze_below"`
	WarningBelow         int `json:"warning_below" yaml:"warning_below"`
}

type Approval struct {
	TTLSeconds int `json:"ttl_seconds" yaml:"ttl_seconds"`
}

type Notifications struct {
	MinChannelSeverity map[string]string `json:"min_channel_severity" yaml:"min_channel_severity"`
	SlackWebhookURL    string            `json:"slack_webhook_url" yaml:"slack_webhook_url"`
	SlackChannel       string            `json:"slack_channel" yaml:"slack_channel"`
	WebhookURL         string            `json:"webhook_url" yaml:"webhook_url"`
	PagerEndpoint      string            `json:"pager_endpoint" yaml:"pager_endpoint"`
	PagerRoutingKey    string            `json:"pager_routing_key" yaml:"pager_routing_key"`
	SMTPHost           string            `json:"smtp_host" yaml:"smtp_host"`
	SMTPPort           int               `json:"smtp_port" yaml:"smtp_port"`
	SMTPUsername       string            `json:"smtp_username" yaml:"smtp_username"`
	SMTPPassword       string            `json:"smtp_password" yaml:"smtp_password"`
	SMTPFrom           string            `json:"smtp_from" yaml:"smtp_from"`
	EmailTo            []string          `json:"email_to" yaml:"email_to"`
	MaxPerAgentPerHour int               `json:"max_per_agent_per_hour" yaml:"max_per_agent_per_hour"`
}

type Telemetry struct {
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string `json:"service_name" yaml:"service_name"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Server: Server{
			ListenAddr:   ":8085",
			LogLevel:     "info",
			MaxBodyBytes: 1 << 20,
		},
		Storage: Storage{
			Driver:  "sqlite",
			DataDir: "data",
		},
		Lifecycle: Lifecycle{
			AutoSuspendOnSecurityViolation: true,
			RequireAdminApprovalForDelete:  true,
			MaxAgentsPerTenant:             100,
		},
		Surveillance: Surveillance{
			MonitoringIntervalSeconds: 60,
			HeartbeatTimeoutSeconds:   300,
			AnomalyThreshold:          0.7,
			MaxConcurrentAnalyses:     10,
		},
		Thresholds: Thresholds{
			CPU:          90,
			Memory:       90,
			ResponseTime: 5000,
			ErrorRate:    0.25,
		},
		Score: Score{
			AutoSuspendBelow:     50,
			MandatoryFreezeBelow: 30,
			WarningBelow:         70,
		},
		Approval: Approval{TTLSeconds: 86400},
		Notifications: Notifications{
			MinChannelSeverity: map[string]string{
				"email": "high",
				"slack": "medium",
				"pager": "critical",
			},
			MaxPerAgentPerHour: 20,
		},
		Telemetry: Telemetry{ServiceName: "overseer-control-plane"},
	}
}

// Load reads the file at path (YAML or JSON by extension), layered over
// defaults, then applies environment overrides. An empty path loads
// defaults plus environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		default:
			return cfg, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(key string, dst *string) {
		if v := os.Getenv("OVERSEER_" + key); v != "" {
			*dst = v
		}
	}
	set("LISTEN_ADDR", &c.Server.ListenAddr)
	set("LOG_LEVEL", &c.Server.LogLevel)
	set("DB_DRIVER", &c.Storage.Driver)
	set("DB_DSN", &c.Storage.DSN)
	set("DATA_DIR", &c.Storage.DataDir)
	set("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	set("SLACK_WEBHOOK_URL", &c.Notifications.SlackWebhookURL)
	set("WEBHOOK_URL", &c.Notifications.WebhookURL)
	set("PAGER_ROUTING_KEY", &c.Notifications.PagerRoutingKey)
	set("SMTP_HOST", &c.Notifications.SMTPHost)
	set("SMTP_PASSWORD", &c.Notifications.SMTPPassword)
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "pgx", "mysql":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver != "sqlite" && c.Storage.DSN == "" {
		return fmt.Errorf("storage driver %q requires a dsn", c.Storage.Driver)
	}
	if c.Lifecycle.MaxAgentsPerTenant <= 0 {
		return fmt.Errorf("max_agents_per_tenant must be positive")
	}
	if c.Surveillance.AnomalyThreshold < 0 || c.Surveillance.AnomalyThreshold > 1 {
		return fmt.Errorf("anomaly_threshold must be in [0,1]")
	}
	if c.Score.MandatoryFreezeBelow > c.Score.AutoSuspendBelow ||
		c.Score.AutoSuspendBelow > c.Score.WarningBelow {
		return fmt.Errorf("score thresholds must satisfy freeze ≤ suspend ≤ warning")
	}
	return nil
}

// AuditDSN returns the audit store connection string, defaulting sqlite to
// a file under DataDir.
func (c *Config) AuditDSN() string {
	if c.Storage.DSN != "" {
		return c.Storage.DSN
	}
	return filepath.Join(c.Storage.DataDir, "audit.db")
}

// MonitoringInterval returns the surveillance cycle period.
func (c *Config) MonitoringInterval() time.Duration {
	return time.Duration(c.Surveillance.MonitoringIntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the liveness window.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Surveillance.HeartbeatTimeoutSeconds) * time.Second
}

// ApprovalTTL returns the approval request lifetime.
func (c *Config) ApprovalTTL() time.Duration {
	return time.Duration(c.Approval.TTLSeconds) * time.Second
}
