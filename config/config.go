package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the root application configuration, loaded once at startup.
type AppConfig struct {
	System   SystemConfig   `yaml:"system"`
	Logger   LoggerConfig   `yaml:"logger"`
	Database DatabaseConfig `yaml:"database"`
	Web      WebConfig      `yaml:"web"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Meta     MetaConfig     `yaml:"meta"`
	Followup FollowupConfig `yaml:"followup"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type SystemConfig struct {
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
}

type LoggerConfig struct {
	Mode       string `yaml:"mode"` // production | development
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"` // postgres | sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Debug    bool   `yaml:"debug"`
}

type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// WebhookRate is the max webhook calls accepted per client address per minute.
	WebhookRate int `yaml:"webhook_rate"`
}

// GatewayConfig points at the self-hosted WhatsApp automation gateway.
type GatewayConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// MetaConfig configures the official Graph API connection path.
type MetaConfig struct {
	GraphBaseURL string        `yaml:"graph_base_url"`
	AccessToken  string        `yaml:"access_token"`
	Timeout      time.Duration `yaml:"timeout"`
}

type FollowupConfig struct {
	// TickInterval is how often the dispatcher batch runs.
	TickInterval time.Duration `yaml:"tick_interval"`
	// TransientReasonCodes lists provider disconnect reason codes treated as
	// connection flaps rather than real disconnects.
	TransientReasonCodes []int `yaml:"transient_reason_codes"`
}

type NotifyConfig struct {
	// AMQP URL; event fan-out is disabled when empty.
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads a yaml configuration file, expanding ${ENV_VAR} references
// before parsing.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration pre-filled with workable development values.
func Default() *AppConfig {
	return &AppConfig{
		System: SystemConfig{
			Location: "UTC",
			Workdir:  "/var/waboard",
		},
		Logger: LoggerConfig{
			Mode:     "development",
			Filename: "/var/waboard/waboard.log",
		},
		Database: DatabaseConfig{
			Type: "postgres",
			Host: "127.0.0.1",
			Port: 5432,
			Name: "waboard",
			User: "postgres",
		},
		Web: WebConfig{
			Host:        "0.0.0.0",
			Port:        1978,
			WebhookRate: 120,
		},
		Gateway: GatewayConfig{
			BaseURL: "http://127.0.0.1:8080",
			Timeout: 15 * time.Second,
		},
		Meta: MetaConfig{
			GraphBaseURL: "https://graph.facebook.com/v19.0",
			Timeout:      10 * time.Second,
		},
		Followup: FollowupConfig{
			TickInterval:         3 * time.Minute,
			TransientReasonCodes: []int{408, 428, 515},
		},
		Notify: NotifyConfig{
			Exchange: "waboard.events",
		},
	}
}
