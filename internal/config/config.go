package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Overflow policies for requests refused by the capacity ledger
const (
	OverflowQueue  = "queue"
	OverflowReject = "reject"
)

// Notification modes for agent-to-coordinator terminal signals
const (
	NotifyPoll = "poll"
	NotifyPush = "push"
)

// Config represents the complete application configuration. Coordinator
// and agent binaries share the file format and read their own sections.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Agent       AgentConfig       `yaml:"agent"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Notify      NotifyConfig      `yaml:"notify"`
	Logging     LoggingConfig     `yaml:"logging"`
	App         AppConfig         `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CoordinatorConfig holds the coordinator's admission and dispatch settings
type CoordinatorConfig struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	QueueDepth        int           `yaml:"queue_depth"`
	OverflowPolicy    string        `yaml:"overflow_policy"`
	DispatchRetries   int           `yaml:"dispatch_retries"`
	JobDeadline       time.Duration `yaml:"job_deadline"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RetentionWindow   time.Duration `yaml:"retention_window"`
	DataRoot          string        `yaml:"data_root"`
	Nodes             []NodeConfig  `yaml:"nodes"`
}

// NodeConfig describes one agent node in the fleet
type NodeConfig struct {
	Name          string `yaml:"name"`
	Address       string `yaml:"address"`
	Port          int    `yaml:"port"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// AgentConfig holds the agent's execution settings
type AgentConfig struct {
	NodeName          string        `yaml:"node_name"`
	DataRoot          string        `yaml:"data_root"`
	BackupRoot        string        `yaml:"backup_root"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	RetainPerSource   int           `yaml:"retain_per_source"`
	StateRetention    time.Duration `yaml:"state_retention"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	VHost             string        `yaml:"vhost"`
	ExchangeName      string        `yaml:"exchange_name"`
	ExchangeType      string        `yaml:"exchange_type"`
	QueueName         string        `yaml:"queue_name"`
	RoutingKey        string        `yaml:"routing_key"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// NotifyConfig selects how terminal job signals reach the coordinator.
// Poll mode needs no broker; push mode publishes completion events over
// RabbitMQ. The dispatcher's deadline watchdog runs in either mode.
type NotifyConfig struct {
	Mode string `yaml:"mode"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Coordinator.OverflowPolicy == "" {
		c.Coordinator.OverflowPolicy = OverflowQueue
	}
	if c.Notify.Mode == "" {
		c.Notify.Mode = NotifyPoll
	}
	if c.Coordinator.PollInterval <= 0 {
		c.Coordinator.PollInterval = 5 * time.Second
	}
	if c.Coordinator.ProbeInterval <= 0 {
		c.Coordinator.ProbeInterval = 10 * time.Second
	}
	if c.Coordinator.RequestTimeout <= 0 {
		c.Coordinator.RequestTimeout = 5 * time.Second
	}
	if c.Coordinator.RetentionWindow <= 0 {
		c.Coordinator.RetentionWindow = time.Hour
	}
	if c.Agent.RetainPerSource <= 0 {
		c.Agent.RetainPerSource = 10
	}
	if c.Agent.StateRetention <= 0 {
		c.Agent.StateRetention = time.Hour
	}
}

// ValidateCoordinatorConfig checks the settings the coordinator binary needs
func (c *Config) ValidateCoordinatorConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Coordinator.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("coordinator max_concurrent_jobs must be greater than 0")
	}

	if c.Coordinator.QueueDepth < 0 {
		return fmt.Errorf("coordinator queue_depth must not be negative")
	}

	switch c.Coordinator.OverflowPolicy {
	case OverflowQueue, OverflowReject:
	default:
		return fmt.Errorf("invalid overflow_policy: %q (must be %q or %q)", c.Coordinator.OverflowPolicy, OverflowQueue, OverflowReject)
	}

	if c.Coordinator.JobDeadline <= 0 {
		return fmt.Errorf("coordinator job_deadline must be greater than 0")
	}

	if c.Coordinator.DataRoot == "" {
		return fmt.Errorf("coordinator data_root is required")
	}

	if len(c.Coordinator.Nodes) == 0 {
		return fmt.Errorf("at least one node is required")
	}

	seen := make(map[string]bool, len(c.Coordinator.Nodes))
	for _, node := range c.Coordinator.Nodes {
		if node.Name == "" {
			return fmt.Errorf("node name is required")
		}
		if seen[node.Name] {
			return fmt.Errorf("duplicate node name: %s", node.Name)
		}
		seen[node.Name] = true

		if node.Address == "" {
			return fmt.Errorf("node %s: address is required", node.Name)
		}
		if node.Port < MinPort || node.Port > MaxPort {
			return fmt.Errorf("node %s: invalid port: %d", node.Name, node.Port)
		}
		if node.MaxConcurrent <= 0 {
			return fmt.Errorf("node %s: max_concurrent must be greater than 0", node.Name)
		}
	}

	switch c.Notify.Mode {
	case NotifyPoll:
	case NotifyPush:
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required in push mode")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d", c.RabbitMQ.Port)
		}
	default:
		return fmt.Errorf("invalid notify mode: %q (must be %q or %q)", c.Notify.Mode, NotifyPoll, NotifyPush)
	}

	if c.Database.Host != "" {
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d", c.Database.Port)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	return nil
}

// ValidateAgentConfig checks the settings the agent binary needs
func (c *Config) ValidateAgentConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Agent.NodeName == "" {
		return fmt.Errorf("agent node_name is required")
	}

	if c.Agent.DataRoot == "" {
		return fmt.Errorf("agent data_root is required")
	}

	if c.Agent.BackupRoot == "" {
		return fmt.Errorf("agent backup_root is required")
	}

	if c.Agent.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("agent max_concurrent_jobs must be greater than 0")
	}

	if c.Agent.JobTimeout <= 0 {
		return fmt.Errorf("agent job_timeout must be greater than 0")
	}

	switch c.Notify.Mode {
	case NotifyPoll:
	case NotifyPush:
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required in push mode")
		}
	default:
		return fmt.Errorf("invalid notify mode: %q (must be %q or %q)", c.Notify.Mode, NotifyPoll, NotifyPush)
	}

	return nil
}
