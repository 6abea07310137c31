package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default filesystem locations, matching the installed package layout.
const (
	DefaultConfigDir  = "/etc/ssi-agent"
	DefaultDataDir    = "/var/lib/ssi-agent"
	DefaultScriptsDir = "/opt/ssi-agent/scripts"
	DefaultLogDir     = "/var/log/ssi-agent"

	configFileName = "agent.yaml"

	// AgentLogName is the daemon's own log file inside LogDir. The tailer
	// must never feed it back into the pipeline.
	AgentLogName = "_agent.log"
)

// Config is the agent configuration, loaded from agent.yaml.
type Config struct {
	BackendURL string `yaml:"backend_url"`

	DataDir    string `yaml:"data_dir"`
	ScriptsDir string `yaml:"scripts_dir"`
	LogDir     string `yaml:"log_dir"`

	QueueCapacity  int           `yaml:"queue_capacity"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ScanInterval   time.Duration `yaml:"scan_interval"`
	DrainGrace     time.Duration `yaml:"drain_grace"`

	// configDir is where the config was loaded from, for Save.
	configDir string
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:        DefaultDataDir,
		ScriptsDir:     DefaultScriptsDir,
		LogDir:         DefaultLogDir,
		QueueCapacity:  1000,
		BackoffBase:    1 * time.Second,
		BackoffCap:     60 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PollInterval:   2 * time.Second,
		ScanInterval:   15 * time.Second,
		DrainGrace:     5 * time.Second,
		configDir:      DefaultConfigDir,
	}
}

// LoadConfig reads agent.yaml from configDir, applying defaults for
// missing fields. A missing file yields pure defaults: the agent can run
// unconfigured until a backend URL is set.
func LoadConfig(configDir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configDir = configDir

	data, err := os.ReadFile(filepath.Join(configDir, configFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration atomically (write + rename).
func (c *Config) Save() error {
	if err := os.MkdirAll(c.configDir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	path := filepath.Join(c.configDir, configFileName)
	tmpPath := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// WebsocketURL derives the reporting endpoint from the backend URL:
// http becomes ws, https becomes wss, path /ws/agent/<agentKey>/.
func (c *Config) WebsocketURL(agentKey string) (string, error) {
	if c.BackendURL == "" {
		return "", fmt.Errorf("backend_url not configured")
	}

	scheme := "ws"
	host := c.BackendURL
	switch {
	case strings.HasPrefix(host, "https://"):
		scheme = "wss"
		host = strings.TrimPrefix(host, "https://")
	case strings.HasPrefix(host, "http://"):
		host = strings.TrimPrefix(host, "http://")
	default:
		return "", fmt.Errorf("backend_url must start with http:// or https://")
	}
	host = strings.TrimSuffix(host, "/")

	return fmt.Sprintf("%s://%s/ws/agent/%s/", scheme, host, agentKey), nil
}

// AgentLogPath is the daemon's own log file.
func (c *Config) AgentLogPath() string {
	return filepath.Join(c.LogDir, AgentLogName)
}

// ServiceLogPath is where a service's script appends its status lines.
func (c *Config) ServiceLogPath(id string) string {
	return filepath.Join(c.LogDir, id+".log")
}
