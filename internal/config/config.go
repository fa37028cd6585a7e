package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Gate    GateConfig    `yaml:"gate"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	Host        string `yaml:"host"`
	FrontendURL string `yaml:"frontend_url"` // CORS allow-origin for HTTP and the ws channel
}

type SessionConfig struct {
	Dir         string        `yaml:"dir"`          // adapter-owned credential storage
	ReinitDelay time.Duration `yaml:"reinit_delay"` // backoff before rebuilding the client
	TerminalQR  bool          `yaml:"terminal_qr"`  // mirror pairing codes to stdout
	ChromePath  string        `yaml:"chrome_path"`  // accepted for compatibility, unused
}

type GateConfig struct {
	InstanceID  string        `yaml:"instance_id"`
	AccessToken string        `yaml:"access_token"`
	CountryCode string        `yaml:"country_code"` // default prefix for bare 10-digit numbers
	SendTimeout time.Duration `yaml:"send_timeout"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 3000,
			Host: "0.0.0.0",
		},
		Session: SessionConfig{
			Dir:         "wam-session",
			ReinitDelay: 5 * time.Second,
			TerminalQR:  true,
		},
		Gate: GateConfig{
			SendTimeout: 30 * time.Second,
		},
	}
}

// Load reads the yaml config at path and applies environment overrides on
// top. A missing file is fine — deployments driven purely by env vars
// (PORT, FRONTEND_URL, INSTANCE_ID, ACCESS_TOKEN, ...) carry no file.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		c.Server.FrontendURL = v
	}
	if v := os.Getenv("INSTANCE_ID"); v != "" {
		c.Gate.InstanceID = v
	}
	if v := os.Getenv("ACCESS_TOKEN"); v != "" {
		c.Gate.AccessToken = v
	}
	if v := os.Getenv("COUNTRY_CODE"); v != "" {
		c.Gate.CountryCode = v
	}
	if v := os.Getenv("WA_SESSION_DIR"); v != "" {
		c.Session.Dir = v
	}
	if v := os.Getenv("CHROME_PATH"); v != "" {
		c.Session.ChromePath = v
	}
	return nil
}

// CredentialsEnabled reports whether the token-gated send endpoint should
// be mounted.
func (c *Config) CredentialsEnabled() bool {
	return c.Gate.InstanceID != "" && c.Gate.AccessToken != ""
}
