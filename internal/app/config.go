package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"sealdm/internal/domain"
)

const configFileName = "config.json"

// Duration is a time.Duration that reads and writes as "12s" in JSON.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds runtime wiring options for building the client.
type Config struct {
	Home     string        `json:"-"`         // config directory, e.g. $HOME/.sealdm
	RelayURL string        `json:"relay_url"` // relay base URL, e.g. http://127.0.0.1:8080
	UserID   domain.UserID `json:"user_id"`
	Token    string        `json:"token"` // bearer token issued by the relay operator

	// KDF seals the keystore: "argon2id" (default) or "scrypt".
	KDF string `json:"kdf,omitempty"`
	// DBPath overrides the state database location (default <home>/state.db).
	DBPath string `json:"db_path,omitempty"`

	PublishTimeout Duration `json:"publish_timeout,omitempty"`
	ResolveTimeout Duration `json:"resolve_timeout,omitempty"`

	LogLevel    string `json:"log_level,omitempty"`
	Development bool   `json:"development,omitempty"`

	HTTP *http.Client `json:"-"` // optional; defaults to http.DefaultClient
}

// DefaultHome returns $HOME/.sealdm.
func DefaultHome() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".sealdm"), nil
}

// ConfigPath returns the full path to config.json for a home directory.
func ConfigPath(home string) string { return filepath.Join(home, configFileName) }

// LoadConfig reads config.json from home, if present, and applies SEALDM_*
// environment overrides. A missing file is not an error.
func LoadConfig(home string) (Config, error) {
	cfg := Config{Home: home}
	raw, err := os.ReadFile(ConfigPath(home))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.Home = home
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SEALDM_RELAY"); v != "" {
		c.RelayURL = v
	}
	if v := os.Getenv("SEALDM_USER"); v != "" {
		c.UserID = domain.UserID(v)
	}
	if v := os.Getenv("SEALDM_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("SEALDM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// SaveConfig writes cfg to config.json under cfg.Home.
func SaveConfig(cfg Config) error {
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')
	if err := os.WriteFile(ConfigPath(cfg.Home), raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate reports missing settings needed to reach the relay.
func (c Config) Validate() error {
	switch {
	case c.Home == "":
		return errors.New("config: home directory not set")
	case c.RelayURL == "":
		return errors.New("config: relay URL not set (--relay or SEALDM_RELAY)")
	case c.UserID == "":
		return errors.New("config: user id not set (--user or SEALDM_USER)")
	case c.Token == "":
		return errors.New("config: relay token not set (--token or SEALDM_TOKEN)")
	case c.KDF != "" && c.KDF != "argon2id" && c.KDF != "scrypt":
		return fmt.Errorf("config: unknown kdf %q", c.KDF)
	}
	return nil
}
