package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/elityaev/agent-harness/internal/util"
)

type Config struct {
	Backend Backend `json:"backend"`
	Room    Room    `json:"room"`
	Harness Harness `json:"harness"`
	Viewer  Viewer  `json:"viewer"`
	Log     Log     `json:"log"`
}

type Backend struct {
	// Token service root, e.g. https://api.example.com/v1.
	BaseURL string `json:"base_url"`

	// Shared key for the HMAC request signature.
	APIKey string `json:"api_key"`

	// Identity token endpoint and its query key.
	AuthEndpoint string `json:"auth_endpoint"`
	AuthKey      string `json:"auth_key"`

	// Long-lived refresh token exchanged for bearer tokens.
	RefreshToken string `json:"refresh_token"`
}

type Room struct {
	// Websocket URL of the room server.
	WSURL string `json:"ws_url"`
	Name  string `json:"name"`
}

type Harness struct {
	Language   string `json:"language"`
	Platform   string `json:"platform"`
	AppVersion string `json:"app_version"`

	// Directory for the settings database.
	DataDir string `json:"data_dir"`

	// Initial premium flag reported to the agent.
	Premium bool `json:"premium"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type Log struct {
	// File enables rotating file output when non-empty.
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

func Default() Config {
	return Config{
		Backend: Backend{
			BaseURL:      "http://localhost:9090",
			AuthEndpoint: "http://localhost:9091/token",
		},
		Room: Room{
			WSURL: "ws://localhost:7880/rtc",
			Name:  "harness",
		},
		Harness: Harness{
			Language:   "en",
			Platform:   "web",
			AppVersion: "0.1.0",
			DataDir:    "data",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8083",
		},
		Log: Log{
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return errors.New("backend.base_url is required")
	}
	if strings.TrimSpace(c.Backend.AuthEndpoint) == "" {
		return errors.New("backend.auth_endpoint is required")
	}

	if strings.TrimSpace(c.Room.WSURL) == "" {
		return errors.New("room.ws_url is required")
	}
	if !strings.HasPrefix(c.Room.WSURL, "ws://") && !strings.HasPrefix(c.Room.WSURL, "wss://") {
		return fmt.Errorf("room.ws_url must be a ws:// or wss:// URL, got %q", c.Room.WSURL)
	}
	if strings.TrimSpace(c.Room.Name) == "" {
		return errors.New("room.name is required")
	}

	if strings.TrimSpace(c.Harness.DataDir) == "" {
		return errors.New("harness.data_dir is required")
	}
	if strings.TrimSpace(c.Viewer.HTTPAddr) == "" {
		return errors.New("viewer.http_addr is required")
	}

	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return errors.New("log limits must not be negative")
	}
	return nil
}

// ApplyEnv overlays secrets from the environment. Values in the environment
// win over the file so credentials can stay out of it.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("HARNESS_API_KEY"); v != "" {
		c.Backend.APIKey = v
	}
	if v := os.Getenv("HARNESS_AUTH_KEY"); v != "" {
		c.Backend.AuthKey = v
	}
	if v := os.Getenv("HARNESS_REFRESH_TOKEN"); v != "" {
		c.Backend.RefreshToken = v
	}
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
