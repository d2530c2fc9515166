package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base url", func(c *Config) { c.Backend.BaseURL = "" }},
		{"missing auth endpoint", func(c *Config) { c.Backend.AuthEndpoint = " " }},
		{"missing room url", func(c *Config) { c.Room.WSURL = "" }},
		{"http room url", func(c *Config) { c.Room.WSURL = "http://room.test" }},
		{"missing room name", func(c *Config) { c.Room.Name = "" }},
		{"missing data dir", func(c *Config) { c.Harness.DataDir = "" }},
		{"negative log size", func(c *Config) { c.Log.MaxSizeMB = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a fresh config file")
	}

	cfg.Room.Name = "custom"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second Ensure should load, not create")
	}
	if got.Room.Name != "custom" {
		t.Fatalf("room name = %q", got.Room.Name)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"room":{"name":"bom-room"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Room.Name != "bom-room" {
		t.Fatalf("room name = %q", cfg.Room.Name)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("HARNESS_API_KEY", "env-key")
	t.Setenv("HARNESS_REFRESH_TOKEN", "env-rt")

	cfg := Default()
	cfg.Backend.APIKey = "file-key"
	cfg.ApplyEnv()

	if cfg.Backend.APIKey != "env-key" {
		t.Fatalf("api key = %q", cfg.Backend.APIKey)
	}
	if cfg.Backend.RefreshToken != "env-rt" {
		t.Fatalf("refresh token = %q", cfg.Backend.RefreshToken)
	}
}
