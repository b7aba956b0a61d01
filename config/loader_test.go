// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Test loading development config (skip validation for testing)
	cfg, err := Load(LoaderOptions{
		ConfigDir:      ".",
		Environment:    "development",
		SkipValidation: true,
		DotEnvPath:     "",
	})

	if err != nil {
		t.Fatalf("Failed to load development config: %v", err)
	}

	if cfg.Environment != "development" {
		t.Errorf("Environment = %q, want %q", cfg.Environment, "development")
	}

	// Verify defaults are applied
	if cfg.Bidi == nil || cfg.Bidi.HeartbeatInterval == 0 {
		t.Error("Bidi HeartbeatInterval should have default value")
	}
}

func TestLoadForEnvironment(t *testing.T) {
	tests := []string{"development", "staging", "production", "local"}

	for _, env := range tests {
		t.Run(env, func(t *testing.T) {
			cfg, err := Load(LoaderOptions{
				ConfigDir:      ".",
				Environment:    env,
				SkipValidation: true,
				DotEnvPath:     "",
			})
			if err != nil {
				t.Fatalf("Failed to load %s config: %v", env, err)
			}

			if cfg.Environment != env {
				t.Errorf("Environment = %q, want %q", cfg.Environment, env)
			}
		})
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	// Set environment overrides
	os.Setenv("RPCGW_LISTEN_ADDR", ":9999")
	os.Setenv("RPCGW_LOG_LEVEL", "debug")
	defer os.Unsetenv("RPCGW_LISTEN_ADDR")
	defer os.Unsetenv("RPCGW_LOG_LEVEL")

	cfg, err := Load(LoaderOptions{
		ConfigDir:      ".",
		Environment:    "development",
		SkipValidation: true,
		DotEnvPath:     "",
	})

	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server != nil && cfg.Server.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, ":9999")
	}

	if cfg.Logging != nil && cfg.Logging.Level != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoadWithCustomConfigDir(t *testing.T) {
	// Create temporary config directory
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")

	// Write test config
	testConfig := `
environment: test
logging:
  level: info
  format: json
`
	if err := os.WriteFile(configPath, []byte(testConfig), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	// Load resolves test.yaml in the custom directory for environment "test"
	cfg, err := Load(LoaderOptions{
		ConfigDir:      tmpDir,
		Environment:    "test",
		SkipValidation: true,
		DotEnvPath:     "",
	})

	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// The file written above is loaded, with defaults applied on top
	if cfg == nil {
		t.Fatal("Config should not be nil")
	}
}

func TestDefaultLoaderOptions(t *testing.T) {
	opts := DefaultLoaderOptions()

	if opts.ConfigDir != "config" {
		t.Errorf("ConfigDir = %q, want %q", opts.ConfigDir, "config")
	}

	if opts.SkipEnvSubstitution {
		t.Error("SkipEnvSubstitution should be false by default")
	}

	if opts.SkipValidation {
		t.Error("SkipValidation should be false by default")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	if cfg.Environment != "development" {
		t.Errorf("Default environment = %q, want %q", cfg.Environment, "development")
	}
}

func TestBidiConfigDefaults(t *testing.T) {
	cfg := &Config{
		Bidi: &BidiConfig{},
	}
	setDefaults(cfg)

	if cfg.Bidi.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want %v", cfg.Bidi.HeartbeatInterval, 30*time.Second)
	}

	if cfg.Bidi.MissedPongLimit != 2 {
		t.Errorf("MissedPongLimit = %d, want %d", cfg.Bidi.MissedPongLimit, 2)
	}

	if cfg.Bidi.SendQueueSize != 64 {
		t.Errorf("SendQueueSize = %d, want %d", cfg.Bidi.SendQueueSize, 64)
	}
}

func TestAuthConfigDefaults(t *testing.T) {
	cfg := &Config{
		Auth: &AuthConfig{},
	}
	setDefaults(cfg)

	if cfg.Auth.TokenTTL != 1*time.Hour {
		t.Errorf("TokenTTL = %v, want %v", cfg.Auth.TokenTTL, 1*time.Hour)
	}
}
