// Package config manages tbd configuration via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config keys.
const (
	KeySyncRemote      = "sync.remote"
	KeySyncBranch      = "sync.branch"
	KeySyncMaxAttempts = "sync.max-attempts"
	KeyReplicaID       = "replica-id"
	KeyActor           = "actor"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Config search paths (in order of precedence):
	// 1. Walk up from CWD to find the project .tbd/ directory, so
	//    commands work from subdirectories.
	cwd, err := os.Getwd()
	if err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			tbdDir := filepath.Join(dir, ".tbd")
			if info, err := os.Stat(tbdDir); err == nil && info.IsDir() {
				v.AddConfigPath(tbdDir)
				break
			}
		}
	}

	// 2. User config directory (~/.config/tbd/)
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "tbd"))
	}

	// Environment variables take precedence over the config file,
	// e.g. TBD_SYNC_BRANCH maps to "sync.branch".
	v.SetEnvPrefix("TBD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("json", false)
	v.SetDefault(KeyActor, "")
	v.SetDefault(KeySyncRemote, "origin")
	v.SetDefault(KeySyncBranch, "tbd-sync")
	v.SetDefault(KeySyncMaxAttempts, 5)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found - that's fine, defaults apply.
	}

	return nil
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// Set overrides a configuration value for the current process.
// Used to bind command-line flags, which take precedence over everything.
func Set(key string, value interface{}) {
	if v == nil {
		v = viper.New()
	}
	v.Set(key, value)
}

// WriteTo persists the current non-default configuration values to
// <dir>/config.yaml, creating the file if needed.
func WriteTo(dir string) error {
	if v == nil {
		return fmt.Errorf("config not initialized")
	}
	path := filepath.Join(dir, "config.yaml")
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
