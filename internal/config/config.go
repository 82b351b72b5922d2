// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/caseops/caseload/internal/model"
)

// Config is the full runtime configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Jira     JiraConfig     `mapstructure:"jira" yaml:"jira"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	SLA      SLAConfig      `mapstructure:"sla" yaml:"sla"`
	Language string         `mapstructure:"language" yaml:"language"`
	Debug    bool           `mapstructure:"debug" yaml:"debug"`
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

// JiraConfig holds the tracker source connection settings. The token is a
// bearer token; prefer setting it through CASELOAD_JIRA_TOKEN rather than
// the config file.
type JiraConfig struct {
	Server   string `mapstructure:"server" yaml:"server"`
	Token    string `mapstructure:"token" yaml:"token,omitempty"`
	PageSize int    `mapstructure:"page_size" yaml:"page_size"`
}

// SyncConfig controls which projects are synced.
type SyncConfig struct {
	Projects []string `mapstructure:"projects" yaml:"projects"`
}

// SLAConfig is the per-severity SLA policy in days-from-created.
type SLAConfig struct {
	DefaultDays  int            `mapstructure:"default_days" yaml:"default_days"`
	SeverityDays map[string]int `mapstructure:"severity_days" yaml:"severity_days"`
}

// Policy converts the config block into the model policy used by metrics.
func (c SLAConfig) Policy() model.SLAPolicy {
	days := make(map[string]int, len(c.SeverityDays))
	for sev, d := range c.SeverityDays {
		days[strings.ToLower(sev)] = d
	}
	return model.SLAPolicy{DefaultDays: c.DefaultDays, SeverityDays: days}
}

// Defaults are the baseline settings applied before any file, env or flag.
func Defaults() map[string]any {
	return map[string]any{
		"database.type":    "sqlite",
		"database.dsn":     "caseload.db",
		"jira.server":      "",
		"jira.token":       "",
		"jira.page_size":   50,
		"sync.projects":    []string{},
		"sla.default_days": 90,
		"sla.severity_days": map[string]int{
			"critical":  7,
			"important": 30,
			"moderate":  90,
			"low":       180,
		},
		"language": "en",
		"debug":    false,
	}
}

// getConfigPath returns the full path for the configuration file.
func getConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Caseload")
		default:
			configDir = "/etc/caseload"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "caseload")
	}

	return filepath.Join(configDir, "caseload.yaml"), nil
}

// LoadConfig resolves configuration in precedence order: defaults, then
// caseload.yaml (explicit --config path, user dir, system dir, cwd), then
// CASELOAD_* environment variables, then bound cobra flags.
func LoadConfig(cmd *cobra.Command, explicitPath *string) (Config, error) {
	var c Config
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	v.SetConfigName("caseload")
	v.SetConfigType("yaml")

	if explicitPath != nil && *explicitPath != "" {
		v.SetConfigFile(*explicitPath)
	}

	if userConfigPath, err := getConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := getConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; anything else is a real config error.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return c, err
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("caseload")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
		// The CLI flag names differ from the config keys; bind them by hand.
		for key, flag := range map[string]string{
			"database.type": "db-type",
			"database.dsn":  "db-dsn",
			"language":      "lang",
			"debug":         "debug",
		} {
			if f := cmd.Flags().Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return c, err
				}
			}
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}

	return c, nil
}

// WriteConfigFile persists the configuration as yaml to the user or system
// config path.
func WriteConfigFile(c *Config, system bool) error {
	path, err := getConfigPath(system)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	// 0600 because the file may contain the Jira token.
	return os.WriteFile(path, data, 0600)
}
