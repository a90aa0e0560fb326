// Package cliconfig resolves configuration for the kiln CLI wrapper:
// environment variables first, then an optional config file, then
// built-in defaults.
package cliconfig

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"kiln/internal/kilnerr"
)

// Config holds everything the CLI needs to talk to a kilnd instance and
// locate the cargo workspace it wraps.
type Config struct {
	ServiceURL    string        `yaml:"service_url"`
	Token         string        `yaml:"token"`
	Workspace     string        `yaml:"workspace"`
	WaitForUpload bool          `yaml:"wait_for_upload"`
	RequestTTL    time.Duration `yaml:"-"`
}

type fileConfig struct {
	ServiceURL    string `yaml:"service_url"`
	Token         string `yaml:"token"`
	Workspace     string `yaml:"workspace"`
	WaitForUpload bool   `yaml:"wait_for_upload"`
}

// Load resolves config from (in increasing priority) the config file at
// ~/.config/kiln/config.yaml, then KILN_* environment variables.
func Load() (Config, error) {
	cfg := Config{
		ServiceURL:    "http://localhost:8080",
		Workspace:     ".",
		WaitForUpload: false,
		RequestTTL:    2 * time.Minute,
	}

	if path, ok := defaultConfigPath(); ok {
		if fc, err := readFile(path); err == nil {
			applyFile(&cfg, fc)
		} else if !os.IsNotExist(err) {
			return Config{}, kilnerr.New(kilnerr.InvalidRequest, "cliconfig.Load", err)
		}
	}

	if v := os.Getenv("KILN_SERVICE_URL"); v != "" {
		cfg.ServiceURL = v
	}
	if v := os.Getenv("KILN_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("KILN_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("KILN_WAIT_FOR_UPLOAD"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, kilnerr.New(kilnerr.InvalidRequest, "cliconfig.Load", err)
		}
		cfg.WaitForUpload = b
	}

	if cfg.ServiceURL == "" {
		return Config{}, kilnerr.New(kilnerr.InvalidRequest, "cliconfig.Load", errMissingServiceURL)
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.ServiceURL != "" {
		cfg.ServiceURL = fc.ServiceURL
	}
	if fc.Token != "" {
		cfg.Token = fc.Token
	}
	if fc.Workspace != "" {
		cfg.Workspace = fc.Workspace
	}
	cfg.WaitForUpload = fc.WaitForUpload
}

func readFile(path string) (fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fileConfig{}, err
	}
	return fc, nil
}

func defaultConfigPath() (string, bool) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(home, ".config", "kiln", "config.yaml"), true
}

type cliconfigError string

func (e cliconfigError) Error() string { return string(e) }

const errMissingServiceURL = cliconfigError("KILN_SERVICE_URL is required")
