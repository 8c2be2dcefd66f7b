// Package config provides configuration handling for the connector.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk TOML configuration.
type Config struct {
	Connector ConnectorConfig `toml:"connector"`
	Machine   MachineConfig   `toml:"machine"`
	Database  DatabaseConfig  `toml:"database"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ConnectorConfig holds host-application identification and discovery settings.
type ConnectorConfig struct {
	AppName     string `toml:"app_name"`
	AppVersion  string `toml:"app_version"`
	UseZeroconf bool   `toml:"use_zeroconf"`
	PushSocket  bool   `toml:"push_socket"`
}

// MachineConfig mirrors the per-machine metadata the host application stores
// for its active machine.
type MachineConfig struct {
	OctoPrintID          string `toml:"octoprint_id"`
	APIKey               string `toml:"octoprint_api_key"` // base64 obfuscated
	AutoPrint            bool   `toml:"octoprint_auto_print"`
	AutoSelect           bool   `toml:"octoprint_auto_select"`
	StoreSD              bool   `toml:"octoprint_store_sd"`
	ShowCamera           bool   `toml:"octoprint_show_camera"`
	ConfirmUploadOptions bool   `toml:"octoprint_confirm_upload_options"`
	PowerControl         bool   `toml:"octoprint_power_control"`
	PowerPlug            string `toml:"octoprint_power_plug"`
	AutoConnect          bool   `toml:"octoprint_auto_connect"`
	TransferUFP          bool   `toml:"octoprint_ufp_transfer"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when no config file is found.
func Default() *Config {
	return &Config{
		Connector: ConnectorConfig{
			AppName:     "Cura",
			AppVersion:  "0.0",
			UseZeroconf: true,
			PushSocket:  false,
		},
		Machine: MachineConfig{
			AutoPrint: true,
		},
		Logging: LoggingConfig{Level: "INFO"},
	}
}

// FindConfigFile searches for a config file in platform-appropriate locations.
// Returns the path and data if found, or an error if not found anywhere.
func FindConfigFile(filename string) (string, []byte, error) {
	for _, path := range ConfigSearchPaths(filename) {
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}

	return "", nil, fmt.Errorf("%s not found in any search path", filename)
}

// ConfigSearchPaths returns an ordered list of paths to search for config files.
func ConfigSearchPaths(filename string) []string {
	var searchPaths []string

	switch runtime.GOOS {
	case "windows":
		searchPaths = append(searchPaths, filepath.Join(os.Getenv("ProgramData"), "OctoConnect", filename))
	case "darwin":
		searchPaths = append(searchPaths, filepath.Join("/Library/Application Support", "OctoConnect", filename))
	default:
		searchPaths = append(searchPaths, filepath.Join("/etc/octoconnect", filename))
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "windows":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "AppData", "Local", "OctoConnect", filename))
		case "darwin":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "Library", "Application Support", "OctoConnect", filename))
		default:
			searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", "octoconnect", filename))
		}
	}

	if exePath, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(filepath.Dir(exePath), filename))
	}

	searchPaths = append(searchPaths, filepath.Join(".", filename))

	return searchPaths
}

// DataDirectory returns the directory for storing application data.
func DataDirectory(isService bool) (string, error) {
	var dataDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(os.Getenv("ProgramData"), "OctoConnect")
		default:
			dataDir = "/var/lib/octoconnect"
		}
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}

		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(homeDir, "AppData", "Local", "OctoConnect")
		case "darwin":
			dataDir = filepath.Join(homeDir, "Library", "Application Support", "OctoConnect")
		default:
			dataDir = filepath.Join(homeDir, ".local", "share", "octoconnect")
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// LogDirectory returns the directory for storing logs.
func LogDirectory(isService bool) (string, error) {
	var logDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			logDir = filepath.Join(os.Getenv("ProgramData"), "OctoConnect", "logs")
		default:
			logDir = "/var/log/octoconnect"
		}
	} else {
		logDir = "logs"
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	return logDir, nil
}

// Load reads a TOML configuration file into a Config, applying defaults for
// missing sections.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes a default TOML configuration file.
func WriteDefault(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(Default()); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("DB_PATH"); val != "" {
		c.Database.Path = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
}
