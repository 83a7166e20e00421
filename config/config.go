package config

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lansend"
	// DefaultPort is the HTTPS listening port (LocalSend v2 default).
	DefaultPort = 53317
	// DefaultChunkSize is the transfer chunk size in bytes (1 MiB).
	DefaultChunkSize = 1024 * 1024
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DaemonConfig contains persistent local-device settings.
type DaemonConfig struct {
	DeviceID          string `json:"device_id"`
	DeviceName        string `json:"device_name"`
	Port              int    `json:"port"`
	AuthCode          string `json:"auth_code"`
	AutoSave          bool   `json:"auto_save"`
	SaveDir           string `json:"save_dir"`
	HTTPS             bool   `json:"https"`
	AllowUnregistered bool   `json:"allow_unregistered"`
	ChunkSize         int64  `json:"chunk_size"`
}

// SettingsUpdate is a partial settings change; nil fields are left untouched.
type SettingsUpdate struct {
	DeviceName *string `json:"device_name,omitempty"`
	Port       *int    `json:"port,omitempty"`
	AuthCode   *string `json:"auth_code,omitempty"`
	AutoSave   *bool   `json:"auto_save,omitempty"`
	SaveDir    *string `json:"save_dir,omitempty"`
	HTTPS      *bool   `json:"https,omitempty"`
}

// Apply merges a settings update into the config.
//
// The returned flag reports whether the listener must be restarted for the
// change to take effect (port or TLS mode changed).
func (c *DaemonConfig) Apply(update SettingsUpdate) (restart bool) {
	if update.DeviceName != nil && *update.DeviceName != "" {
		c.DeviceName = *update.DeviceName
	}
	if update.Port != nil && *update.Port > 0 && *update.Port != c.Port {
		c.Port = *update.Port
		restart = true
	}
	if update.AuthCode != nil && *update.AuthCode != "" {
		c.AuthCode = *update.AuthCode
	}
	if update.AutoSave != nil {
		c.AutoSave = *update.AutoSave
	}
	if update.SaveDir != nil && *update.SaveDir != "" {
		c.SaveDir = *update.SaveDir
	}
	if update.HTTPS != nil && *update.HTTPS != c.HTTPS {
		c.HTTPS = *update.HTTPS
		restart = true
	}
	return restart
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANSEND_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("LANSEND_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// CertsDir returns the certificate directory for a data directory.
func CertsDir(dataDir string) string {
	return filepath.Join(dataDir, "certs")
}

// MetadataDir returns the transfer-metadata directory for a data directory.
func MetadataDir(dataDir string) string {
	return filepath.Join(dataDir, "metadata")
}

// DatabasePath returns the sqlite database path for a data directory.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, "lansend.db")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		CertsDir(dataDir),
		MetadataDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DaemonConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DaemonConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk atomically.
func Save(path string, cfg *DaemonConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("finalize config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DaemonConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *DaemonConfig {
	cfg := &DaemonConfig{
		DeviceID:          uuid.NewString(),
		DeviceName:        defaultDeviceName(),
		Port:              DefaultPort,
		AuthCode:          newAuthCode(),
		AutoSave:          false,
		SaveDir:           defaultSaveDir(),
		HTTPS:             true,
		AllowUnregistered: true,
		ChunkSize:         DefaultChunkSize,
	}
	return cfg
}

func normalizeDefaults(cfg *DaemonConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = DefaultPort
		updated = true
	}
	if cfg.AuthCode == "" {
		cfg.AuthCode = newAuthCode()
		updated = true
	}
	if cfg.SaveDir == "" {
		cfg.SaveDir = defaultSaveDir()
		updated = true
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}

	return updated
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "LanSend Device"
}

func defaultSaveDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Downloads")
}

// newAuthCode produces a random six-digit pairing code.
func newAuthCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		// crypto/rand never fails on supported platforms.
		return "000000"
	}
	return fmt.Sprintf("%06d", n.Int64())
}
