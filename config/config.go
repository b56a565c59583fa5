// Package config loads persistent local settings: device identity, listening
// port, sync limits and reconnect pacing. Settings live in config.yaml under
// the per-user data directory and every value can be overridden through
// WINUXCONNECT_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "winuxconnect"
	// DefaultListeningPort is the TCP port used when no override exists.
	DefaultListeningPort = 51820

	configFileName = "config.yaml"
	envPrefix      = "WINUXCONNECT"
)

// DefaultCapabilities is advertised when the user configures none.
var DefaultCapabilities = []string{"notifications", "clipboard", "files", "media"}

// DeviceConfig is the local device identity.
type DeviceConfig struct {
	ID           string
	Name         string
	Class        string
	Capabilities []string
}

// NetworkConfig controls listening and discovery.
type NetworkConfig struct {
	Port int
}

// ClipboardConfig controls clipboard sync.
type ClipboardConfig struct {
	MaxContentSize int
	PollInterval   time.Duration
}

// TransferConfig controls file transfer.
type TransferConfig struct {
	ChunkSize   int
	DownloadDir string
}

// SessionConfig controls reconnect pacing.
type SessionConfig struct {
	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
}

// Config is the full persistent configuration.
type Config struct {
	Device    DeviceConfig
	Network   NetworkConfig
	Clipboard ClipboardConfig
	Transfer  TransferConfig
	Session   SessionConfig
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If WINUXCONNECT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(envPrefix + "_DATA_DIR"); override != "" {
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

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// PrivateKeyPath returns the identity key location for a data directory.
func PrivateKeyPath(dataDir string) string {
	return filepath.Join(dataDir, "keys", "identity.pem")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads configuration for a data directory, applying defaults and
// WINUXCONNECT_* environment overrides. A first run mints a device identity
// and persists it so the ID is stable across restarts.
func Load(dataDir string) (Config, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v, dataDir)

	v.SetConfigType("yaml")
	v.SetConfigFile(ConfigPath(dataDir))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing config file means first run; defaults cover it.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Device.ID == "" {
		cfg.Device.ID = uuid.NewString()
		if err := Save(dataDir, cfg); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

// Save writes the configuration to config.yaml in the data directory.
func Save(dataDir string, cfg Config) error {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("device.id", cfg.Device.ID)
	v.Set("device.name", cfg.Device.Name)
	v.Set("device.class", cfg.Device.Class)
	v.Set("device.capabilities", cfg.Device.Capabilities)
	v.Set("network.port", cfg.Network.Port)
	v.Set("clipboard.maxcontentsize", cfg.Clipboard.MaxContentSize)
	v.Set("clipboard.pollinterval", cfg.Clipboard.PollInterval.String())
	v.Set("transfer.chunksize", cfg.Transfer.ChunkSize)
	v.Set("transfer.downloaddir", cfg.Transfer.DownloadDir)
	v.Set("session.reconnectbasedelay", cfg.Session.ReconnectBaseDelay.String())
	v.Set("session.reconnectmaxattempts", cfg.Session.ReconnectMaxAttempts)

	if err := v.WriteConfigAs(ConfigPath(dataDir)); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper, dataDir string) {
	deviceName := "Winux Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}
	downloadDir := filepath.Join(dataDir, "downloads")
	if home, err := os.UserHomeDir(); err == nil {
		downloadDir = filepath.Join(home, "Downloads")
	}

	v.SetDefault("device.id", "")
	v.SetDefault("device.name", deviceName)
	v.SetDefault("device.class", "desktop")
	v.SetDefault("device.capabilities", DefaultCapabilities)
	v.SetDefault("network.port", DefaultListeningPort)
	v.SetDefault("clipboard.maxcontentsize", 1<<20)
	v.SetDefault("clipboard.pollinterval", "1s")
	v.SetDefault("transfer.chunksize", 64*1024)
	v.SetDefault("transfer.downloaddir", downloadDir)
	v.SetDefault("session.reconnectbasedelay", "2s")
	v.SetDefault("session.reconnectmaxattempts", 5)
}
