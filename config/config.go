package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "aiperf"
	// DefaultTransferPort is the receiver service port when no override exists.
	DefaultTransferPort = 8765
	// DefaultUploadBaseURL is the release artifact upload endpoint.
	DefaultUploadBaseURL = "http://127.0.0.1:8882/api/upload"
	// identityFileName is the persisted device identity file.
	identityFileName = "identity.json"
	// settingsFileName is the user-editable settings file.
	settingsFileName = "config.yaml"
	// envPrefix namespaces environment overrides, e.g. LANTRANSFER_TRANSFER_PORT.
	envPrefix = "LANTRANSFER"
)

// Settings contains user-tunable values read at startup. Unlike Identity
// they are never written back.
type Settings struct {
	TransferPort  int
	SaveDir       string
	UploadBaseURL string
	LogPath       string
}

// Identity contains the persistent local-device identity. User identity
// (account id, display name, avatar) is owned by the host application and
// passed in separately.
type Identity struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANTRANSFER_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("LANTRANSFER_DATA_DIR"); override != "" {
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

// LoadSettings reads config.yaml under dataDir with defaults and environment
// overrides applied.
func LoadSettings(dataDir string) (Settings, error) {
	home, _ := os.UserHomeDir()
	defaultSaveDir := filepath.Join(home, "Downloads")

	v := viper.New()
	v.SetConfigFile(filepath.Join(dataDir, settingsFileName))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("transfer.port", DefaultTransferPort)
	v.SetDefault("transfer.save_dir", defaultSaveDir)
	v.SetDefault("upload.base_url", DefaultUploadBaseURL)
	v.SetDefault("log.path", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("read settings: %w", err)
		}
	}

	settings := Settings{
		TransferPort:  v.GetInt("transfer.port"),
		SaveDir:       v.GetString("transfer.save_dir"),
		UploadBaseURL: v.GetString("upload.base_url"),
		LogPath:       v.GetString("log.path"),
	}
	if settings.TransferPort <= 0 {
		settings.TransferPort = DefaultTransferPort
	}
	if settings.SaveDir == "" {
		settings.SaveDir = defaultSaveDir
	}
	return settings, nil
}

// IdentityPath returns the full path to identity.json for a data directory.
func IdentityPath(dataDir string) string {
	return filepath.Join(dataDir, identityFileName)
}

// LoadIdentity reads and unmarshals identity.json from disk.
func LoadIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	var identity Identity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}

	return &identity, nil
}

// SaveIdentity marshals and writes identity.json to disk.
func SaveIdentity(path string, identity *Identity) error {
	raw, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}

	return nil
}

// LoadOrCreateIdentity ensures the data directory and identity exist, then
// returns the identity and its path.
func LoadOrCreateIdentity() (*Identity, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create data directory: %w", err)
	}

	path := IdentityPath(dataDir)
	identity, err := LoadIdentity(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		identity = defaultIdentity()
		if err := SaveIdentity(path, identity); err != nil {
			return nil, "", err
		}
		return identity, path, nil
	}

	if normalizeDefaults(identity) {
		if err := SaveIdentity(path, identity); err != nil {
			return nil, "", err
		}
	}

	return identity, path, nil
}

func defaultIdentity() *Identity {
	identity := &Identity{DeviceID: uuid.NewString()}
	identity.DeviceName = hostDeviceName()
	return identity
}

func normalizeDefaults(identity *Identity) bool {
	updated := false

	if identity.DeviceID == "" {
		identity.DeviceID = uuid.NewString()
		updated = true
	}
	if identity.DeviceName == "" {
		identity.DeviceName = hostDeviceName()
		updated = true
	}

	return updated
}

func hostDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "LAN Transfer Device"
}
