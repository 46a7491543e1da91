package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config represents the vmlauncher application configuration.
type Config struct {
	Owner    string   `mapstructure:"owner"`
	Backend  string   `mapstructure:"backend"`
	Defaults Defaults `mapstructure:"defaults"`
	Channels Channels `mapstructure:"channels"`
}

// Defaults contains default values applied to machine configs that omit them.
type Defaults struct {
	CPUs        int    `mapstructure:"cpus"`
	MemoryBytes uint64 `mapstructure:"memory_bytes"`
}

// Channels contains the vsock port assignments for the interactive channels.
type Channels struct {
	ClipboardPort uint32 `mapstructure:"clipboard_port"`
	CursorPort    uint32 `mapstructure:"cursor_port"`
}

// Load loads the configuration from the given file, or from
// ~/.vmlauncher/config.yaml when path is empty. A missing default config file
// is fine; defaults apply.
func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return nil, err
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(filepath.Join(home, ".vmlauncher"))
	}

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// An explicitly named config file must exist and parse.
		if path != "" {
			return nil, err
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("owner", "default")
	viper.SetDefault("backend", defaultBackendName())
	viper.SetDefault("defaults.cpus", 2)
	viper.SetDefault("defaults.memory_bytes", 8*1024*1024*1024)

	// Port 3580 is the guest clipboard sharing server; the cursor stream is
	// served one port above it.
	viper.SetDefault("channels.clipboard_port", 3580)
	viper.SetDefault("channels.cursor_port", 3581)
}

// defaultBackendName picks the backend used when none is configured. Only
// macOS hosts can drive Virtualization.framework.
func defaultBackendName() string {
	if runtime.GOOS == "darwin" {
		return "vz"
	}
	return "memory"
}

// ConfigDir returns the vmlauncher configuration directory path.
func ConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".vmlauncher"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	configDir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(configDir, 0755)
}
