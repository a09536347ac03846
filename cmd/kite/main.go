package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	kite "github.com/Kite-IM/Kite/client/golang"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.kite/config.toml.
type Config struct {
	Default ConfigDefault  `toml:"default"`
	Auth    ConfigAuth     `toml:"auth"`
	Log     kite.LogConfig `toml:"log"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	ServerURL string `toml:"server_url"`
	StorePath string `toml:"store_path"`
}

// ConfigAuth holds the signed-in account state.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID int64  `toml:"user_id"`
	UID    string `toml:"uid"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.kite, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".kite")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// parseConvKey resolves a positional conversation id plus the --group flag
// into a conversation key.
func parseConvKey(arg string, group bool) (kite.ConvKey, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return kite.ConvKey{}, fmt.Errorf("invalid conversation id %q", arg)
	}
	if group {
		return kite.GroupConv(id), nil
	}
	return kite.PrivateConv(id), nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "kite",
	Short: "Kite IM client CLI",
	Long:  "Command-line interface for the Kite IM client.\nManage sign-in, send messages, browse history, and run a live session.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
