package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/tablesync/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	defaultBackend = types.BackendSQLite
	defaultTimeout = 30 * time.Second
)

// defaultConfigYAML is the content written to config.yaml on first run.
const defaultConfigYAML = `# tablesync configuration

# Persistent cache backend: sqlite or memory.
backend: sqlite

# Cache data directory (optional; overridable by --data-dir)
# data_dir:

# sync_strategy: immediate   # immediate, on_close or batch
# query_batch_max: 30
# query_window: 1ms
# freshness: 1s

remote:
  url: http://localhost:8080
  # token:
  # timeout: 30s

tables:
  - name: users
    fields: [id, name, email, team]
    indices:
      - {name: primary, fields: [id], primary: true}
      - {name: email, fields: [email], unique: true}
      - {name: team, fields: [team]}
    cache:
      enabled: true
`

// remoteConfig locates the table server.
type remoteConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// fileConfig is the decoded config.yaml.
type fileConfig struct {
	Store  types.Config
	Remote remoteConfig
	Tables []types.TableSpec
}

// table returns the table spec of the named table.
func (c *fileConfig) table(name string) (types.TableSpec, error) {
	names := make([]string, 0, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == name {
			return t, nil
		}
		names = append(names, t.Name)
	}
	return types.TableSpec{}, types.ConfigError(types.ErrInvalidTableName, "cli",
		"unknown table %q (configured: %s)", name, strings.Join(names, ", "))
}

// loadConfig reads config.yaml from configDir using Viper. It creates the
// directory and a default config.yaml on first run.
func loadConfig(configDir string) (*fileConfig, error) {
	if err := ensureConfigDir(configDir); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault("backend", defaultBackend)
	v.SetDefault("remote.timeout", defaultTimeout)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg fileConfig
	if err := v.Unmarshal(&cfg.Store); err != nil {
		return nil, types.ConfigError(err, "cli", "decoding store settings")
	}
	if err := v.UnmarshalKey("remote", &cfg.Remote); err != nil {
		return nil, types.ConfigError(err, "cli", "decoding remote settings")
	}
	if err := v.UnmarshalKey("tables", &cfg.Tables); err != nil {
		return nil, types.ConfigError(err, "cli", "decoding tables")
	}
	if err := cfg.Store.Validate(); err != nil {
		return nil, types.ConfigError(err, "cli", "config.yaml")
	}
	return &cfg, nil
}

func ensureConfigDir(configDir string) error {
	return os.MkdirAll(configDir, 0o755)
}

// ensureDefaultConfigFile creates a default config.yaml if none exists.
func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, configFileExt)
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
