package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TASKBOARD"

// Config holds the runtime settings of the server.
type Config struct {
	Addr      string `mapstructure:"addr"`
	DBPath    string `mapstructure:"db_path"`
	StaticDir string `mapstructure:"static_dir"`
	LogLevel  string `mapstructure:"log_level"`

	Storage StorageConfig `mapstructure:"storage"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Board   BoardConfig   `mapstructure:"board"`
}

// StorageConfig configures the attachments bucket.
type StorageConfig struct {
	Dir          string        `mapstructure:"dir"`
	Bucket       string        `mapstructure:"bucket"`
	PublicURL    string        `mapstructure:"public_url"`
	SignedURLTTL time.Duration `mapstructure:"signed_url_ttl"`
}

// AuthConfig configures sessions and passwords.
type AuthConfig struct {
	Secret            string        `mapstructure:"secret"`
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	MinPasswordLength int           `mapstructure:"min_password_length"`
	BcryptCost        int           `mapstructure:"bcrypt_cost"`
}

// BoardConfig tunes live boards.
type BoardConfig struct {
	RefreshDelay time.Duration `mapstructure:"refresh_delay"`
	EventBuffer  int           `mapstructure:"event_buffer"`
	// IdleTTL drops live boards nobody requested for this long.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("db_path", "data/taskboard.db")
	v.SetDefault("static_dir", "web/dist")
	v.SetDefault("log_level", "info")
	v.SetDefault("storage.dir", "data/storage")
	v.SetDefault("storage.bucket", "task-attachments")
	v.SetDefault("storage.public_url", "")
	v.SetDefault("storage.signed_url_ttl", time.Hour)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.session_ttl", 24*time.Hour)
	v.SetDefault("auth.min_password_length", 6)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("board.refresh_delay", 120*time.Millisecond)
	v.SetDefault("board.event_buffer", 64)
	v.SetDefault("board.idle_ttl", 30*time.Minute)
}

// LoadDotEnv loads variables from the given .env files, skipping missing ones.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads defaults, then the optional YAML file at path, then
// TASKBOARD_* environment variables (TASKBOARD_AUTH_SECRET for auth.secret).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate checks required settings and fills a random session secret when
// none is configured. It reports whether the secret was generated.
func (c *Config) Validate() (bool, error) {
	switch {
	case c.Addr == "":
		return false, fmt.Errorf("listen address must not be empty")
	case c.DBPath == "":
		return false, fmt.Errorf("database path must not be empty")
	case c.Storage.Dir == "" || c.Storage.Bucket == "":
		return false, fmt.Errorf("storage dir and bucket must be set")
	case c.Auth.MinPasswordLength < 1:
		return false, fmt.Errorf("minimum password length must be positive")
	}
	if c.Auth.Secret != "" {
		return false, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return false, fmt.Errorf("generate session secret: %w", err)
	}
	c.Auth.Secret = hex.EncodeToString(buf)
	return true, nil
}

// PublicURL returns the base used in signed links, derived from Addr when unset.
func (c *Config) PublicURL() string {
	if c.Storage.PublicURL != "" {
		return c.Storage.PublicURL
	}
	host := c.Addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "http://" + host
}

// Exists reports whether a config file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
