package app

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr     string `mapstructure:"addr"`
	WSPath   string `mapstructure:"ws_path"`
	DBPath   string `mapstructure:"db_path"`
	LogLevel string `mapstructure:"log_level"`
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string `mapstructure:"server_url"`
	WSPath    string `mapstructure:"ws_path"`
	LogLevel  string `mapstructure:"log_level"`
	LogFile   string `mapstructure:"log_file"`
}

// Config is the full file layout: one file can carry both halves.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
}

// Load reads configuration from an optional yaml file and CAMPUSCHAT_
// environment variables, with defaults for everything.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.db_path", DefaultDBPath())
	v.SetDefault("server.log_level", "info")
	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.ws_path", "/ws")
	v.SetDefault("client.log_level", "warn")
	v.SetDefault("client.log_file", "")

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "campuschat"))
	}

	v.SetEnvPrefix("CAMPUSCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		logger.Debug("config file not found, using defaults and env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewLogger builds the process logger at the configured level.
func NewLogger(level string, w *os.File) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("CAMPUSCHAT_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("CAMPUSCHAT_DATA_DIR"); env != "" {
		return filepath.Join(env, "campuschat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "campuschat", "campuschat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "CampusChat", "campuschat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "CampusChat", "campuschat.db")
		}
		return filepath.Join(home, ".local", "share", "campuschat", "campuschat.db")
	}
	return filepath.Join(".", ".campuschat", "campuschat.db")
}

// NormalizeWSPath guarantees the websocket path starts with '/' and falls
// back to /ws when empty.
func NormalizeWSPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
