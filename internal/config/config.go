package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	Bot           struct {
		URL                    string `json:"url"`
		ExpectedSHA256         string `json:"expected_sha256"`
		AutoUpdate             bool   `json:"auto_update"`
		TimeoutMs              int    `json:"timeout_ms"`
		MaxScriptBytes         int64  `json:"max_script_bytes"`
		MaxExecutionsPerMinute int    `json:"max_executions_per_minute"`
		MinDownloadIntervalSec int    `json:"min_download_interval_sec"`
	} `json:"bot"`
	Debug struct {
		Enabled bool `json:"enabled"`
		MaxLogs int  `json:"max_logs"`
	} `json:"debug"`
	Attachments struct {
		Enabled       bool  `json:"enabled"`
		SendEnabled   bool  `json:"send_enabled"`
		MaxFileBytes  int64 `json:"max_file_bytes"`
		MaxTotalBytes int64 `json:"max_total_bytes"`
		MaxAgeHours   int   `json:"max_age_hours"`
	} `json:"attachments"`
	HTTP struct {
		Enabled          bool   `json:"enabled"`
		Listen           string `json:"listen"`
		DefaultTimeoutMs int    `json:"default_timeout_ms"`
		MaxTimeoutMs     int    `json:"max_timeout_ms"`
	} `json:"http"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
	Device struct {
		Unmetered  bool `json:"unmetered"`
		BatteryLow bool `json:"battery_low"`
	} `json:"device"`
	// Apps maps package identifiers to display names for getAppName.
	Apps map[string]string `json:"apps,omitempty"`
}

// Defaults returns the configuration used when no file exists.
func Defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".notibot"),
		MaxConcurrent: 2,
	}
	cfg.LogLevel = "info"
	cfg.Bot.TimeoutMs = 5000
	cfg.Bot.MaxScriptBytes = 100 << 10
	cfg.Bot.MaxExecutionsPerMinute = 100
	cfg.Bot.MinDownloadIntervalSec = 180
	cfg.Debug.MaxLogs = 500
	cfg.Attachments.MaxFileBytes = 5 << 20
	cfg.Attachments.MaxTotalBytes = 10 << 20
	cfg.Attachments.MaxAgeHours = 24
	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = "127.0.0.1:8787"
	cfg.HTTP.DefaultTimeoutMs = 30000
	cfg.HTTP.MaxTimeoutMs = 60000
	cfg.Device.Unmetered = true
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if url := os.Getenv("NOTIBOT_BOT_URL"); url != "" {
		cfg.Bot.URL = url
	}
	if dir := os.Getenv("NOTIBOT_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	return cfg, nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its nested JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns every setting as dot-separated keys, optionally with
// secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads one dot-separated key from the file at path. The file is
// created with defaults if missing.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under key in the existing file at path. Values
// that parse as JSON (numbers, booleans) keep their type; anything else is
// stored as a string.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(m)

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat[key] = parsed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	// Reject values that no longer fit the typed struct.
	if err := json.Unmarshal(data, Defaults()); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return writeFile(path, data)
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	m := make(map[string]any)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return m, nil
}

func (c *Config) BotDir() string         { return filepath.Join(c.DataDir, "bot") }
func (c *Config) StoragePath() string    { return filepath.Join(c.DataDir, "bot_storage.db") }
func (c *Config) AttachmentsDir() string { return filepath.Join(c.DataDir, "bot_attachments") }
func (c *Config) PidPath() string        { return filepath.Join(c.DataDir, "notibot.pid") }

func (c *Config) BotTimeout() time.Duration {
	return time.Duration(c.Bot.TimeoutMs) * time.Millisecond
}

func (c *Config) MinDownloadInterval() time.Duration {
	if c.Bot.MinDownloadIntervalSec < 0 {
		return -1
	}
	return time.Duration(c.Bot.MinDownloadIntervalSec) * time.Second
}

func (c *Config) AttachmentMaxAge() time.Duration {
	return time.Duration(c.Attachments.MaxAgeHours) * time.Hour
}
