package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPath is used when no --config flag is given
const DefaultPath = "printdesk.toml"

// Duration is a time.Duration that reads and writes TOML strings such as "5s"
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}

	*d = Duration(v)

	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all application settings
type Config struct {
	Serial struct {
		Port             string   `toml:"port"`
		Baud             int      `toml:"baud"`
		Dialect          string   `toml:"dialect"`
		DialectFile      string   `toml:"dialect_file"`
		CommandTimeout   Duration `toml:"command_timeout"`
		HandshakeTimeout Duration `toml:"handshake_timeout"`
	} `toml:"serial"`

	Slicer struct {
		Executable string   `toml:"executable"`
		OutputDir  string   `toml:"output_dir"`
		Timeout    Duration `toml:"timeout"`
		ExtraFlags []string `toml:"extra_flags"`
		Profile    string   `toml:"profile"`
	} `toml:"slicer"`

	// Poll sets how often serve reads printer status. A zero idle interval turns polling off.
	Poll struct {
		IdleInterval     Duration `toml:"idle_interval"`
		PrintingInterval Duration `toml:"printing_interval"`
	} `toml:"poll"`

	Web struct {
		Address   string `toml:"address"`
		UploadDir string `toml:"upload_dir"`
	} `toml:"web"`
}

// Default returns the built-in settings
func Default() *Config {
	cfg := &Config{}
	cfg.Serial.Baud = 115200
	cfg.Serial.Dialect = "reference"
	cfg.Serial.CommandTimeout = Duration(5 * time.Second)
	cfg.Serial.HandshakeTimeout = Duration(5 * time.Second)
	cfg.Slicer.OutputDir = "gcode"
	cfg.Slicer.Timeout = Duration(10 * time.Minute)
	cfg.Slicer.ExtraFlags = []string{}
	cfg.Poll.IdleInterval = Duration(2 * time.Second)
	cfg.Poll.PrintingInterval = Duration(10 * time.Second)
	cfg.Web.Address = "127.0.0.1:8080"
	cfg.Web.UploadDir = "files/uploads"

	return cfg
}

// Load reads the config file. A missing file is created with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Save(path)
		}

		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return Parse(data)
}

// Parse decodes TOML on top of the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the current settings to path
func (cfg *Config) Save(path string) error {
	var buf bytes.Buffer

	err := toml.NewEncoder(&buf).Encode(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		err = os.MkdirAll(dir, 0755)
		if err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	err = os.WriteFile(path, buf.Bytes(), 0644)
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Validate checks value ranges
func (cfg *Config) Validate() error {
	if cfg.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive, got %d", cfg.Serial.Baud)
	}

	if cfg.Serial.CommandTimeout <= 0 {
		return errors.New("serial.command_timeout must be positive")
	}

	if cfg.Serial.HandshakeTimeout <= 0 {
		return errors.New("serial.handshake_timeout must be positive")
	}

	if cfg.Slicer.Timeout <= 0 {
		return errors.New("slicer.timeout must be positive")
	}

	if cfg.Slicer.OutputDir == "" {
		return errors.New("slicer.output_dir cannot be empty")
	}

	if cfg.Poll.IdleInterval < 0 || cfg.Poll.PrintingInterval < 0 {
		return errors.New("poll intervals cannot be negative")
	}

	return nil
}
