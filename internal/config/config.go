package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"
)

// Duration wraps time.Duration so TOML files can say "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the daemon configuration.
type Config struct {
	Listen  string `toml:"listen"`
	DBPath  string `toml:"db_path"`
	Verbose bool   `toml:"verbose"`

	// OracleKey is the TOML key file of the reference oracle. When empty a
	// fresh key is generated at start-up.
	OracleKey     string   `toml:"oracle_key"`
	OracleDelay   Duration `toml:"oracle_delay"`
	OracleWorkers int      `toml:"oracle_workers"`

	// RequestTTL is how long a decryption request stays pending before the
	// creator may replace it. Zero keeps requests pending forever.
	RequestTTL      Duration `toml:"request_ttl"`
	SweepInterval   Duration `toml:"sweep_interval"`
	MaxParticipants uint64   `toml:"max_participants"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:          ":8080",
		DBPath:          "lottery.db",
		OracleDelay:     Duration{2 * time.Second},
		OracleWorkers:   2,
		RequestTTL:      Duration{time.Hour},
		SweepInterval:   Duration{10 * time.Minute},
		MaxParticipants: 1 << 16,
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, xerrors.Errorf("parsing config %s: %v", path, err)
	}
	if cfg.MaxParticipants == 0 {
		return nil, xerrors.New("max_participants must be positive")
	}
	return cfg, nil
}
