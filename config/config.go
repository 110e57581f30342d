// Package config holds the settings of the duorpc binary. Values come from the defaults, then an
// optional TOML file, then DUORPC_* environment variables, then command line flags.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/naoina/toml"
)

// Duration is a time.Duration written as "1.5s" in files and the environment.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Server configures listeners, endpoints and request handling.
type Server struct {
	Listen      string `env:"DUORPC_LISTEN"`
	Path        string `env:"DUORPC_PATH"`         // RPC endpoint; console assets live below it
	StatsPath   string `env:"DUORPC_STATS_PATH"`   // empty disables the stats page
	MetricsPath string `env:"DUORPC_METRICS_PATH"` // empty disables Prometheus metrics

	EnableConsole bool `env:"DUORPC_ENABLE_CONSOLE"`
	EnableWS      bool `env:"DUORPC_ENABLE_WS"`
	EnableDirect  bool `env:"DUORPC_ENABLE_DIRECT"`

	MaxReqSize  int64    `env:"DUORPC_MAX_REQ_SIZE"`
	CORSOrigins []string `env:"DUORPC_CORS_ORIGINS" envSeparator:","`

	Timeout         Duration `env:"DUORPC_TIMEOUT"` // per call; zero disables
	RateLimit       float64  `env:"DUORPC_RATE_LIMIT"`
	RateBurst       int      `env:"DUORPC_RATE_BURST"`
	SniffTimeout    Duration `env:"DUORPC_SNIFF_TIMEOUT"`
	ShutdownTimeout Duration `env:"DUORPC_SHUTDOWN_TIMEOUT"`

	// Advertisement in the service registry.
	Service   string `env:"DUORPC_SERVICE"`
	Advertise string `env:"DUORPC_ADVERTISE"` // URL published for this server
	Weight    int    `env:"DUORPC_WEIGHT"`
	Version   string `env:"DUORPC_VERSION"`
}

// Log configures the logger built by package logging.
type Log struct {
	Verbosity  int    `env:"DUORPC_LOG_VERBOSITY"`
	Debug      bool   `env:"DUORPC_DEBUG"`
	File       string `env:"DUORPC_LOG_FILE"` // empty logs to the console only
	MaxSizeMB  int    `env:"DUORPC_LOG_MAX_SIZE"`
	MaxBackups int    `env:"DUORPC_LOG_MAX_BACKUPS"`
}

// Registry configures service discovery. No endpoints means no registry.
type Registry struct {
	Endpoints   []string `env:"DUORPC_ETCD_ENDPOINTS" envSeparator:","`
	DialTimeout Duration `env:"DUORPC_ETCD_DIAL_TIMEOUT"`
	TTL         int64    `env:"DUORPC_REGISTRY_TTL"`
}

type Config struct {
	Server   Server
	Log      Log
	Registry Registry
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: Server{
			Listen:          "127.0.0.1:8800",
			Path:            "/rpc",
			StatsPath:       "/stats",
			MetricsPath:     "/metrics",
			EnableConsole:   true,
			EnableWS:        true,
			EnableDirect:    true,
			MaxReqSize:      10 * 1024 * 1024,
			SniffTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			Service:         "duorpc",
			Weight:          1,
		},
		Log: Log{
			MaxSizeMB:  100,
			MaxBackups: 2,
		},
		Registry: Registry{
			DialTimeout: Duration(5 * time.Second),
			TTL:         10,
		},
	}
}

var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// Load returns the defaults overlaid with file (if not empty) and the environment.
func Load(file string) (Config, error) {
	cfg := Default()
	if file != "" {
		if err := loadFile(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

func loadFile(file string, cfg *Config) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// Dump renders cfg as TOML.
func Dump(cfg Config) ([]byte, error) {
	return tomlSettings.Marshal(&cfg)
}
