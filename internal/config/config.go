// Package config assembles the kprof command configuration.
//
// Sources are layered, later ones winning: built-in defaults, an optional
// YAML file (-config or KPROF_CONFIG), KPROF_* environment variables, and
// finally flags given on the command line.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/ALTree/kprof/internal/output"
	"github.com/ALTree/kprof/internal/profbuf"
)

const (
	FormatPerfetto = "perfetto"
	FormatChrome   = "chrome"
	FormatOTLP     = "otlp"
)

type OTLP struct {
	Endpoint    string        `yaml:"endpoint"     env:"KPROF_OTLP_ENDPOINT"`
	Timeout     time.Duration `yaml:"timeout"      env:"KPROF_OTLP_TIMEOUT"`
	ServiceName string        `yaml:"service_name" env:"KPROF_OTLP_SERVICE_NAME"`
	// Epoch is the RFC 3339 wall time that device tick 0 maps to. Empty
	// means the time of the run.
	Epoch string `yaml:"epoch" env:"KPROF_OTLP_EPOCH"`
}

// Config holds kprof command configuration.
type Config struct {
	ConfigFile string `yaml:"-" env:"KPROF_CONFIG"`

	Input     string `yaml:"input"      env:"KPROF_INPUT"`
	Layout    string `yaml:"layout"     env:"KPROF_LAYOUT"`
	ByteOrder string `yaml:"byte_order" env:"KPROF_BYTE_ORDER"`

	Output      string `yaml:"output"      env:"KPROF_OUTPUT"`
	Format      string `yaml:"format"      env:"KPROF_FORMAT"`
	Compression string `yaml:"compression" env:"KPROF_COMPRESSION"`

	Strict      bool `yaml:"strict"       env:"KPROF_STRICT"`
	EagerGroups bool `yaml:"eager_groups" env:"KPROF_EAGER_GROUPS"`
	KeepPartial bool `yaml:"keep_partial" env:"KPROF_KEEP_PARTIAL"`

	MetricsFile string `yaml:"metrics_file" env:"KPROF_METRICS_FILE"`
	LogLevel    string `yaml:"log_level"    env:"KPROF_LOG_LEVEL"`

	// Verbose prints decoded instructions whose timestamp falls in
	// [Start, End].
	Verbose bool   `yaml:"verbose" env:"KPROF_VERBOSE"`
	Start   uint64 `yaml:"start"   env:"KPROF_START"`
	End     uint64 `yaml:"end"     env:"KPROF_END"`

	OTLP OTLP `yaml:"otlp"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Layout:      string(profbuf.Words),
		ByteOrder:   "little",
		Format:      FormatPerfetto,
		Compression: string(output.None),
		LogLevel:    "info",
		End:         1<<32 - 1,
		OTLP: OTLP{
			Endpoint:    "http://localhost:4318",
			Timeout:     30 * time.Second,
			ServiceName: "kprof",
		},
	}
}

// Load overlays the YAML file at path onto cfg. Keys absent from the file
// keep their current value.
func Load(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func bind(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML configuration file")
	fs.StringVar(&cfg.Input, "i", cfg.Input, "profiling buffer dump (or first argument)")
	fs.StringVar(&cfg.Layout, "layout", cfg.Layout, "dump layout: words or entries")
	fs.StringVar(&cfg.ByteOrder, "byte-order", cfg.ByteOrder, "dump byte order: little or big")
	fs.StringVar(&cfg.Output, "o", cfg.Output, "output trace file")
	fs.StringVar(&cfg.Format, "format", cfg.Format, "output format: perfetto, chrome or otlp")
	fs.StringVar(&cfg.Compression, "compress", cfg.Compression, "output compression: none, gzip, zstd or snappy")
	fs.BoolVar(&cfg.Strict, "strict", cfg.Strict, "abort on the first protocol violation")
	fs.BoolVar(&cfg.EagerGroups, "eager-groups", cfg.EagerGroups, "create a group for every block in the header")
	fs.BoolVar(&cfg.KeepPartial, "keep-partial", cfg.KeepPartial, "write the partial trace when decoding fails")
	fs.StringVar(&cfg.MetricsFile, "metrics-file", cfg.MetricsFile, "write decode metrics in Prometheus text format")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "print decoded instructions")
	fs.Uint64Var(&cfg.Start, "s", cfg.Start, "verbose: start timestamp")
	fs.Uint64Var(&cfg.End, "e", cfg.End, "verbose: end timestamp")
	fs.StringVar(&cfg.OTLP.Endpoint, "otlp-endpoint", cfg.OTLP.Endpoint, "OTLP/HTTP endpoint URL")
	fs.DurationVar(&cfg.OTLP.Timeout, "otlp-timeout", cfg.OTLP.Timeout, "OTLP export timeout")
	fs.StringVar(&cfg.OTLP.ServiceName, "service-name", cfg.OTLP.ServiceName, "OTLP service.name")
	fs.StringVar(&cfg.OTLP.Epoch, "otlp-epoch", cfg.OTLP.Epoch, "RFC 3339 time of device tick 0")
}

// ParseConfig parses args with fs and layers the result over defaults,
// the YAML file and the environment. The first positional argument is
// taken as the input path when -i is not given.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	flagged := Default()
	bind(fs, &flagged)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	path := flagged.ConfigFile
	if path == "" {
		path = os.Getenv("KPROF_CONFIG")
	}
	if path != "" {
		if err := Load(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	// Replay only the flags that were given so they override the file
	// and environment without resetting them to defaults.
	apply := flag.NewFlagSet(fs.Name(), flag.ContinueOnError)
	bind(apply, &cfg)
	var err error
	fs.Visit(func(f *flag.Flag) {
		if err == nil {
			err = apply.Set(f.Name, f.Value.String())
		}
	})
	if err != nil {
		return Config{}, err
	}
	cfg.ConfigFile = path

	if cfg.Input == "" && fs.NArg() > 0 {
		cfg.Input = fs.Arg(0)
	}
	return cfg, nil
}

// Validate reports the first invalid or missing setting.
func (c Config) Validate() error {
	if c.Input == "" {
		return errors.New("input dump is required")
	}
	if _, err := profbuf.ParseLayout(c.Layout); err != nil {
		return err
	}
	if _, err := profbuf.ParseByteOrder(c.ByteOrder); err != nil {
		return err
	}
	if _, err := output.ParseCompression(c.Compression); err != nil {
		return err
	}
	switch c.Format {
	case FormatPerfetto, FormatChrome:
		if c.Output == "" {
			return errors.New("output file is required (-o)")
		}
	case FormatOTLP:
		if c.OTLP.Endpoint == "" {
			return errors.New("otlp endpoint is required")
		}
		if _, err := c.OTLP.EpochTime(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q", c.Format)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.Start > c.End {
		return fmt.Errorf("start timestamp %d is after end %d", c.Start, c.End)
	}
	return nil
}

// EpochTime parses Epoch, returning the zero time when it is unset.
func (o OTLP) EpochTime() (time.Time, error) {
	if o.Epoch == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, o.Epoch)
	if err != nil {
		return time.Time{}, fmt.Errorf("otlp epoch: %w", err)
	}
	return t, nil
}
