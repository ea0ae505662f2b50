// Package config loads bgp-features run configuration.
//
// Values are layered: defaults, then the YAML file, then BGP_FEATURES_*
// environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Record sources.
const (
	SourceBGPDump = "bgpdump"
	SourceRISLive = "rislive"
)

// defaultCollector is subscribed to when rislive runs without a collector.
const defaultCollector = "rrc00"

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "BGP_FEATURES_"

// DayLayout is the format of the DATE argument.
const DayLayout = "2006-01-02"

// Config is the configuration of one run.
type Config struct {
	// Date is the UTC day to process, as YYYY-MM-DD.
	Date string `yaml:"date"`

	// Collector restricts the run to one collector. Empty reads all.
	Collector string `yaml:"collector"`

	// PeerASN restricts the run to one peer. Zero reads all.
	PeerASN uint32 `yaml:"peer_asn"`

	// Source is bgpdump or rislive.
	Source string `yaml:"source"`

	// Inputs are bgpdump -m files, plain or gzip, read in order.
	Inputs []string `yaml:"inputs"`

	// IncludeUpdates also aggregates announcements, not only RIB entries.
	IncludeUpdates bool `yaml:"include_updates"`

	// Shards is the number of aggregation workers. 1 aggregates inline.
	Shards int `yaml:"shards"`
	// ShardBuffer is the queue length of each aggregation worker.
	ShardBuffer int `yaml:"shard_buffer"`

	OutputDir   string `yaml:"output_dir"`
	Compression string `yaml:"compression"`

	DatabaseURL string `yaml:"database_url"`
	// ASNData is a CSV of asn,country_code used to tag PostgreSQL rows.
	ASNData string `yaml:"asn_data"`

	RedisURL string        `yaml:"redis_url"`
	RedisTTL time.Duration `yaml:"redis_ttl"`

	S3 S3Config `yaml:"s3"`

	RISLive RISLiveConfig `yaml:"rislive"`

	StatsInterval time.Duration `yaml:"stats_interval"`
}

// S3Config configures uploads of the Parquet output. Empty Bucket disables it.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// RISLiveConfig configures the streaming source.
type RISLiveConfig struct {
	URL           string `yaml:"url"`
	MaxReconnects int    `yaml:"max_reconnects"`
	BufferSize    int    `yaml:"buffer_size"`
}

// Load loads configuration from a YAML file on top of the defaults.
// The result is not validated, since flags may still complete it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Source:      SourceBGPDump,
		Shards:      1,
		ShardBuffer: 10000,
		OutputDir:   ".",
		Compression: "zstd",
		RedisTTL:    7 * 24 * time.Hour,
		RISLive: RISLiveConfig{
			URL:           "wss://ris-live.ripe.net/v1/ws/",
			MaxReconnects: 10,
			BufferSize:    100000,
		},
		StatsInterval: 30 * time.Second,
	}
}

// ApplyEnv overrides fields from BGP_FEATURES_* variables returned by getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}

	str("DATE", &c.Date)
	str("COLLECTOR", &c.Collector)
	str("SOURCE", &c.Source)
	str("OUTPUT_DIR", &c.OutputDir)
	str("COMPRESSION", &c.Compression)
	str("DATABASE", &c.DatabaseURL)
	str("ASN_DATA", &c.ASNData)
	str("REDIS", &c.RedisURL)
	str("S3_BUCKET", &c.S3.Bucket)
	str("S3_PREFIX", &c.S3.Prefix)
	str("S3_REGION", &c.S3.Region)
	str("S3_ENDPOINT", &c.S3.Endpoint)
	str("RISLIVE_URL", &c.RISLive.URL)

	if v := getenv(EnvPrefix + "PEER_ASN"); v != "" {
		asn, err := ParseASN(v)
		if err != nil {
			errs = append(errs, err)
		}
		c.PeerASN = asn
	}
	if v := getenv(EnvPrefix + "INPUTS"); v != "" {
		c.Inputs = SplitList(v)
	}
	if v := getenv(EnvPrefix + "SHARDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSHARDS: %w", EnvPrefix, err))
		}
		c.Shards = n
	}
	if v := getenv(EnvPrefix + "INCLUDE_UPDATES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sINCLUDE_UPDATES: %w", EnvPrefix, err))
		}
		c.IncludeUpdates = b
	}
	if v := getenv(EnvPrefix + "REDIS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sREDIS_TTL: %w", EnvPrefix, err))
		}
		c.RedisTTL = d
	}

	return errors.Join(errs...)
}

// Day parses Date as a UTC day.
func (c *Config) Day() (time.Time, error) {
	day, err := time.ParseInLocation(DayLayout, c.Date, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: expected YYYY-MM-DD", c.Date)
	}
	return day, nil
}

// Collectors returns the RIS Live collectors to subscribe to.
func (c *Config) Collectors() []string {
	if c.Collector == "" {
		return []string{defaultCollector}
	}
	return SplitList(c.Collector)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Day(); err != nil {
		errs = append(errs, err)
	}

	switch c.Source {
	case SourceBGPDump:
		if len(c.Inputs) == 0 {
			errs = append(errs, errors.New("inputs: at least one bgpdump file is required"))
		}
		if strings.Contains(c.Collector, ",") {
			errs = append(errs, errors.New("collector: bgpdump input comes from a single collector"))
		}
	case SourceRISLive:
		if c.RISLive.URL == "" {
			errs = append(errs, errors.New("rislive.url is required"))
		}
		if c.RISLive.MaxReconnects < 0 {
			errs = append(errs, errors.New("rislive.max_reconnects must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("source: unknown source %q", c.Source))
	}

	if c.Shards < 1 {
		errs = append(errs, errors.New("shards must be positive"))
	}
	if c.Shards > 1 && c.ShardBuffer < 1 {
		errs = append(errs, errors.New("shard_buffer must be positive"))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	switch c.Compression {
	case "zstd", "snappy", "gzip", "lz4", "none":
	default:
		errs = append(errs, fmt.Errorf("compression: unknown algorithm %q", c.Compression))
	}
	if c.RedisURL != "" && c.RedisTTL <= 0 {
		errs = append(errs, errors.New("redis_ttl must be positive"))
	}
	if c.StatsInterval <= 0 {
		errs = append(errs, errors.New("stats_interval must be positive"))
	}

	return errors.Join(errs...)
}

// ParseASN parses a peer ASN argument.
func ParseASN(s string) (uint32, error) {
	asn, err := strconv.ParseUint(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "AS"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("peer asn %q: %w", s, err)
	}
	return uint32(asn), nil
}

// SplitList splits a comma-separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
