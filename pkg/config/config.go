package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Run modes
const (
	ModeServer = "server"
	ModeOnce   = "once"
)

// Config represents the application configuration
type Config struct {
	Mode    string        `mapstructure:"mode"`
	Probe   ProbeConfig   `mapstructure:"probe"`
	Geo     GeoConfig     `mapstructure:"geo"`
	API     APIConfig     `mapstructure:"api"`
	Log     LogConfig     `mapstructure:"log"`
	Report  ReportConfig  `mapstructure:"report"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ProbeConfig groups the settings shared by the ping, download and upload samplers.
type ProbeConfig struct {
	// TestDuration is the wall-clock length of the download and upload phases
	TestDuration time.Duration `mapstructure:"test_duration"`
	// FailureDelay is the minimum spacing between attempts after a failed request
	FailureDelay time.Duration `mapstructure:"failure_delay"`
	// RequestGrace extends the per-request deadline past the end of a timed phase
	RequestGrace time.Duration  `mapstructure:"request_grace"`
	Ping         PingConfig     `mapstructure:"ping"`
	Download     DownloadConfig `mapstructure:"download"`
	Upload       UploadConfig   `mapstructure:"upload"`
}

type PingConfig struct {
	URL      string        `mapstructure:"url"`
	Count    int           `mapstructure:"count"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type DownloadConfig struct {
	URLs                TierURLs `mapstructure:"urls"`
	EscalateAfter       int      `mapstructure:"escalate_after"`
	MediumThresholdMbps float64  `mapstructure:"medium_threshold_mbps"`
	LargeThresholdMbps  float64  `mapstructure:"large_threshold_mbps"`
	BufferSize          int      `mapstructure:"buffer_size"`
}

// TierURLs holds the download payload URL for each size tier.
type TierURLs struct {
	Small  string `mapstructure:"small"`
	Medium string `mapstructure:"medium"`
	Large  string `mapstructure:"large"`
}

type UploadConfig struct {
	URL         string `mapstructure:"url"`
	PayloadSize int    `mapstructure:"payload_size"`
}

type GeoConfig struct {
	URL             string        `mapstructure:"url"`
	Token           string        `mapstructure:"token"`
	TokenFile       string        `mapstructure:"token_file"`
	FlagURLTemplate string        `mapstructure:"flag_url_template"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type APIConfig struct {
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	RedactIP bool   `mapstructure:"redact_ip"`
}

type ReportConfig struct {
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

const wikimediaThumb = "https://upload.wikimedia.org/wikipedia/commons/thumb/4/47/PNG_transparency_demonstration_1.png/"

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/netprobe")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("NETPROBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// IPINFO_TOKEN is the variable ipinfo.io's own tooling reads
	if token := os.Getenv("IPINFO_TOKEN"); token != "" {
		v.Set("geo.token", token)
	}
	if tokenFile := os.Getenv("IPINFO_TOKEN_FILE"); tokenFile != "" {
		v.Set("geo.token_file", tokenFile)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.resolveGeoToken(); err != nil {
		return nil, fmt.Errorf("failed to resolve ipinfo token: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeServer)

	v.SetDefault("probe.test_duration", "10s")
	v.SetDefault("probe.failure_delay", "250ms")
	v.SetDefault("probe.request_grace", "5s")

	v.SetDefault("probe.ping.url", "https://www.cloudflare.com/cdn-cgi/trace")
	v.SetDefault("probe.ping.count", 5)
	v.SetDefault("probe.ping.interval", "200ms")
	v.SetDefault("probe.ping.timeout", "5s")

	v.SetDefault("probe.download.urls.small", wikimediaThumb+"320px-PNG_transparency_demonstration_1.png")
	v.SetDefault("probe.download.urls.medium", wikimediaThumb+"640px-PNG_transparency_demonstration_1.png")
	v.SetDefault("probe.download.urls.large", wikimediaThumb+"1200px-PNG_transparency_demonstration_1.png")
	v.SetDefault("probe.download.escalate_after", 50)
	v.SetDefault("probe.download.medium_threshold_mbps", 50.0)
	v.SetDefault("probe.download.large_threshold_mbps", 100.0)
	v.SetDefault("probe.download.buffer_size", 32*1024)

	v.SetDefault("probe.upload.url", "https://httpbin.org/post")
	v.SetDefault("probe.upload.payload_size", 1024*1024)

	v.SetDefault("geo.url", "https://ipinfo.io/json")
	v.SetDefault("geo.token", "")
	v.SetDefault("geo.token_file", "")
	v.SetDefault("geo.flag_url_template", "https://www.mio-ip.it/wp-content/themes/mio-ip-child/img/svg_flags/%s.svg")
	v.SetDefault("geo.timeout", "5s")

	v.SetDefault("api.listen", "127.0.0.1:8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.redact_ip", false)

	v.SetDefault("report.format", "text")

	v.SetDefault("metrics.history_size", 20)
}

// resolveGeoToken reads the ipinfo token from file if one is configured and no
// inline token was given.
func (c *Config) resolveGeoToken() error {
	if c.Geo.Token != "" || c.Geo.TokenFile == "" {
		return nil
	}

	tokenBytes, err := os.ReadFile(c.Geo.TokenFile)
	if err != nil {
		return fmt.Errorf("failed to read ipinfo token file %s: %w", c.Geo.TokenFile, err)
	}

	c.Geo.Token = strings.TrimSpace(string(tokenBytes))
	if c.Geo.Token == "" {
		return fmt.Errorf("ipinfo token file %s is empty", c.Geo.TokenFile)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeServer, ModeOnce:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}

	if c.Probe.TestDuration <= 0 {
		return fmt.Errorf("test duration must be positive")
	}

	if c.Probe.FailureDelay < 0 {
		return fmt.Errorf("failure delay must be non-negative")
	}

	if c.Probe.Ping.Count <= 0 {
		return fmt.Errorf("ping count must be positive")
	}

	if c.Probe.Ping.URL == "" || c.Probe.Upload.URL == "" || c.Geo.URL == "" {
		return fmt.Errorf("ping, upload and geolocation URLs are required")
	}

	urls := c.Probe.Download.URLs
	if urls.Small == "" || urls.Medium == "" || urls.Large == "" {
		return fmt.Errorf("download URLs are required for every tier")
	}

	if c.Probe.Download.MediumThresholdMbps > c.Probe.Download.LargeThresholdMbps {
		return fmt.Errorf("medium threshold must not exceed large threshold")
	}

	if c.Probe.Download.BufferSize <= 0 {
		return fmt.Errorf("download buffer size must be positive")
	}

	if c.Probe.Upload.PayloadSize <= 0 {
		return fmt.Errorf("upload payload size must be positive")
	}

	if !strings.Contains(c.Geo.FlagURLTemplate, "%s") {
		return fmt.Errorf("flag URL template must contain %%s")
	}

	switch c.Report.Format {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown report format %q", c.Report.Format)
	}

	return nil
}
