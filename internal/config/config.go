package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultTargetURL is the course-selection endpoint the tool was built around.
const DefaultTargetURL = "https://jwxk.jnu.edu.cn/xsxkapp/sys/xsxkapp/elective/volunteer.do"

// Config application configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Target   TargetConfig   `yaml:"target" mapstructure:"target"`
	Capture  CaptureConfig  `yaml:"capture" mapstructure:"capture"`
	Schedule ScheduleConfig `yaml:"schedule" mapstructure:"schedule"`
	Client   ClientConfig   `yaml:"client" mapstructure:"client"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Output   OutputConfig   `yaml:"output" mapstructure:"output"`
}

// ServerConfig HTTP server configuration
type ServerConfig struct {
	Port      int    `yaml:"port" mapstructure:"port"`
	AdminPath string `yaml:"admin_path" mapstructure:"admin_path"`
	// MaxBodyBytes limits the size of captured request bodies (0 = unlimited)
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// TargetConfig describes the single endpoint being captured and replayed
type TargetConfig struct {
	URL          string      `yaml:"url" mapstructure:"url"`
	Method       string      `yaml:"method" mapstructure:"method"`
	TokenHeader  string      `yaml:"token_header" mapstructure:"token_header"`
	CookieHeader string      `yaml:"cookie_header" mapstructure:"cookie_header"`
	SuccessField string      `yaml:"success_field" mapstructure:"success_field"`
	SuccessValue string      `yaml:"success_value" mapstructure:"success_value"`
	MessageField string      `yaml:"message_field" mapstructure:"message_field"`
	Label        LabelConfig `yaml:"label" mapstructure:"label"`
}

// LabelConfig tells the executor where the course identifier lives in a body
type LabelConfig struct {
	FormField string `yaml:"form_field" mapstructure:"form_field"`
	JSONPath  string `yaml:"json_path" mapstructure:"json_path"`
}

// CaptureConfig capture mode configuration
type CaptureConfig struct {
	EnableOnStart bool `yaml:"enable_on_start" mapstructure:"enable_on_start"`
	// Adapter selects where proxied traffic is observed: "proxy" (incoming
	// request, lower-case header keys) or "transport" (outgoing round trip).
	Adapter string `yaml:"adapter" mapstructure:"adapter"`
}

// ScheduleConfig default replay schedule and input floors
type ScheduleConfig struct {
	Start         string `yaml:"start" mapstructure:"start"`
	IntervalMs    int    `yaml:"interval_ms" mapstructure:"interval_ms"`
	DurationMs    int    `yaml:"duration_ms" mapstructure:"duration_ms"`
	MinIntervalMs int    `yaml:"min_interval_ms" mapstructure:"min_interval_ms"`
	MinDurationMs int    `yaml:"min_duration_ms" mapstructure:"min_duration_ms"`
}

// ClientConfig replay HTTP client configuration
type ClientConfig struct {
	Timeout               int  `yaml:"timeout" mapstructure:"timeout"`
	MaxIdleConns          int  `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int  `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost       int  `yaml:"max_conns_per_host" mapstructure:"max_conns_per_host"`
	IdleConnTimeout       int  `yaml:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
	ResponseHeaderTimeout int  `yaml:"response_header_timeout" mapstructure:"response_header_timeout"`
	TLSHandshakeTimeout   int  `yaml:"tls_handshake_timeout" mapstructure:"tls_handshake_timeout"`
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify"`
}

// StorageConfig persistence parameters
type StorageConfig struct {
	Driver      string      `yaml:"driver" mapstructure:"driver"`
	Path        string      `yaml:"path" mapstructure:"path"`
	Key         string      `yaml:"key" mapstructure:"key"`
	MaxAttempts int         `yaml:"max_attempts" mapstructure:"max_attempts"`
	Redis       RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig redis driver parameters
type RedisConfig struct {
	Host        string        `yaml:"host" mapstructure:"host"`
	Port        int           `yaml:"port" mapstructure:"port"`
	Password    string        `yaml:"password" mapstructure:"password"`
	DB          int           `yaml:"db" mapstructure:"db"`
	Prefix      string        `yaml:"prefix" mapstructure:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
}

// LogConfig log configuration
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig file log configuration
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// OutputConfig controls CLI status output style
type OutputConfig struct {
	Mode    string `yaml:"mode" mapstructure:"mode"`
	Silence bool   `yaml:"silence" mapstructure:"silence"`
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("REQSNIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.reqsnipe")
		v.AddConfigPath("/etc/reqsnipe")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.Printf("Config file loaded: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return &config, nil
}

// setDefaults set default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 38888)
	v.SetDefault("server.admin_path", "/_reqsnipe")
	v.SetDefault("server.max_body_bytes", int64(10*1024*1024))

	v.SetDefault("target.url", DefaultTargetURL)
	v.SetDefault("target.method", "POST")
	v.SetDefault("target.token_header", "token")
	v.SetDefault("target.cookie_header", "cookie")
	v.SetDefault("target.success_field", "code")
	v.SetDefault("target.success_value", "1")
	v.SetDefault("target.message_field", "msg")
	v.SetDefault("target.label.form_field", "addParam")
	v.SetDefault("target.label.json_path", "data.teachingClassId")

	v.SetDefault("capture.enable_on_start", false)
	v.SetDefault("capture.adapter", "proxy")

	v.SetDefault("schedule.start", "")
	v.SetDefault("schedule.interval_ms", 200)
	v.SetDefault("schedule.duration_ms", 10000)
	v.SetDefault("schedule.min_interval_ms", 50)
	v.SetDefault("schedule.min_duration_ms", 1000)

	v.SetDefault("client.timeout", 30)
	v.SetDefault("client.max_idle_conns", 200)
	v.SetDefault("client.max_idle_conns_per_host", 50)
	v.SetDefault("client.max_conns_per_host", 100)
	v.SetDefault("client.idle_conn_timeout", 90)
	v.SetDefault("client.response_header_timeout", 15)
	v.SetDefault("client.tls_handshake_timeout", 10)
	v.SetDefault("client.tls_insecure_skip_verify", false)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/reqsnipe.db")
	v.SetDefault("storage.key", "corpus")
	v.SetDefault("storage.max_attempts", 10000)
	v.SetDefault("storage.redis.host", "127.0.0.1")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", "reqsnipe:")
	v.SetDefault("storage.redis.dial_timeout", "5s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./reqsnipe.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)
}

// Validate checks configuration values and fills in normalized defaults
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.AdminPath == "" {
		return fmt.Errorf("server admin path cannot be empty")
	}
	if !strings.HasPrefix(c.Server.AdminPath, "/") || c.Server.AdminPath == "/" {
		return fmt.Errorf("server admin path must start with '/' and not be the root")
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server max body bytes cannot be negative")
	}

	if strings.TrimSpace(c.Target.URL) == "" {
		return fmt.Errorf("target url cannot be empty")
	}
	u, err := url.Parse(c.Target.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("target url must be absolute: %s", c.Target.URL)
	}
	if c.Target.Method == "" {
		c.Target.Method = "POST"
	}
	c.Target.Method = strings.ToUpper(c.Target.Method)
	if c.Target.TokenHeader == "" && c.Target.CookieHeader == "" {
		return fmt.Errorf("at least one of target token_header or cookie_header must be set")
	}
	if c.Target.SuccessField == "" {
		return fmt.Errorf("target success_field cannot be empty")
	}

	switch strings.ToLower(strings.TrimSpace(c.Capture.Adapter)) {
	case "", "proxy":
		c.Capture.Adapter = "proxy"
	case "transport":
		c.Capture.Adapter = "transport"
	default:
		return fmt.Errorf("capture adapter must be 'proxy' or 'transport'")
	}

	if c.Schedule.MinIntervalMs < 1 {
		return fmt.Errorf("schedule min_interval_ms must be at least 1")
	}
	if c.Schedule.MinDurationMs < 1 {
		return fmt.Errorf("schedule min_duration_ms must be at least 1")
	}
	if err := c.Schedule.Check(c.Schedule.IntervalMs, c.Schedule.DurationMs); err != nil {
		return err
	}
	if c.Schedule.Start != "" {
		if _, err := ParseStart(c.Schedule.Start); err != nil {
			return err
		}
	}

	if c.Client.Timeout < 0 {
		return fmt.Errorf("client timeout cannot be negative")
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		c.Storage.Driver = "sqlite"
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage path cannot be empty")
		}
	case "redis":
		c.Storage.Driver = "redis"
		if c.Storage.Redis.Host == "" {
			return fmt.Errorf("storage redis host cannot be empty")
		}
		if c.Storage.Redis.Port < 1 {
			return fmt.Errorf("storage redis port must be positive")
		}
	case "memory":
		c.Storage.Driver = "memory"
	default:
		return fmt.Errorf("storage driver must be sqlite, redis or memory")
	}
	if strings.TrimSpace(c.Storage.Key) == "" {
		return fmt.Errorf("storage key cannot be empty")
	}
	if c.Storage.MaxAttempts < 0 {
		return fmt.Errorf("storage max_attempts cannot be negative")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.FileLogging.Enable {
		if c.Log.FileLogging.Path == "" {
			return fmt.Errorf("log file path cannot be empty when file logging is enabled")
		}
		if c.Log.FileLogging.MaxSizeMB < 1 {
			return fmt.Errorf("log file max size must be at least 1MB")
		}
		if c.Log.FileLogging.MaxBackups < 0 {
			return fmt.Errorf("log file max backups cannot be negative")
		}
		if c.Log.FileLogging.MaxAgeDays < 0 {
			return fmt.Errorf("log file max age cannot be negative")
		}
	}

	switch strings.ToLower(c.Output.Mode) {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}

	return nil
}

// Check enforces the user-facing floors on interval and duration.
func (s ScheduleConfig) Check(intervalMs, durationMs int) error {
	if intervalMs < s.MinIntervalMs {
		return fmt.Errorf("interval must be at least %dms, got %dms", s.MinIntervalMs, intervalMs)
	}
	if durationMs < s.MinDurationMs {
		return fmt.Errorf("duration must be at least %dms, got %dms", s.MinDurationMs, durationMs)
	}
	return nil
}

// startLayouts are accepted in order; layouts without a zone are read as local time.
var startLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseStart parses a start instant.
func ParseStart(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range startLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid start time %q (use RFC3339 or 2006-01-02T15:04)", s)
}
