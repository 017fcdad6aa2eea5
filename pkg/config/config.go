package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultAPITokenEnv names the variable holding the feed API token
const DefaultAPITokenEnv = "SUBSTREAMS_API_TOKEN"

// AppConfig holds the complete configuration for the sink
type AppConfig struct {
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	ServiceName string `mapstructure:"service_name"`

	Feed       FeedConfig       `mapstructure:"feed"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Sheets     SheetsConfig     `mapstructure:"sheets"`
	Cursor     CursorConfig     `mapstructure:"cursor"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type FeedConfig struct {
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	Partition int      `mapstructure:"partition"`
	Username  string   `mapstructure:"username"`
	// APITokenEnv names the environment variable APIToken is read from
	APITokenEnv string `mapstructure:"api_token_envvar"`
	APIToken    string `mapstructure:"api_token"`
}

type SinkConfig struct {
	OutputModule     string        `mapstructure:"output_module"`
	StartBlock       uint64        `mapstructure:"start_block"`
	StopBlock        uint64        `mapstructure:"stop_block"`
	Columns          []string      `mapstructure:"columns"`
	AddHeaderRow     bool          `mapstructure:"add_header_row"`
	HeaderPolicy     string        `mapstructure:"header_policy"`
	Range            string        `mapstructure:"range"`
	EnsureSheet      bool          `mapstructure:"ensure_sheet"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	FailurePolicy    string        `mapstructure:"failure_policy"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	Operations       []string      `mapstructure:"operations"`
	DelayBeforeStart time.Duration `mapstructure:"delay_before_start"`
}

type SheetsConfig struct {
	ServiceAccountFile string `mapstructure:"service_account_file"`
	AccessToken        string `mapstructure:"access_token"`
	RefreshToken       string `mapstructure:"refresh_token"`
	ClientID           string `mapstructure:"client_id"`
	ClientSecret       string `mapstructure:"client_secret"`
	Title              string `mapstructure:"title"`
}

type CursorConfig struct {
	Backend       string `mapstructure:"backend"`
	Path          string `mapstructure:"path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisDB       int    `mapstructure:"redis_db"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
	Key           string `mapstructure:"key"`
}

type DeadLetterConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load loads configuration from defaults, an optional file and environment
// variables. Validation is left to the command using it.
func Load(path string) (*AppConfig, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("service_name", "sheetsink")
	v.SetDefault("feed.partition", 0)
	v.SetDefault("feed.api_token_envvar", DefaultAPITokenEnv)
	v.SetDefault("sink.output_module", "db_out")
	v.SetDefault("sink.range", "Sheet1")
	v.SetDefault("sink.add_header_row", false)
	v.SetDefault("sink.header_policy", "end")
	v.SetDefault("sink.ensure_sheet", true)
	v.SetDefault("sink.flush_interval", time.Second)
	v.SetDefault("sink.failure_policy", "requeue")
	v.SetDefault("sink.max_attempts", 5)
	v.SetDefault("sink.operations", []string{"CREATE"})
	v.SetDefault("sheets.title", "substreams-sink-sheets")
	v.SetDefault("cursor.backend", "file")
	v.SetDefault("cursor.path", "cursors")
	v.SetDefault("cursor.key", "sheetsink:cursor")
	v.SetDefault("cursor.mongo_database", "sheetsink")
	v.SetDefault("metrics.addr", "")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %q: %w", path, err)
		}
	}

	// Bind environment variables explicitly for nested structs so Unmarshal sees them
	v.BindEnv("service_name", "SERVICE_NAME")
	v.BindEnv("log_level", "LOG_LEVEL")
	v.BindEnv("log_format", "LOG_FORMAT")
	v.BindEnv("feed.brokers", "FEED_BROKERS")
	v.BindEnv("feed.topic", "FEED_TOPIC")
	v.BindEnv("feed.partition", "FEED_PARTITION")
	v.BindEnv("feed.username", "FEED_USERNAME")
	v.BindEnv("feed.api_token_envvar", "FEED_API_TOKEN_ENVVAR")
	v.BindEnv("feed.api_token", v.GetString("feed.api_token_envvar"))
	v.BindEnv("sink.output_module", "SINK_OUTPUT_MODULE")
	v.BindEnv("sink.start_block", "SINK_START_BLOCK")
	v.BindEnv("sink.stop_block", "SINK_STOP_BLOCK")
	v.BindEnv("sink.columns", "SINK_COLUMNS")
	v.BindEnv("sink.add_header_row", "SINK_ADD_HEADER_ROW")
	v.BindEnv("sink.range", "SINK_RANGE")
	v.BindEnv("sink.flush_interval", "SINK_FLUSH_INTERVAL")
	v.BindEnv("sink.failure_policy", "SINK_FAILURE_POLICY")
	v.BindEnv("sink.operations", "SINK_OPERATIONS")
	v.BindEnv("sheets.service_account_file", "GOOGLE_APPLICATION_CREDENTIALS")
	v.BindEnv("sheets.access_token", "GOOGLE_ACCESS_TOKEN")
	v.BindEnv("sheets.refresh_token", "GOOGLE_REFRESH_TOKEN")
	v.BindEnv("sheets.client_id", "GOOGLE_CLIENT_ID")
	v.BindEnv("sheets.client_secret", "GOOGLE_CLIENT_SECRET")
	v.BindEnv("cursor.backend", "CURSOR_BACKEND")
	v.BindEnv("cursor.path", "CURSOR_PATH")
	v.BindEnv("cursor.redis_addr", "REDIS_ADDR")
	v.BindEnv("cursor.mongo_uri", "MONGODB_URI")
	v.BindEnv("deadletter.brokers", "DEADLETTER_BROKERS")
	v.BindEnv("deadletter.topic", "DEADLETTER_TOPIC")
	v.BindEnv("metrics.addr", "METRICS_ADDR")

	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Lists coming from the environment arrive as a single comma separated string
	config.Feed.Brokers = splitList(config.Feed.Brokers, v.GetString("feed.brokers"))
	config.DeadLetter.Brokers = splitList(config.DeadLetter.Brokers, v.GetString("deadletter.brokers"))
	config.Sink.Columns = splitList(config.Sink.Columns, v.GetString("sink.columns"))
	config.Sink.Operations = splitList(config.Sink.Operations, v.GetString("sink.operations"))

	return &config, nil
}

func splitList(current []string, raw string) []string {
	if len(current) == 0 && raw != "" {
		current = []string{raw}
	}
	var out []string
	for _, item := range current {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// ValidateRun checks what the run command needs before streaming starts
func (c *AppConfig) ValidateRun() error {
	if c.Sink.OutputModule == "" {
		return errors.New("[output-module] is required")
	}
	if c.Sink.Range == "" {
		return errors.New("[range] is required")
	}
	if len(c.Feed.Brokers) == 0 {
		return errors.New("feed.brokers is required")
	}
	if c.Feed.Topic == "" {
		return errors.New("feed.topic is required")
	}
	if c.Feed.Username != "" && c.Feed.APIToken == "" {
		return fmt.Errorf("feed.username requires an API token in %s", c.Feed.APITokenEnv)
	}
	if c.Sink.StopBlock > 0 && c.Sink.StopBlock <= c.Sink.StartBlock {
		return fmt.Errorf("stop block %d must be greater than start block %d", c.Sink.StopBlock, c.Sink.StartBlock)
	}
	if c.Sink.FlushInterval <= 0 {
		return errors.New("sink.flush_interval must be positive")
	}
	switch c.Sink.HeaderPolicy {
	case "start", "end":
	default:
		return fmt.Errorf("sink.header_policy must be start or end, got %q", c.Sink.HeaderPolicy)
	}
	switch c.Sink.FailurePolicy {
	case "drop", "requeue":
	default:
		return fmt.Errorf("sink.failure_policy must be drop or requeue, got %q", c.Sink.FailurePolicy)
	}
	if err := c.ValidateCredentials(); err != nil {
		return err
	}
	return c.ValidateCursor()
}

// ValidateCredentials requires one credential source
func (c *AppConfig) ValidateCredentials() error {
	s := c.Sheets
	if s.ServiceAccountFile == "" && s.AccessToken == "" && s.RefreshToken == "" {
		return errors.New("[credentials] is required: set sheets.service_account_file or an OAuth token")
	}
	return nil
}

// ValidateCursor checks the selected cursor backend
func (c *AppConfig) ValidateCursor() error {
	switch c.Cursor.Backend {
	case "", "memory":
	case "file":
		if c.Cursor.Path == "" {
			return errors.New("cursor.path is required for the file backend")
		}
	case "redis":
		if c.Cursor.RedisAddr == "" {
			return errors.New("cursor.redis_addr is required for the redis backend")
		}
	case "mongo":
		if c.Cursor.MongoURI == "" {
			return errors.New("cursor.mongo_uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("unknown cursor backend %q", c.Cursor.Backend)
	}
	return nil
}

// CursorKey scopes the cursor to one feed partition, output module, range and
// spreadsheet so runs against different targets never share progress.
func (c *AppConfig) CursorKey(spreadsheetID string) string {
	return fmt.Sprintf("%s:%s/%d:%s:%s:%s",
		c.Cursor.Key, c.Feed.Topic, c.Feed.Partition, c.Sink.OutputModule, c.Sink.Range, spreadsheetID)
}
