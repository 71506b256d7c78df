// Package config
package config

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/amirphl/bracket-trader/internal/oco"
	"github.com/amirphl/bracket-trader/internal/order"
)

/*
YAML config example:
mode: "demo"
symbol: "BTCIRT"
feed: "synthetic"
feed_interval: "1s"
event_timeout: "30s"
shutdown_timeout: "10s"
cancel_attempts: 3
cancel_backoff: "500ms"
demo_start_price: 2450.50
demo_volatility: 0.0005
demo_auto_fill: true
telegram_token: "..."
telegram_chat_id: "..."
db_conn_str: "postgres://..."
kafka_brokers: ["localhost:9092"]
kafka_topic: "bracket-events"
log_file: "bracket-trader.log"
log_level: "info"
...
*/

const (
	ModeDemo = "demo"
	ModeLive = "live"

	FeedPoll      = "poll"
	FeedWebsocket = "websocket"
	FeedSynthetic = "synthetic"
)

// Config is resolved in layers: defaults, then the YAML file, then environment
// variables, then flags given on the command line.
type Config struct {
	Mode         string        `yaml:"mode" env:"BRACKET_MODE"`
	Symbol       string        `yaml:"symbol" env:"BRACKET_SYMBOL"`
	WallexAPIKey string        `yaml:"wallex_api_key" env:"WALLEX_API_KEY"`
	Feed         string        `yaml:"feed" env:"BRACKET_FEED"`
	FeedInterval time.Duration `yaml:"feed_interval" env:"BRACKET_FEED_INTERVAL"`

	EventTimeout    time.Duration `yaml:"event_timeout" env:"BRACKET_EVENT_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"BRACKET_SHUTDOWN_TIMEOUT"`
	CancelAttempts  int           `yaml:"cancel_attempts" env:"BRACKET_CANCEL_ATTEMPTS"`
	CancelBackoff   time.Duration `yaml:"cancel_backoff" env:"BRACKET_CANCEL_BACKOFF"`
	PollAttempts    int           `yaml:"poll_attempts" env:"BRACKET_POLL_ATTEMPTS"`
	StatusCacheTTL  time.Duration `yaml:"status_cache_ttl" env:"BRACKET_STATUS_CACHE_TTL"`

	DemoStartPrice float64 `yaml:"demo_start_price" env:"BRACKET_DEMO_START_PRICE"`
	DemoVolatility float64 `yaml:"demo_volatility" env:"BRACKET_DEMO_VOLATILITY"`
	DemoAutoFill   bool    `yaml:"demo_auto_fill" env:"BRACKET_DEMO_AUTO_FILL"`

	TelegramToken  string `yaml:"telegram_token" env:"TELEGRAM_TOKEN"`
	TelegramChatID string `yaml:"telegram_chat_id" env:"TELEGRAM_CHAT_ID"`

	DBConnStr    string `yaml:"db_conn_str" env:"DB_CONN_STR"`
	DBMaxOpen    int    `yaml:"db_max_open" env:"DB_MAX_OPEN"`
	DBMaxIdle    int    `yaml:"db_max_idle" env:"DB_MAX_IDLE"`
	RunMigration bool   `yaml:"run_migration" env:"RUN_MIGRATION"`

	KafkaBrokers []string `yaml:"kafka_brokers" env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `yaml:"kafka_topic" env:"KAFKA_TOPIC"`

	LogFile  string `yaml:"log_file" env:"BRACKET_LOG_FILE"`
	LogLevel string `yaml:"log_level" env:"BRACKET_LOG_LEVEL"`
}

func Default() Config {
	d := oco.DefaultConfig()
	return Config{
		Mode:            ModeDemo,
		Symbol:          "BTCIRT",
		FeedInterval:    time.Second,
		EventTimeout:    d.EventTimeout,
		ShutdownTimeout: d.ShutdownTimeout,
		CancelAttempts:  d.CancelAttempts,
		CancelBackoff:   d.CancelBackoff,
		PollAttempts:    d.PollAttempts,
		StatusCacheTTL:  time.Second,
		DemoStartPrice:  2450.50,
		DemoVolatility:  0.0005,
		DBMaxOpen:       10,
		DBMaxIdle:       5,
		KafkaTopic:      "bracket-events",
		LogFile:         "bracket-trader.log",
		LogLevel:        "info",
	}
}

// Load resolves the configuration from args (without the program name), the
// environment and an optional YAML file named by -config.
func Load(args []string) (Config, error) {
	fc := Default()
	fs := flag.NewFlagSet("bracket-trader", flag.ContinueOnError)
	configFile := fs.String("config", "", "Path to YAML config file")
	fs.StringVar(&fc.Mode, "mode", fc.Mode, "Mode: demo or live")
	fs.StringVar(&fc.Symbol, "symbol", fc.Symbol, "Symbol watched at startup")
	fs.StringVar(&fc.Feed, "feed", fc.Feed, "Price feed: poll, websocket or synthetic (default depends on mode)")
	fs.DurationVar(&fc.FeedInterval, "feed-interval", fc.FeedInterval, "Tick interval of the poll and synthetic feeds")
	fs.DurationVar(&fc.EventTimeout, "event-timeout", fc.EventTimeout, "Longest wait for an order event before polling the broker")
	fs.DurationVar(&fc.ShutdownTimeout, "shutdown-timeout", fc.ShutdownTimeout, "Longest wait for cancel confirmations on shutdown")
	fs.IntVar(&fc.CancelAttempts, "cancel-attempts", fc.CancelAttempts, "Cancel attempts before escalating to the operator")
	fs.DurationVar(&fc.CancelBackoff, "cancel-backoff", fc.CancelBackoff, "Base delay between cancel attempts")
	fs.IntVar(&fc.PollAttempts, "poll-attempts", fc.PollAttempts, "Status poll attempts per reconciliation")
	fs.DurationVar(&fc.StatusCacheTTL, "status-cache-ttl", fc.StatusCacheTTL, "How long a LIVE status poll result is reused")
	fs.Float64Var(&fc.DemoStartPrice, "demo-start-price", fc.DemoStartPrice, "Starting LTP of the synthetic feed")
	fs.Float64Var(&fc.DemoVolatility, "demo-volatility", fc.DemoVolatility, "Max relative move per synthetic tick")
	fs.BoolVar(&fc.DemoAutoFill, "demo-auto-fill", fc.DemoAutoFill, "Fill demo orders when the synthetic LTP crosses them")
	fs.StringVar(&fc.TelegramToken, "telegram-token", fc.TelegramToken, "Telegram bot token for alerts")
	fs.StringVar(&fc.TelegramChatID, "telegram-chat", fc.TelegramChatID, "Telegram chat ID for alerts")
	fs.StringVar(&fc.DBConnStr, "db", fc.DBConnStr, "Postgres connection string for the trade journal")
	fs.BoolVar(&fc.RunMigration, "run-migration", fc.RunMigration, "Apply scripts/schema.sql before starting")
	brokers := fs.String("kafka-brokers", "", "Comma-separated Kafka brokers for the event stream")
	fs.StringVar(&fc.KafkaTopic, "kafka-topic", fc.KafkaTopic, "Kafka topic for lifecycle events")
	fs.StringVar(&fc.LogFile, "log-file", fc.LogFile, "Log file path")
	fs.StringVar(&fc.LogLevel, "log-level", fc.LogLevel, "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = fc.Mode
		case "symbol":
			cfg.Symbol = fc.Symbol
		case "feed":
			cfg.Feed = fc.Feed
		case "feed-interval":
			cfg.FeedInterval = fc.FeedInterval
		case "event-timeout":
			cfg.EventTimeout = fc.EventTimeout
		case "shutdown-timeout":
			cfg.ShutdownTimeout = fc.ShutdownTimeout
		case "cancel-attempts":
			cfg.CancelAttempts = fc.CancelAttempts
		case "cancel-backoff":
			cfg.CancelBackoff = fc.CancelBackoff
		case "poll-attempts":
			cfg.PollAttempts = fc.PollAttempts
		case "status-cache-ttl":
			cfg.StatusCacheTTL = fc.StatusCacheTTL
		case "demo-start-price":
			cfg.DemoStartPrice = fc.DemoStartPrice
		case "demo-volatility":
			cfg.DemoVolatility = fc.DemoVolatility
		case "demo-auto-fill":
			cfg.DemoAutoFill = fc.DemoAutoFill
		case "telegram-token":
			cfg.TelegramToken = fc.TelegramToken
		case "telegram-chat":
			cfg.TelegramChatID = fc.TelegramChatID
		case "db":
			cfg.DBConnStr = fc.DBConnStr
		case "run-migration":
			cfg.RunMigration = fc.RunMigration
		case "kafka-brokers":
			cfg.KafkaBrokers = splitList(*brokers)
		case "kafka-topic":
			cfg.KafkaTopic = fc.KafkaTopic
		case "log-file":
			cfg.LogFile = fc.LogFile
		case "log-level":
			cfg.LogLevel = fc.LogLevel
		}
	})

	cfg.normalize()
	return cfg, cfg.Validate()
}

// MustLoadConfig loads the process configuration and exits on error.
func MustLoadConfig() Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) normalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Feed = strings.ToLower(strings.TrimSpace(c.Feed))
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.Feed == "" {
		if c.Mode == ModeLive {
			c.Feed = FeedWebsocket
		} else {
			c.Feed = FeedSynthetic
		}
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeDemo, ModeLive:
	default:
		return fmt.Errorf("mode %q: must be demo or live", c.Mode)
	}
	switch c.Feed {
	case FeedPoll, FeedWebsocket:
	case FeedSynthetic:
		if c.Mode != ModeDemo {
			return errors.New("the synthetic feed only works in demo mode")
		}
	default:
		return fmt.Errorf("feed %q: must be poll, websocket or synthetic", c.Feed)
	}
	if c.Mode == ModeLive && c.WallexAPIKey == "" {
		return errors.New("live mode needs wallex_api_key (or WALLEX_API_KEY)")
	}
	if c.Symbol != "" && !order.ValidSymbol(c.Symbol) {
		return fmt.Errorf("symbol %q is not a valid trading symbol", c.Symbol)
	}
	for name, d := range map[string]time.Duration{
		"feed_interval":    c.FeedInterval,
		"event_timeout":    c.EventTimeout,
		"shutdown_timeout": c.ShutdownTimeout,
		"cancel_backoff":   c.CancelBackoff,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.StatusCacheTTL < 0 {
		return fmt.Errorf("status_cache_ttl must not be negative, got %s", c.StatusCacheTTL)
	}
	if c.CancelAttempts < 1 || c.PollAttempts < 1 {
		return errors.New("cancel_attempts and poll_attempts must be at least 1")
	}
	if c.Mode == ModeDemo && c.DemoStartPrice <= 0 {
		return errors.New("demo_start_price must be positive")
	}
	if c.DemoVolatility < 0 || c.DemoVolatility >= 0.1 {
		return fmt.Errorf("demo_volatility %v: must be in [0, 0.1)", c.DemoVolatility)
	}
	if (c.TelegramToken == "") != (c.TelegramChatID == "") {
		return errors.New("telegram_token and telegram_chat_id must be set together")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return errors.New("kafka_topic is required when kafka_brokers is set")
	}
	return nil
}

// OCOConfig returns the trade manager settings.
func (c Config) OCOConfig() oco.Config {
	d := oco.DefaultConfig()
	return oco.Config{
		EventTimeout:    c.EventTimeout,
		ShutdownTimeout: c.ShutdownTimeout,
		CancelAttempts:  c.CancelAttempts,
		CancelBackoff:   c.CancelBackoff,
		PollAttempts:    c.PollAttempts,
		PollBackoff:     d.PollBackoff,
	}
}
