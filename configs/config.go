package configs

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "PAYAPI_"

type FieldSet struct {
	Required []string `koanf:"required"`
	Optional []string `koanf:"optional"`
}

type APIClient struct {
	ID      string   `koanf:"id"`
	Secret  string   `koanf:"secret"`
	Perms   []string `koanf:"perms"` // e.g. {"payments.read","payments.write"}
	Enabled bool     `koanf:"enabled"`
}

// Kafka carries gateway notifications relayed by the edge receiver.
type Kafka struct {
	Enabled           bool     `koanf:"enabled"`
	Brokers           []string `koanf:"brokers"`
	GroupID           string   `koanf:"group_id"`
	NotificationTopic string   `koanf:"notification_topic"`
}

type Config struct {
	App struct {
		Name     string `koanf:"name"`
		HTTPAddr string `koanf:"http_addr"`
		LogLevel string `koanf:"log_level"`
		LogFile  string `koanf:"log_file"`
	} `koanf:"app"`

	HTTP struct {
		ReadTimeout    time.Duration `koanf:"read_timeout"`
		WriteTimeout   time.Duration `koanf:"write_timeout"`
		IdleTimeout    time.Duration `koanf:"idle_timeout"`
		RequestTimeout time.Duration `koanf:"request_timeout"`
	} `koanf:"http"`

	Store struct {
		Driver string `koanf:"driver"` // mysql | memory
	} `koanf:"store"`

	MySQL struct {
		DSN             string        `koanf:"dsn"`
		MaxOpenConns    int           `koanf:"max_open_conns"`
		MaxIdleConns    int           `koanf:"max_idle_conns"`
		ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	} `koanf:"mysql"`

	Redis struct {
		Addr     string        `koanf:"addr"`
		Password string        `koanf:"password"`
		DB       int           `koanf:"db"`
		CacheTTL time.Duration `koanf:"cache_ttl"`
	} `koanf:"redis"`

	Idempotency struct {
		TTL     time.Duration `koanf:"ttl"`
		LockTTL time.Duration `koanf:"lock_ttl"`
	} `koanf:"idempotency"`

	Rabbit struct {
		Enabled          bool   `koanf:"enabled"`
		URL              string `koanf:"url"`
		Exchange         string `koanf:"exchange"`
		StatusRoutingKey string `koanf:"status_routing_key"`
		ChargeRoutingKey string `koanf:"charge_routing_key"`
		ChargeQueue      string `koanf:"charge_queue"`
		Prefetch         int    `koanf:"prefetch"`
	} `koanf:"rabbitmq"`

	Kafka Kafka `koanf:"kafka"`

	Security struct {
		JWTSecret string        `koanf:"jwt_secret"`
		Issuer    string        `koanf:"issuer"`
		Audience  string        `koanf:"audience"`
		TTL       time.Duration `koanf:"ttl"`
		Clients   []APIClient   `koanf:"clients"`
	} `koanf:"security"`

	Gateway struct {
		BaseURL            string        `koanf:"base_url"`
		TerminalKey        string        `koanf:"terminal_key"`
		Password           string        `koanf:"password"`
		Timeout            time.Duration `koanf:"timeout"`
		NotificationURL    string        `koanf:"notification_url"`
		SuccessURL         string        `koanf:"success_url"`
		FailURL            string        `koanf:"fail_url"`
		SettlementCurrency string        `koanf:"settlement_currency"`
	} `koanf:"gateway"`

	Receipt struct {
		Enabled  bool   `koanf:"enabled"`
		Email    string `koanf:"email"`
		Taxation string `koanf:"taxation"`
		Tax      string `koanf:"tax"`
	} `koanf:"receipt"`

	// Signature overrides the pinned per-operation allow-lists.
	Signature struct {
		Version    string              `koanf:"version"`
		Operations map[string]FieldSet `koanf:"operations"`
	} `koanf:"signature"`

	Rates struct {
		CBRURL   string            `koanf:"cbr_url"`
		Timeout  time.Duration     `koanf:"timeout"`
		Fallback map[string]string `koanf:"fallback"` // e.g. USD: "100"
	} `koanf:"rates"`

	Alerts struct {
		TelegramAPIURL string   `koanf:"telegram_api_url"`
		BotToken       string   `koanf:"bot_token"`
		AdminChatIDs   []string `koanf:"admin_chat_ids"`
	} `koanf:"alerts"`
}

func Load(pathDir, envName string) (Config, error) {
	k := koanf.New(".")
	// 1) base
	if err := k.Load(file.Provider(fmt.Sprintf("%s/base.yaml", pathDir)), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("load base: %w", err)
	}

	// 2) env override (dev/staging/prod), optional
	_ = k.Load(file.Provider(fmt.Sprintf("%s/%s.yaml", pathDir, envName)), yaml.Parser())

	// 3) environment variables, nested with __
	// e.g. PAYAPI_GATEWAY__PASSWORD, PAYAPI_MYSQL__DSN
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ReplaceAll(s, "__", ".")
		return strings.ToLower(s)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("env overlay: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "mysql"
	}
	if c.Gateway.Timeout <= 0 {
		c.Gateway.Timeout = 10 * time.Second
	}
	if c.Gateway.SettlementCurrency == "" {
		c.Gateway.SettlementCurrency = "RUB"
	}
	if c.Idempotency.LockTTL <= 0 {
		c.Idempotency.LockTTL = 30 * time.Second
	}
	if c.HTTP.RequestTimeout <= 0 {
		c.HTTP.RequestTimeout = 15 * time.Second
	}
	if c.Rabbit.Prefetch <= 0 {
		c.Rabbit.Prefetch = 50
	}
}

func (c Config) Validate() error {
	if c.App.HTTPAddr == "" {
		return fmt.Errorf("app.http_addr required")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url required")
	}
	if c.Gateway.TerminalKey == "" || c.Gateway.Password == "" {
		return fmt.Errorf("gateway.terminal_key and gateway.password required")
	}
	switch c.Store.Driver {
	case "mysql":
		if c.MySQL.DSN == "" {
			return fmt.Errorf("mysql.dsn required")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be mysql or memory, got %q", c.Store.Driver)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers required when kafka is enabled")
	}
	if c.Rabbit.Enabled && c.Rabbit.URL == "" {
		return fmt.Errorf("rabbitmq.url required when rabbitmq is enabled")
	}
	return nil
}
