package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

// Config является корневой структурой конфигурации шлюза.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Router     RouterConfig     `mapstructure:"router"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Connectors ConnectorsConfig `mapstructure:"connectors"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает слушатели. Пустой адрес отключает слушатель.
type ServerConfig struct {
	GatewayAddr     string        `mapstructure:"gateway_addr"`
	ConsoleAddr     string        `mapstructure:"console_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"` // Должен быть больше router.dispatch_timeout
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig выбирает хранилище трасс решений.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // memory, postgres, sqlite
	URL    string `mapstructure:"url"`    // postgres connection string
	Path   string `mapstructure:"path"`   // sqlite file
}

// RedisConfig описывает подключение к Redis (кэш, события, Pub/Sub сигналы).
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и операторов консоли.
// Без публичного ключа оба API работают без аутентификации.
type AuthConfig struct {
	PublicKeyPath  string            `mapstructure:"public_key_path"`
	PrivateKeyPath string            `mapstructure:"private_key_path"` // Только для Console API
	TokenTTL       time.Duration     `mapstructure:"token_ttl"`
	BcryptCost     int               `mapstructure:"bcrypt_cost"`
	Operators      []domain.Operator `mapstructure:"operators"`
	PublicKey      []byte
	PrivateKey     []byte
}

// EngineConfig настраивает запись трасс решений.
type EngineConfig struct {
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditBatchSize     int           `mapstructure:"audit_batch_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
	AuditMaxRetained   int           `mapstructure:"audit_max_retained"`
	TraceWriteTimeout  time.Duration `mapstructure:"trace_write_timeout"`
}

// RouterConfig содержит настройки вызова бэкендов, Circuit Breaker и rate limit.
type RouterConfig struct {
	DispatchTimeout  time.Duration `mapstructure:"dispatch_timeout"`
	MaxAttempts      uint          `mapstructure:"max_attempts"`
	BreakerThreshold uint32        `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	RateLimit        float64       `mapstructure:"rate_limit"` // Вызовов в секунду, 0 без лимита
	RateBurst        int           `mapstructure:"rate_burst"`
	EstimateUnits    float64       `mapstructure:"estimate_units"`
	LatencyAlpha     float64       `mapstructure:"latency_alpha"`
}

type BudgetConfig struct {
	Window         time.Duration `mapstructure:"window"`
	WarnRatio      float64       `mapstructure:"warn_ratio"`
	GlobalCap      float64       `mapstructure:"global_cap"`
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// CacheConfig настраивает кэш ответов. Нулевой TTL отключает кэш для уровня.
// SECRET не кэшируется никогда.
type CacheConfig struct {
	Driver          string        `mapstructure:"driver"` // memory, redis
	MaxEntries      int           `mapstructure:"max_entries"`
	PurgeInterval   time.Duration `mapstructure:"purge_interval"`
	TTLPublic       time.Duration `mapstructure:"ttl_public"`
	TTLInternal     time.Duration `mapstructure:"ttl_internal"`
	TTLConfidential time.Duration `mapstructure:"ttl_confidential"`
}

type ConnectorsConfig struct {
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	MockLatencyMin time.Duration `mapstructure:"mock_latency_min"`
	MockLatencyMax time.Duration `mapstructure:"mock_latency_max"`
}

type RulesConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// Явно указанный файл обязан существовать, иначе config.yaml ищется в . и ./configs.
func LoadConfig(file string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. Переменные окружения (ENV)
	// ROUTER_DISPATCH_TIMEOUT=10s перекроет router.dispatch_timeout
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолтные значения
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет, работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// 6. Ключи: PEM из ENV (Docker/K8s) важнее пути к файлу
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.URL == "" {
			return fmt.Errorf("config: storage.url is required for the postgres driver")
		}
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("config: storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Cache.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("config: cache.driver redis needs redis.enabled")
		}
	default:
		return fmt.Errorf("config: unknown cache.driver %q", c.Cache.Driver)
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Router.DispatchTimeout {
		return fmt.Errorf("config: server.write_timeout (%s) must exceed router.dispatch_timeout (%s)",
			c.Server.WriteTimeout, c.Router.DispatchTimeout)
	}
	// Резерв должен пережить самый долгий вызов, который он покрывает.
	if c.Budget.ReservationTTL <= c.Router.DispatchTimeout {
		return fmt.Errorf("config: budget.reservation_ttl (%s) must exceed router.dispatch_timeout (%s)",
			c.Budget.ReservationTTL, c.Router.DispatchTimeout)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.gateway_addr", ":8080")
	v.SetDefault("server.console_addr", ":8081")
	v.SetDefault("server.grpc_addr", ":50052")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 75*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.path", "data/traces.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_batch_size", 100)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.trace_write_timeout", 2*time.Second)

	v.SetDefault("router.dispatch_timeout", 30*time.Second)
	v.SetDefault("router.max_attempts", 2)
	v.SetDefault("router.breaker_threshold", 3)
	v.SetDefault("router.breaker_cooldown", 30*time.Second)
	v.SetDefault("router.rate_burst", 1)
	v.SetDefault("router.estimate_units", 1000)
	v.SetDefault("router.latency_alpha", 0.3)

	v.SetDefault("budget.window", 24*time.Hour)
	v.SetDefault("budget.warn_ratio", 0.8)
	v.SetDefault("budget.reservation_ttl", 2*time.Minute)
	v.SetDefault("budget.sweep_interval", 15*time.Second)

	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.purge_interval", time.Minute)
	v.SetDefault("cache.ttl_public", time.Hour)
	v.SetDefault("cache.ttl_internal", 10*time.Minute)
	v.SetDefault("cache.ttl_confidential", 2*time.Minute)

	v.SetDefault("connectors.http_timeout", 60*time.Second)
	v.SetDefault("connectors.mock_latency_min", 50*time.Millisecond)
	v.SetDefault("connectors.mock_latency_max", 300*time.Millisecond)

	v.SetDefault("rules.path", "configs/rules.yaml")
	v.SetDefault("rules.watch", true)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource берет PEM из ENV, иначе читает файл по пути из конфига.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
