package config

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	HTTPPort          string `mapstructure:"http_port"           validate:"required"`
	HTTPTimeout       int    `mapstructure:"http_timeout"        validate:"min=1"`
	WebhookPath       string `mapstructure:"webhook_path"        validate:"required,startswith=/"`
	WebhookSecret     string `mapstructure:"webhook_secret"`
	StopCallTimeout   int    `mapstructure:"stop_call_timeout"   validate:"min=1"`

	StoreBackend            string `mapstructure:"store_backend"              validate:"oneof=postgres memory"`
	PostgresHost            string `mapstructure:"postgres_host"              validate:"required"`
	PostgresUsername        string `mapstructure:"postgres_username"          validate:"required"`
	PostgresPassword        string `mapstructure:"postgres_password"`
	PostgresPort            string `mapstructure:"postgres_port"              validate:"required"`
	PostgresDatabase        string `mapstructure:"postgres_database"          validate:"required"`
	PostgresSSLMode         string `mapstructure:"postgres_sslmode"           validate:"oneof=disable require verify-ca verify-full"`
	DBMaxOpenConns          int    `mapstructure:"db_max_open_conns"          validate:"min=1"`
	DBMaxIdleConns          int    `mapstructure:"db_max_idle_conns"`
	DBConnMaxLifetime       int    `mapstructure:"db_conn_max_lifetime"`
	DBIntervalCB            uint32 `mapstructure:"db_interval_cb"`
	DBConsecutiveFailuresCB uint32 `mapstructure:"db_consecutive_failures_cb" validate:"min=1"`

	PersistRetryMaxAttempts uint `mapstructure:"persist_retry_max_attempts" validate:"min=1"`
	PersistRetryBackoffMin  int  `mapstructure:"persist_retry_backoff_min"`
	PersistRetryBackoffMax  int  `mapstructure:"persist_retry_backoff_max"`

	RedisAddr         string `mapstructure:"redis_addr"          validate:"required"`
	RedisPassword     string `mapstructure:"redis_password"`
	RedisDB           int    `mapstructure:"redis_db"`
	RedisDialTimeout  int    `mapstructure:"redis_dial_timeout"`
	RedisPoolSize     int    `mapstructure:"redis_pool_size"`
	RedisPingTimeout  int    `mapstructure:"redis_ping_timeout"`
	LockBackend       string `mapstructure:"lock_backend"        validate:"oneof=memory redis"`
	LockTTL           int    `mapstructure:"lock_ttl"            validate:"min=1"`
	LockWait          int    `mapstructure:"lock_wait"           validate:"min=1"`
	LockRetryInterval int    `mapstructure:"lock_retry_interval" validate:"min=1"`

	RealtimeTransport      string `mapstructure:"realtime_transport"       validate:"oneof=local redis"`
	RealtimeChannelPrefix  string `mapstructure:"realtime_channel_prefix"  validate:"required"`
	RealtimePublishTimeout int    `mapstructure:"realtime_publish_timeout" validate:"min=1"`
	RealtimeWriteTimeout   int    `mapstructure:"realtime_write_timeout"   validate:"min=1"`
	BroadcastPoolSize      int    `mapstructure:"broadcast_pool_size"      validate:"min=1"`

	JWTSecret              string `mapstructure:"jwt_secret"`
	JWTIssuer              string `mapstructure:"jwt_issuer"`
	JWTAllowInsecureSecret bool   `mapstructure:"jwt_allow_insecure_secret"`

	ProviderBaseURL             string `mapstructure:"provider_base_url"              validate:"required,url"`
	ProviderAPIKey              string `mapstructure:"provider_api_key"`
	ProviderCallPath            string `mapstructure:"provider_call_path"             validate:"required"`
	ProviderTimeout             int    `mapstructure:"provider_timeout"               validate:"min=1"`
	ProviderRetryMaxAttempts    uint   `mapstructure:"provider_retry_max_attempts"    validate:"min=1"`
	ProviderRetryBackoffMin     int    `mapstructure:"provider_retry_backoff_min"`
	ProviderRetryBackoffMax     int    `mapstructure:"provider_retry_backoff_max"`
	ProviderIntervalCB          uint32 `mapstructure:"provider_interval_cb"`
	ProviderConsecutiveFailures uint32 `mapstructure:"provider_consecutive_failures_cb" validate:"min=1"`

	PollInitialInterval int     `mapstructure:"poll_initial_interval" validate:"min=1"`
	PollMaxInterval     int     `mapstructure:"poll_max_interval"     validate:"min=1"`
	PollBackoffFactor   float64 `mapstructure:"poll_backoff_factor"   validate:"gte=1"`
	PollExpiry          int     `mapstructure:"poll_expiry"           validate:"min=1"`
	PollPoolSize        int     `mapstructure:"poll_pool_size"        validate:"min=1"`
	PollRearmOnStart    bool    `mapstructure:"poll_rearm_on_start"`
	PollRearmLimit      int     `mapstructure:"poll_rearm_limit"      validate:"min=1"`
	PollSweepInterval   int     `mapstructure:"poll_sweep_interval"   validate:"min=1"`

	KafkaEnabled               bool   `mapstructure:"kafka_enabled"`
	KafkaBootstrapServer       string `mapstructure:"kafka_bootstrap_server"        validate:"required"`
	KafkaUsername              string `mapstructure:"kafka_username"`
	KafkaPassword              string `mapstructure:"kafka_password"`
	KafkaSASLEnabled           bool   `mapstructure:"kafka_sasl_enabled"`
	KafkaCallCreatedTopic      string `mapstructure:"kafka_call_created_topic"      validate:"required"`
	KafkaCallCreatedGroupID    string `mapstructure:"kafka_call_created_group_id"   validate:"required"`
	KafkaCallTerminalTopic     string `mapstructure:"kafka_call_terminal_topic"     validate:"required"`
	KafkaIntervalCB            uint32 `mapstructure:"kafka_interval_cb"`
	KafkaConsecutiveFailuresCB uint32 `mapstructure:"kafka_consecutive_failures_cb" validate:"min=1"`

	DispatchPoolSize int `mapstructure:"dispatch_pool_size" validate:"min=1"`
	DispatchTimeout  int `mapstructure:"dispatch_timeout"   validate:"min=1"`
	WorkerPoolSize   int `mapstructure:"worker_pool_size"   validate:"min=1"`
	ShutdownTimeout  int `mapstructure:"shutdown_timeout"   validate:"min=1"`

	DeadLetterPoolSize       int `mapstructure:"dead_letter_pool_size"`
	DeadLetterCallMaxRetries int `mapstructure:"deadletter_call_max_retries"`
	DeadLetterCallLimit      int `mapstructure:"deadletter_call_limit"`
	DeadLetterCallInterval   int `mapstructure:"deadletter_call_interval"`
	DeadLetterCallRetryDelay int `mapstructure:"deadletter_call_retry_delay"`

	LogLevel    string `mapstructure:"log_level"`
	LogFilePath string `mapstructure:"log_file_path"`

	HealthCheckerMonitorInterval int `mapstructure:"health_checker_monitor_interval"`

	PrometheusPort    string `mapstructure:"prometheus_port"`
	PrometheusTimeout int    `mapstructure:"prometheus_timeout"`
}

var Conf Config

func init() {
	err := loadEnvConfig(&Conf)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.String("error", err.Error()))
	}
}

func loadEnvConfig(cfg *Config) error {
	viper.AutomaticEnv()
	viper.AllowEmptyEnv(true)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setupDefaults()

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	err := viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError

		ok := errors.As(err, &configFileNotFoundError)
		if !ok {
			return err
		}
	}

	err = viper.Unmarshal(cfg)
	if err != nil {
		return err
	}

	err = validator.New().Struct(cfg)
	if err != nil {
		return err
	}

	return nil
}

func setupDefaults() {
	confType := reflect.TypeOf(Conf)
	for i := range confType.NumField() {
		field := confType.Field(i)
		viper.SetDefault(field.Tag.Get("mapstructure"), "")
	}

	viper.SetDefault("HTTP_PORT", "8080")
	viper.SetDefault("HTTP_TIMEOUT", "30")
	viper.SetDefault("WEBHOOK_PATH", "/webhooks/provider")
	viper.SetDefault("STOP_CALL_TIMEOUT", "10")
	viper.SetDefault("STORE_BACKEND", "postgres")
	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_USERNAME", "postgres")
	viper.SetDefault("POSTGRES_PORT", "5432")
	viper.SetDefault("POSTGRES_DATABASE", "callsync")
	viper.SetDefault("POSTGRES_SSLMODE", "disable")
	viper.SetDefault("DB_MAX_OPEN_CONNS", "20")
	viper.SetDefault("DB_MAX_IDLE_CONNS", "5")
	viper.SetDefault("DB_CONN_MAX_LIFETIME", "30")
	viper.SetDefault("DB_INTERVAL_CB", "30")
	viper.SetDefault("DB_CONSECUTIVE_FAILURES_CB", "5")
	viper.SetDefault("PERSIST_RETRY_MAX_ATTEMPTS", "3")
	viper.SetDefault("PERSIST_RETRY_BACKOFF_MIN", "100")
	viper.SetDefault("PERSIST_RETRY_BACKOFF_MAX", "2000")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_DB", "0")
	viper.SetDefault("REDIS_DIAL_TIMEOUT", "3")
	viper.SetDefault("REDIS_POOL_SIZE", "20")
	viper.SetDefault("REDIS_PING_TIMEOUT", "2")
	viper.SetDefault("LOCK_BACKEND", "memory")
	viper.SetDefault("LOCK_TTL", "10")
	viper.SetDefault("LOCK_WAIT", "5")
	viper.SetDefault("LOCK_RETRY_INTERVAL", "25")
	viper.SetDefault("REALTIME_TRANSPORT", "local")
	viper.SetDefault("REALTIME_CHANNEL_PREFIX", "callsync:org:")
	viper.SetDefault("REALTIME_PUBLISH_TIMEOUT", "2")
	viper.SetDefault("REALTIME_WRITE_TIMEOUT", "5")
	viper.SetDefault("BROADCAST_POOL_SIZE", "64")
	viper.SetDefault("JWT_ALLOW_INSECURE_SECRET", "false")
	viper.SetDefault("PROVIDER_BASE_URL", "https://api.provider.local")
	viper.SetDefault("PROVIDER_CALL_PATH", "/v1/calls")
	viper.SetDefault("PROVIDER_TIMEOUT", "15")
	viper.SetDefault("PROVIDER_RETRY_MAX_ATTEMPTS", "3")
	viper.SetDefault("PROVIDER_RETRY_BACKOFF_MIN", "1")
	viper.SetDefault("PROVIDER_RETRY_BACKOFF_MAX", "5")
	viper.SetDefault("PROVIDER_INTERVAL_CB", "30")
	viper.SetDefault("PROVIDER_CONSECUTIVE_FAILURES_CB", "10")
	viper.SetDefault("POLL_INITIAL_INTERVAL", "10")
	viper.SetDefault("POLL_MAX_INTERVAL", "60")
	viper.SetDefault("POLL_BACKOFF_FACTOR", "1.25")
	viper.SetDefault("POLL_EXPIRY", "1800")
	viper.SetDefault("POLL_POOL_SIZE", "5000")
	viper.SetDefault("POLL_REARM_ON_START", "true")
	viper.SetDefault("POLL_REARM_LIMIT", "10000")
	viper.SetDefault("POLL_SWEEP_INTERVAL", "30")
	viper.SetDefault("KAFKA_ENABLED", "false")
	viper.SetDefault("KAFKA_BOOTSTRAP_SERVER", "localhost:9092")
	viper.SetDefault("KAFKA_SASL_ENABLED", "true")
	viper.SetDefault("KAFKA_CALL_CREATED_TOPIC", "call.created")
	viper.SetDefault("KAFKA_CALL_CREATED_GROUP_ID", "callsync")
	viper.SetDefault("KAFKA_CALL_TERMINAL_TOPIC", "call.terminal")
	viper.SetDefault("KAFKA_INTERVAL_CB", "30")
	viper.SetDefault("KAFKA_CONSECUTIVE_FAILURES_CB", "5")
	viper.SetDefault("DISPATCH_POOL_SIZE", "32")
	viper.SetDefault("DISPATCH_TIMEOUT", "10")
	viper.SetDefault("WORKER_POOL_SIZE", "64")
	viper.SetDefault("SHUTDOWN_TIMEOUT", "15")
	viper.SetDefault("DEAD_LETTER_POOL_SIZE", "3")
	viper.SetDefault("DEADLETTER_CALL_MAX_RETRIES", "10")
	viper.SetDefault("DEADLETTER_CALL_LIMIT", "100")
	viper.SetDefault("DEADLETTER_CALL_INTERVAL", "1")
	viper.SetDefault("DEADLETTER_CALL_RETRY_DELAY", "5")
	viper.SetDefault("LOG_LEVEL", "INFO")
	viper.SetDefault("LOG_FILE_PATH", "./access.log")
	viper.SetDefault("HEALTH_CHECKER_MONITOR_INTERVAL", "60")
	viper.SetDefault("PROMETHEUS_PORT", "2112")
	viper.SetDefault("PROMETHEUS_TIMEOUT", "60")
}
