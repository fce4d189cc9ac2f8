package config

import "time"

// Messaging definition message_service YAML structure
type Messaging struct {
	Port string `mapstructure:"port"`

	MongoSQL   DatabaseConfig `mapstructure:"mongo"`
	Redis      RedisConfig    `mapstructure:"redis"`
	PostgreSQL DatabaseConfig `mapstructure:"pg"`
	MinIO      MinIOConfig    `mapstructure:"minio"`
	Kafka      KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ   RabbitConfig   `mapstructure:"rabbitmq"`

	Engine EngineConfig `mapstructure:"engine"`
}

// EngineConfig definition session engine 調校參數
type EngineConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	MaxAutoAttempts   int           `mapstructure:"max_auto_attempts"`
	EditWindow        time.Duration `mapstructure:"edit_window"`
	TypingTTL         time.Duration `mapstructure:"typing_ttl"`
	TypingDebounce    time.Duration `mapstructure:"typing_debounce"`
	ResubscribeDelay  time.Duration `mapstructure:"resubscribe_delay"`
	PageSize          int           `mapstructure:"page_size"`
}

// MinIOConfig definition minio setting
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// KafkaConfig definition kafka setting
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// RabbitConfig definition rabbitMQ setting
type RabbitConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig definition redis setting
type RedisConfig struct {
	RedisDB int `mapstructure:"redis_db"`
}

// DatabaseConfig definition db setting
type DatabaseConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Database      string `mapstructure:"database"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}
