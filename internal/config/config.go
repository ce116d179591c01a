package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	EconomicEvents string `mapstructure:"economic_events"`
	Analytics      string `mapstructure:"analytics"`
}

// GatewayConfig 支付网关配置
type GatewayConfig struct {
	SecretKey     string `mapstructure:"secret_key"`     // API 密钥
	WebhookSecret string `mapstructure:"webhook_secret"` // webhook 签名密钥
}

type BusinessConfig struct {
	WorkerID                  int64 `mapstructure:"worker_id"`                   // 雪花ID机器号
	SettlementIntervalMinutes int   `mapstructure:"settlement_interval_minutes"` // 结算任务周期
	SettlementMaxAttempts     int   `mapstructure:"settlement_max_attempts"`     // 单笔结算最大尝试次数
	OutboxMaxRetryCount       int   `mapstructure:"outbox_max_retry_count"`      // 发件箱最大重试次数
	SettlementBatchSize       int   `mapstructure:"settlement_batch_size"`
	OutboxBatchSize           int   `mapstructure:"outbox_batch_size"`
}

// SettlementInterval 结算任务周期，默认 5 分钟
func (b *BusinessConfig) SettlementInterval() time.Duration {
	if b.SettlementIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(b.SettlementIntervalMinutes) * time.Minute
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	return config
}
