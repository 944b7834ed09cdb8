package config

import (
	"time"

	"github.com/spf13/viper"
)

// LedgerConfig holds compliance limits and store tuning
type LedgerConfig struct {
	MaxSingleTransfer int64 // minor units
	VelocityWindow    time.Duration
	VelocityMaxCount  int
	LockTimeout       time.Duration
	StoreDriver       string // postgres or memory
}

// AuditConfig controls audit delivery
type AuditConfig struct {
	Sinks            []string // sql, redis, kafka
	MaxAttempts      int
	RetryBackoff     time.Duration
	MaxBackoff       time.Duration
	DeliveryTimeout  time.Duration
	BreakerFailures  uint32
	BreakerOpenFor   time.Duration
	RedisKey         string
	KafkaBrokers     []string
	KafkaTopic       string
	ShutdownDeadline time.Duration
}

func LoadLedgerConfig() *LedgerConfig {
	viper.SetDefault("compliance.max_single_transfer", int64(20000*100))
	viper.SetDefault("compliance.velocity_window", 20*time.Minute)
	viper.SetDefault("compliance.velocity_max_count", 5)
	viper.SetDefault("store.lock_timeout", 5*time.Second)
	viper.SetDefault("store.driver", "postgres")

	return &LedgerConfig{
		MaxSingleTransfer: viper.GetInt64("compliance.max_single_transfer"),
		VelocityWindow:    viper.GetDuration("compliance.velocity_window"),
		VelocityMaxCount:  viper.GetInt("compliance.velocity_max_count"),
		LockTimeout:       viper.GetDuration("store.lock_timeout"),
		StoreDriver:       viper.GetString("store.driver"),
	}
}

func LoadAuditConfig() *AuditConfig {
	viper.SetDefault("audit.sinks", []string{"sql"})
	viper.SetDefault("audit.max_attempts", 5)
	viper.SetDefault("audit.retry_backoff", 100*time.Millisecond)
	viper.SetDefault("audit.max_backoff", 5*time.Second)
	viper.SetDefault("audit.delivery_timeout", 3*time.Second)
	viper.SetDefault("audit.breaker_failures", 5)
	viper.SetDefault("audit.breaker_open_for", 30*time.Second)
	viper.SetDefault("audit.redis_key", "ledger:audit")
	viper.SetDefault("audit.kafka_brokers", []string{"localhost:9092"})
	viper.SetDefault("audit.kafka_topic", "ledger.audit")
	viper.SetDefault("audit.shutdown_deadline", 10*time.Second)

	return &AuditConfig{
		Sinks:            viper.GetStringSlice("audit.sinks"),
		MaxAttempts:      viper.GetInt("audit.max_attempts"),
		RetryBackoff:     viper.GetDuration("audit.retry_backoff"),
		MaxBackoff:       viper.GetDuration("audit.max_backoff"),
		DeliveryTimeout:  viper.GetDuration("audit.delivery_timeout"),
		BreakerFailures:  viper.GetUint32("audit.breaker_failures"),
		BreakerOpenFor:   viper.GetDuration("audit.breaker_open_for"),
		RedisKey:         viper.GetString("audit.redis_key"),
		KafkaBrokers:     viper.GetStringSlice("audit.kafka_brokers"),
		KafkaTopic:       viper.GetString("audit.kafka_topic"),
		ShutdownDeadline: viper.GetDuration("audit.shutdown_deadline"),
	}
}
