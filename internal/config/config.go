package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"agencyops/pkg/config"
)

type MaintenanceConfig struct {
	// Concurrency 批量生成时同时处理的站点数
	Concurrency   int `yaml:"concurrency"`
	DueOffsetDays int `yaml:"due_offset_days"`
}

type RetainersConfig struct {
	// Concurrency 报表同时计算的客户数
	Concurrency int `yaml:"concurrency"`
}

type AlertsConfig struct {
	// DedupTTL 告警去重 key 的过期时间，需覆盖整个自然月
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type Config struct {
	Env         string              `yaml:"-"`
	Server      config.ServerConfig `yaml:"server"`
	DB          config.DBConfig     `yaml:"db"`
	MQ          config.MQConfig     `yaml:"mq"`
	Redis       config.RedisConfig  `yaml:"redis"`
	JWT         config.JWTConfig    `yaml:"jwt"`
	Cron        config.CronConfig   `yaml:"cron"`
	Maintenance MaintenanceConfig   `yaml:"maintenance"`
	Retainers   RetainersConfig     `yaml:"retainers"`
	Alerts      AlertsConfig        `yaml:"alerts"`
	Outbox      OutboxConfig        `yaml:"outbox"`
}

// Load 使用统一配置中心加载，失败直接退出
func Load() *Config {
	cfg, err := LoadFrom(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// LoadFrom base.yaml + <env>.yaml，再用环境变量覆盖（优先级最高）
func LoadFrom(env, configDir string) (*Config, error) {
	var cfg Config
	if err := config.Decode(env, configDir, &cfg); err != nil {
		return nil, err
	}
	cfg.Env = env

	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideCronFromEnv(&cfg.Cron)
	if v := os.Getenv("MAINTENANCE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Maintenance.Concurrency = n
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.Maintenance.Concurrency <= 0 {
		cfg.Maintenance.Concurrency = 1
	}
	if cfg.Retainers.Concurrency <= 0 {
		cfg.Retainers.Concurrency = 4
	}
	if cfg.JWT.TTL <= 0 {
		cfg.JWT.TTL = 24 * time.Hour
	}
	if cfg.Alerts.DedupTTL <= 0 {
		cfg.Alerts.DedupTTL = 35 * 24 * time.Hour
	}
	if cfg.Outbox.Interval <= 0 {
		cfg.Outbox.Interval = 2 * time.Second
	}
	if cfg.Outbox.BatchSize <= 0 {
		cfg.Outbox.BatchSize = 100
	}
	if cfg.Outbox.MaxRetries <= 0 {
		cfg.Outbox.MaxRetries = 10
	}
}
