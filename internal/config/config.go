package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string

	// DBDriver 取 sqlite 或 mysql；DBDSN 对 sqlite 是文件路径。
	DBDriver string
	DBDSN    string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、审计 Topic、归档消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Redis Stream 审计 outbox（写入方原子入流，Relay 异步转 Kafka）
	AuditStream   string
	AuditGroup    string
	AuditConsumer string

	// 接口限流
	RateLimit  int
	RateWindow time.Duration

	// 管理接口的简单令牌
	AdminToken string

	// 预占租约与过期清理
	LeaseDuration time.Duration
	SweepInterval time.Duration

	Fraud FraudConfig

	OtelEndpoint string
	LogLevel     string
	LogPretty    bool
}

// FraudConfig 风控阈值，额外规则可以从 YAML 文件加载。
type FraudConfig struct {
	VelocityLimit24h int64
	AmountMultiple   int64
	FirstOrderLimit  int64 // 单位：分
	RulesFile        string
	ExtraRules       []RuleSpec
}

// RuleSpec 是一条 CEL 风控规则，表达式为 true 时拦截。
type RuleSpec struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	Reason     string `yaml:"reason"`
}

type rulesFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		DBDriver:      getEnv("DB_DRIVER", "sqlite"),
		DBDSN:         getEnv("DB_DSN", "stock_hold.db"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:       0,
		KafkaBrokers:  splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "stock-hold-audit"),
		KafkaGroupID:  getEnv("KAFKA_GROUP_ID", "stock-hold-audit-archiver"),
		AuditStream:   getEnv("AUDIT_STREAM", "stock_hold:audit_events"),
		AuditGroup:    getEnv("AUDIT_GROUP", "stock-hold-relay-group"),
		AuditConsumer: getEnv("AUDIT_CONSUMER", "stock-hold-relay-1"),
		RateLimit:     100,
		RateWindow:    time.Second,
		AdminToken:    getEnv("ADMIN_TOKEN", "dev-admin-token"),
		LeaseDuration: 15 * time.Minute,
		SweepInterval: 30 * time.Second,
		Fraud: FraudConfig{
			VelocityLimit24h: 5,
			AmountMultiple:   5,
			FirstOrderLimit:  100000,
			RulesFile:        getEnv("FRAUD_RULES_FILE", ""),
		},
		OtelEndpoint: getEnv("OTEL_ENDPOINT", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogPretty:    getEnv("LOG_PRETTY", "false") == "true",
	}

	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "mysql" {
		return AppConfig{}, fmt.Errorf("DB_DRIVER must be sqlite or mysql, got %q", cfg.DBDriver)
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	rateLimit, err := getEnvInt("RATE_LIMIT", cfg.RateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("RATE_LIMIT must be > 0")
	}
	cfg.RateLimit = rateLimit

	if cfg.RateWindow, err = getEnvSeconds("RATE_WINDOW_SEC", cfg.RateWindow); err != nil {
		return AppConfig{}, err
	}
	if cfg.LeaseDuration, err = getEnvSeconds("LEASE_DURATION_SEC", cfg.LeaseDuration); err != nil {
		return AppConfig{}, err
	}
	if cfg.SweepInterval, err = getEnvSeconds("SWEEP_INTERVAL_SEC", cfg.SweepInterval); err != nil {
		return AppConfig{}, err
	}

	if cfg.Fraud.VelocityLimit24h, err = getEnvInt64("FRAUD_VELOCITY_24H", cfg.Fraud.VelocityLimit24h); err != nil {
		return AppConfig{}, err
	}
	if cfg.Fraud.AmountMultiple, err = getEnvInt64("FRAUD_AMOUNT_MULTIPLE", cfg.Fraud.AmountMultiple); err != nil {
		return AppConfig{}, err
	}
	if cfg.Fraud.FirstOrderLimit, err = getEnvInt64("FRAUD_FIRST_ORDER_LIMIT", cfg.Fraud.FirstOrderLimit); err != nil {
		return AppConfig{}, err
	}
	if cfg.Fraud.RulesFile != "" {
		rules, err := LoadRules(cfg.Fraud.RulesFile)
		if err != nil {
			return AppConfig{}, err
		}
		cfg.Fraud.ExtraRules = rules
	}

	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if cfg.AuditStream == "" || cfg.AuditGroup == "" || cfg.AuditConsumer == "" {
		return AppConfig{}, fmt.Errorf("AUDIT_STREAM, AUDIT_GROUP and AUDIT_CONSUMER must not be empty")
	}

	return cfg, nil
}

// LoadRules 从 YAML 文件读取额外风控规则。
func LoadRules(path string) ([]RuleSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fraud rules %s: %w", path, err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse fraud rules %s: %w", path, err)
	}
	for i, r := range f.Rules {
		if r.Name == "" || r.Expression == "" {
			return nil, fmt.Errorf("fraud rule #%d: name and expression are required", i)
		}
	}
	return f.Rules, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return n, nil
}

// getEnvSeconds 读取秒数并转换为 Duration，必须 > 0。
func getEnvSeconds(key string, fallback time.Duration) (time.Duration, error) {
	sec, err := getEnvInt(key, int(fallback/time.Second))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if sec <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return time.Duration(sec) * time.Second, nil
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
