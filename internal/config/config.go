// Package config содержит логику чтения конфигурации конвейера аналитики.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
)

// ErrInvalidConfig возвращается при некорректной конфигурации. Ошибка фатальна при старте.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config содержит параметры конфигурации конвейера.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	TablesPath  string `env:"TABLES_PATH"`
	AuthSecret  string `env:"AUTH_SECRET" envDefault:"ecobin-secret"`
	// AdminSecret подписывает токены административных эндпоинтов. Пустое значение отключает их.
	AdminSecret string `env:"ADMIN_SECRET"`

	DailyMetricsCron string `env:"DAILY_METRICS_CRON" envDefault:"0 0 * * *"`
	InsightsCron     string `env:"INSIGHTS_CRON" envDefault:"*/5 * * * *"`
	AnomaliesCron    string `env:"ANOMALIES_CRON" envDefault:"*/10 * * * *"`
	AccrualCron      string `env:"ACCRUAL_CRON" envDefault:"*/15 * * * *"`

	JobTimeout      time.Duration `env:"JOB_TIMEOUT" envDefault:"4m"`
	DailyJobTimeout time.Duration `env:"DAILY_JOB_TIMEOUT" envDefault:"30m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	AnomalyWindow    time.Duration `env:"ANOMALY_WINDOW" envDefault:"15m"`
	AccrualBatchSize int           `env:"ACCRUAL_BATCH_SIZE" envDefault:"500"`
	Workers          int           `env:"PIPELINE_WORKERS" envDefault:"8"`
	BackfillDays     int           `env:"BACKFILL_DAYS" envDefault:"0"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	AnomalyTopic string   `env:"ANOMALY_TOPIC" envDefault:"bin-anomalies"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envTablesPath := cfg.TablesPath

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.TablesPath, "t", "", "path to scoring and threshold tables (YAML)")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envTablesPath != "" {
		cfg.TablesPath = envTablesPath
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет расписания и ограничения по времени.
func (c *Config) Validate() error {
	schedules := map[string]string{
		"DAILY_METRICS_CRON": c.DailyMetricsCron,
		"INSIGHTS_CRON":      c.InsightsCron,
		"ANOMALIES_CRON":     c.AnomaliesCron,
		"ACCRUAL_CRON":       c.AccrualCron,
	}
	for name, spec := range schedules {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, name, spec, err)
		}
	}

	durations := map[string]time.Duration{
		"JOB_TIMEOUT":       c.JobTimeout,
		"DAILY_JOB_TIMEOUT": c.DailyJobTimeout,
		"SHUTDOWN_TIMEOUT":  c.ShutdownTimeout,
		"ANOMALY_WINDOW":    c.AnomalyWindow,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}

	if c.AccrualBatchSize <= 0 {
		return fmt.Errorf("%w: ACCRUAL_BATCH_SIZE must be positive", ErrInvalidConfig)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: PIPELINE_WORKERS must be positive", ErrInvalidConfig)
	}
	if c.BackfillDays < 0 {
		return fmt.Errorf("%w: BACKFILL_DAYS must not be negative", ErrInvalidConfig)
	}
	if c.AdminSecret != "" && c.AdminSecret == c.AuthSecret {
		return fmt.Errorf("%w: ADMIN_SECRET must differ from AUTH_SECRET", ErrInvalidConfig)
	}

	// Запуск должен завершиться до следующего тика своей задачи.
	cadences := []struct {
		cronName, cronSpec string
		timeoutName        string
		timeout            time.Duration
	}{
		{"DAILY_METRICS_CRON", c.DailyMetricsCron, "DAILY_JOB_TIMEOUT", c.DailyJobTimeout},
		{"INSIGHTS_CRON", c.InsightsCron, "JOB_TIMEOUT", c.JobTimeout},
		{"ANOMALIES_CRON", c.AnomaliesCron, "JOB_TIMEOUT", c.JobTimeout},
		{"ACCRUAL_CRON", c.AccrualCron, "JOB_TIMEOUT", c.JobTimeout},
	}
	for _, cd := range cadences {
		interval, err := MinInterval(cd.cronSpec)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, cd.cronName, cd.cronSpec, err)
		}
		if cd.timeout >= interval {
			return fmt.Errorf("%w: %s=%s must be shorter than the %s interval %s",
				ErrInvalidConfig, cd.timeoutName, cd.timeout, cd.cronName, interval)
		}
	}

	return nil
}

// minIntervalTicks ограничивает число тиков, просматриваемых MinInterval.
const minIntervalTicks = 1000

// MinInterval возвращает наименьший промежуток между соседними тиками расписания cron.
func MinInterval(spec string) (time.Duration, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, err
	}

	prev := sched.Next(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if prev.IsZero() {
		return 0, errors.New("schedule never fires")
	}

	var interval time.Duration
	for range minIntervalTicks {
		next := sched.Next(prev)
		if next.IsZero() {
			break
		}
		if d := next.Sub(prev); interval == 0 || d < interval {
			interval = d
		}
		prev = next
	}
	if interval == 0 {
		return 0, errors.New("schedule fires only once")
	}
	return interval, nil
}
