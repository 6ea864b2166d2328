package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	SiteURL  string
	SiteName string

	RetryAttempts int
	BaseDelayMs   int64
	MaxDelayS     int64

	DBDSN string

	RabbitURL   string
	RabbitQueue string

	MaxParallelTasks int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	HealthAddr string
}

func Load() Config {
	siteURL := os.Getenv("SITE_URL")
	if siteURL == "" {
		siteURL = "https://example.com"
	}
	siteName := os.Getenv("SITE_NAME")
	if siteName == "" {
		siteName = "llmworker"
	}

	retryAttempts := 5
	if v := os.Getenv("RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			retryAttempts = n
		}
	}

	baseDelayMs := int64(500)
	if v := os.Getenv("BASE_DELAY_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			baseDelayMs = n
		}
	}

	maxDelayS := int64(60)
	if v := os.Getenv("MAX_DELAY_S"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			maxDelayS = n
		}
	}

	// DSN demo：
	// app:apppass@tcp(127.0.0.1:3306)/llmworker?charset=utf8mb4&parseTime=true&loc=Local
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local",
			envOr("DATABASE_USER", "app"),
			envOr("DATABASE_PASSWORD", "apppass"),
			envOr("DATABASE_HOST", "127.0.0.1"),
			envOr("DATABASE_PORT", "3306"),
			envOr("DATABASE_NAME", "llmworker"),
		)
	}

	rabbitURL := os.Getenv("RABBIT_URL")
	if rabbitURL == "" {
		rabbitURL = fmt.Sprintf("amqp://%s:%s@%s:%s/",
			envOr("RABBITMQ_USER", "guest"),
			envOr("RABBITMQ_PASSWORD", "guest"),
			envOr("RABBITMQ_HOST", "127.0.0.1"),
			envOr("RABBITMQ_PORT", "5672"),
		)
	}
	rabbitQueue := os.Getenv("RABBIT_QUEUE")
	if rabbitQueue == "" {
		rabbitQueue = "data_generation_tasks"
	}

	maxParallelTasks := 10
	if v := os.Getenv("MAX_PARALLEL_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxParallelTasks = n
		}
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "127.0.0.1:6379"
	}
	redisDB := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			redisDB = n
		}
	}

	healthAddr := os.Getenv("HEALTH_ADDR")
	if healthAddr == "" {
		healthAddr = ":8080"
	}

	return Config{
		SiteURL:  siteURL,
		SiteName: siteName,

		RetryAttempts: retryAttempts,
		BaseDelayMs:   baseDelayMs,
		MaxDelayS:     maxDelayS,

		DBDSN: dsn,

		RabbitURL:   rabbitURL,
		RabbitQueue: rabbitQueue,

		MaxParallelTasks: maxParallelTasks,

		RedisAddr:     redisAddr,
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		HealthAddr: healthAddr,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
