package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/llmworker/internal/config"
	"github.com/suPer8Hu/llmworker/internal/db"
	"github.com/suPer8Hu/llmworker/internal/dispatcher"
	"github.com/suPer8Hu/llmworker/internal/healthserver"
	"github.com/suPer8Hu/llmworker/internal/llm"
	"github.com/suPer8Hu/llmworker/internal/metrics"
	"github.com/suPer8Hu/llmworker/internal/processor"
	"github.com/suPer8Hu/llmworker/internal/store"
	"github.com/suPer8Hu/llmworker/internal/store/cache"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	st := store.New(gdb)
	if err := st.AutoMigrate(); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	accel := cache.New(rdb)

	caller := llm.NewCaller(cfg.SiteURL, cfg.SiteName, llm.Params{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelayMs: cfg.BaseDelayMs,
		MaxDelayS:   cfg.MaxDelayS,
	})

	m := metrics.New()

	proc := &processor.Processor{
		Store:   st,
		Cache:   accel,
		Caller:  caller,
		Metrics: m,
	}

	disp := dispatcher.New(dispatcher.Config{
		RabbitURL:        cfg.RabbitURL,
		Queue:            cfg.RabbitQueue,
		MaxParallelTasks: cfg.MaxParallelTasks,
	}, proc, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started queue=%s max_parallel_tasks=%d health_addr=%s",
		cfg.RabbitQueue, cfg.MaxParallelTasks, cfg.HealthAddr)

	go func() {
		if err := healthserver.Run(ctx, cfg.HealthAddr, disp); err != nil {
			log.Printf("health server stopped: %v", err)
		}
	}()

	if err := disp.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("dispatcher stopped: %v", err)
	}

	log.Printf("worker shutting down")
}
