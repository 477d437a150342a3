package main

import (
	"flag"
	"log"
	"os"

	"EdgeRefresh/internal/di"
	"EdgeRefresh/pkg/config"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	log.Printf("env=%s cache=%s kafka=%t clickhouse=%t queue=%t feed=%t",
		cfg.Environment, cfg.Cache.Backend, cfg.Kafka.Enabled, cfg.ClickHouse.Enabled, cfg.Queue.Enabled, cfg.OddsFeed.Enabled)

	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	// blocks until SIGINT/SIGTERM
	if err := app.Run(); err != nil {
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}
