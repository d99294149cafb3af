package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noovoleum/mongo-kafka-cdc/internal/assembly"
	"github.com/noovoleum/mongo-kafka-cdc/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to configuration file")
	flag.Parse()

	logger := log.New(os.Stdout, "[cdc-pipe] ", log.LstdFlags)

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	config.ApplyEnv(cfg, os.Getenv)

	logger.Printf("Loaded configuration for %s.%s -> %s", cfg.Source.Database, cfg.Source.Collection, cfg.Log.Topic)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipe, err := assembly.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to assemble pipeline: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Println("Received shutdown signal, stopping pipeline...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Pipeline.ShutdownGraceMs)*time.Millisecond)
		defer shutdownCancel()
		if err := pipe.Shutdown(shutdownCtx); err != nil {
			logger.Printf("Shutdown completed with errors: %v", err)
		}
	}()

	logger.Println("Starting CDC pipeline...")
	if err := pipe.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatalf("Pipeline error: %v", err)
	}

	logger.Println("Pipeline stopped")
	fmt.Println("Goodbye!")
}
