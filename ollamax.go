package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ollamax/ollamax/config"
	"github.com/ollamax/ollamax/gateway"
	"github.com/ollamax/ollamax/store"
)

var version string = "0"
var commit string = "abcd1234"
var date = "unknown"

func main() {
	configPath := flag.String("config", "", "config file name (optional, env vars override)")
	listenStr := flag.String("listen", "", "listen ip/port (overrides config)")
	showVersion := flag.Bool("version", false, "show version of build")

	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s (%s), built at %s\n", version, commit, date)
		os.Exit(0)
	}
	gateway.Version = version

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *listenStr != "" {
		cfg.Listen = *listenStr
	}

	if mode := os.Getenv("GIN_MODE"); mode != "" {
		gin.SetMode(mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := store.Connect(ctx, cfg.MongoURI)
	cancel()
	if err != nil {
		fmt.Printf("Error connecting to MongoDB: %v\n", err)
		os.Exit(1)
	}
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	err = db.EnsureIndexes(ctx)
	cancel()
	if err != nil {
		fmt.Printf("Error creating indexes: %v\n", err)
		os.Exit(1)
	}

	manager, err := gateway.New(cfg, db)
	if err != nil {
		fmt.Printf("Error starting gateway: %v\n", err)
		os.Exit(1)
	}
	if err := manager.Start(); err != nil {
		fmt.Printf("Error starting health checks: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("Shutting down ollamax")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
		db.Close(ctx)
		os.Exit(0)
	}()

	if err := manager.Run(cfg.Listen); err != nil {
		fmt.Printf("Server error: %v\n", err)
		os.Exit(1)
	}
}
