package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pigeonhole-chat/pigeonhole/pkg/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "~/.pigeonhole/config.toml", "Path to config file")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	httpPort := flag.Int("port", 0, "Public HTTP port (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging to debug.log")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pigeonhole-server %s\n", version)
		return
	}

	// .env is optional; environment overrides still apply without it
	if err := godotenv.Load(); err == nil {
		log.Printf("Loaded environment from .env")
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	config := tomlConfig.ToServerConfig()
	if *httpPort != 0 {
		config.HTTPPort = *httpPort
	}

	databasePath := *dbPath
	if databasePath == "" {
		databasePath, err = tomlConfig.GetDatabasePath()
		if err != nil {
			log.Fatalf("Failed to resolve database path: %v", err)
		}
	}

	srv, err := server.NewServer(databasePath, config, *configPath)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("pigeonhole-server %s listening on :%d (database: %s)", version, config.HTTPPort, databasePath)

	// Block until asked to stop, then shut down gracefully
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down...", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}
