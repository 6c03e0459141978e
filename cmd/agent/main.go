package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"van-backend/pkg/agent"
	"van-backend/pkg/config"
	"van-backend/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/agent.yaml", "path to config file")
	flag.Parse()

	workspaceRoot, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to resolve working directory: %v", err)
	}

	cfg, err := config.LoadAgentConfig(*configPath, workspaceRoot)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg := logger.NewLogger(cfg.Runtime.LogLevel == "debug")
	if cfg.Runtime.LogPath != "" {
		lg.SetLogOutput(cfg.Runtime.LogPath)
	}

	a, err := agent.New(cfg, lg.GetLogger("agent"))
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}
	if err := a.Start(); err != nil {
		log.Fatalf("Agent failed: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := a.Stop(); err != nil {
		log.Fatalf("Agent stop failed: %v", err)
	}
}
