package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	configPath := flag.String("config", "configs/server.yaml", "path to config file")
	flag.Parse()

	app, err := InitializeApp(*configPath)
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}

	if err := app.Run(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}

	// 等待退出信号
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := app.Shutdown(); err != nil {
		log.Fatalf("Shutdown failed: %v", err)
	}
}
