package main

import (
	"os"
	"path/filepath"

	"van-backend/pkg/config"
	"van-backend/pkg/logger"
	"van-backend/pkg/server"
)

// InitializeApp 手工装配依赖
func InitializeApp(configPath string) (*App, error) {
	workspaceRoot, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	var cfg *config.ServerConfig
	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.LoadServerConfig(configPath, workspaceRoot)
		if err != nil {
			return nil, err
		}
	} else {
		// 无配置文件时使用默认值
		cfg = config.DefaultServerConfig()
		if cfg.Storage.SQLite.Path != "" && !filepath.IsAbs(cfg.Storage.SQLite.Path) {
			cfg.Storage.SQLite.Path = filepath.Join(workspaceRoot, cfg.Storage.SQLite.Path)
			if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLite.Path), 0755); err != nil {
				return nil, err
			}
		}
	}

	log := provideLogger(cfg.Log.Debug, cfg.Log.File)

	srv, err := server.New(cfg, log)
	if err != nil {
		return nil, err
	}

	return NewApp(srv, log), nil
}

// provideLogger 装配日志
func provideLogger(debug bool, logFile string) *logger.Logger {
	log := logger.NewLogger(debug)
	if logFile != "" {
		log.SetLogOutput(logFile)
	}
	return log
}
