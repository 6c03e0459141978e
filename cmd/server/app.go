package main

import (
	"van-backend/pkg/logger"
	"van-backend/pkg/server"
)

// App 控制器进程
type App struct {
	server *server.Server
	logger *logger.Logger
}

// NewApp 创建应用实例
func NewApp(srv *server.Server, log *logger.Logger) *App {
	return &App{
		server: srv,
		logger: log,
	}
}

// Run 启动服务器
func (a *App) Run() error {
	log := a.logger.GetLogger("app")
	log.Info().Msg("Starting controller")
	return a.server.Start()
}

// Shutdown 优雅停机
func (a *App) Shutdown() error {
	return a.server.Stop()
}
