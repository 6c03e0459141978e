package handlers

import (
	"net/http"
	"runtime"
	"time"

	syncpkg "van-backend/pkg/sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// StatusHandler 控制器状态上报
type StatusHandler struct {
	engine    *syncpkg.Engine
	startTime time.Time
	logger    zerolog.Logger
}

// NewStatusHandler 创建状态处理器
func NewStatusHandler(engine *syncpkg.Engine, logger zerolog.Logger) *StatusHandler {
	return &StatusHandler{
		engine:    engine,
		startTime: time.Now(),
		logger:    logger.With().Str("handler", "status").Logger(),
	}
}

// HandleGetStatus GET /status
func (h *StatusHandler) HandleGetStatus(c *gin.Context) {
	status := gin.H{
		"go_version": runtime.Version(),
		"uptime":     time.Since(h.startTime).Seconds(),
		"peers":      h.engine.Peers(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status["cpu_usage"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status["memory_usage"] = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		status["disk_usage"] = du.UsedPercent
	}
	if info, err := host.Info(); err == nil {
		status["hostname"] = info.Hostname
		status["os"] = info.OS
	}

	c.JSON(http.StatusOK, status)
}
