package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// 环境变量
const (
	EnvStandaloneNamespace = "SKX_STANDALONE_NAMESPACE"
	EnvControllerName      = "SKX_CONTROLLER_NAME"
	EnvHostname            = "HOSTNAME"
)

// ServerConfig 控制器配置
type ServerConfig struct {
	// 服务器配置
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		TLS  struct {
			Enabled bool   `yaml:"enabled"`
			Cert    string `yaml:"cert"`
			Key     string `yaml:"key"`
		} `yaml:"tls"`
	} `yaml:"server"`

	// 控制器标识，为空时取 SKX_CONTROLLER_NAME / HOSTNAME
	Controller struct {
		Name string `yaml:"name"`
	} `yaml:"controller"`

	// 集群协作方配置
	Cluster struct {
		Namespace  string `yaml:"namespace"`
		Standalone bool   `yaml:"standalone"` // 不在集群内运行
	} `yaml:"cluster"`

	// 状态同步配置
	Sync struct {
		BeaconInterval  int `yaml:"beacon_interval"`  // 秒
		HeartbeatPeriod int `yaml:"heartbeat_period"` // 秒
		HeartbeatWindow int `yaml:"heartbeat_window"` // 秒
		RequestTimeout  int `yaml:"request_timeout"`  // 秒
	} `yaml:"sync"`

	// 日志配置
	Log struct {
		Debug bool   `yaml:"debug"`
		File  string `yaml:"file"`
	} `yaml:"log"`

	// 存储配置
	Storage struct {
		Type   string `yaml:"type"`
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		Postgres struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
			DBName   string `yaml:"dbname"`
			SSLMode  string `yaml:"sslmode"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	// 管理面认证
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// LoadServerConfig 加载控制器配置
func LoadServerConfig(path string, workspaceRoot string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := LoadConfig(path, cfg); err != nil {
		return nil, err
	}

	// 处理相对路径
	if err := cfg.resolveRelativePaths(workspaceRoot); err != nil {
		return nil, fmt.Errorf("resolving paths: %w", err)
	}

	cfg.applyEnvironment()

	return cfg, nil
}

// Validate 实现Config接口
func (c *ServerConfig) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Storage.Type == "" {
		return fmt.Errorf("storage.type is required")
	}
	if c.Sync.HeartbeatPeriod < 0 || c.Sync.HeartbeatWindow < 0 {
		return fmt.Errorf("invalid sync timer configuration")
	}
	return nil
}

// applyEnvironment 应用环境变量覆盖
func (c *ServerConfig) applyEnvironment() {
	if ns := os.Getenv(EnvStandaloneNamespace); ns != "" {
		c.Cluster.Standalone = true
		c.Cluster.Namespace = ns
	}
	if c.Controller.Name == "" {
		c.Controller.Name = os.Getenv(EnvControllerName)
	}
	if c.Controller.Name == "" {
		c.Controller.Name = os.Getenv(EnvHostname)
	}
	if c.Controller.Name == "" {
		if hn, err := os.Hostname(); err == nil {
			c.Controller.Name = hn
		}
	}
}

// resolveRelativePaths 处理相对路径
func (c *ServerConfig) resolveRelativePaths(baseDir string) error {
	if c.Log.File != "" && !filepath.IsAbs(c.Log.File) {
		c.Log.File = filepath.Join(baseDir, c.Log.File)
	}

	if c.Storage.Type == "sqlite" && c.Storage.SQLite.Path != "" &&
		c.Storage.SQLite.Path != ":memory:" && !filepath.IsAbs(c.Storage.SQLite.Path) {
		c.Storage.SQLite.Path = filepath.Join(baseDir, c.Storage.SQLite.Path)
		// 确保数据库目录存在
		if err := os.MkdirAll(filepath.Dir(c.Storage.SQLite.Path), 0755); err != nil {
			return fmt.Errorf("creating sqlite directory: %w", err)
		}
	}

	return nil
}

// DefaultServerConfig 返回默认控制器配置
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}

	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8085

	cfg.Cluster.Namespace = "skx"

	cfg.Sync.BeaconInterval = 5
	cfg.Sync.HeartbeatPeriod = 10
	cfg.Sync.HeartbeatWindow = 5
	cfg.Sync.RequestTimeout = 5

	cfg.Log.Debug = false
	cfg.Log.File = "data/van-server.log"

	cfg.Storage.Type = "sqlite"
	cfg.Storage.SQLite.Path = "data/van.db"

	cfg.applyEnvironment()

	return cfg
}
