package config

import (
	"fmt"
	"path/filepath"

	"van-backend/pkg/types"
)

// AgentConfig 站点代理配置
type AgentConfig struct {
	// 站点标识
	SiteID string `yaml:"site_id"`
	Class  string `yaml:"class"` // backbone / member

	// 服务端连接信息
	Server struct {
		Address string `yaml:"address"` // 控制器或接入点地址
		TLS     struct {
			Enabled bool   `yaml:"enabled"`
			CACert  string `yaml:"ca_cert"`
			Cert    string `yaml:"cert"`
			Key     string `yaml:"key"`
		} `yaml:"tls"`
	} `yaml:"server"`

	// 邀请断言，仅成员站点首次接入时使用
	Claim struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"claim"`

	// 接入点入口上报，仅骨干站点使用
	Ingress map[string]struct {
		Host string `yaml:"host"`
		Port string `yaml:"port"`
	} `yaml:"ingress"`

	// 运行时配置
	Runtime struct {
		DataDir  string `yaml:"data_dir"`  // 状态落盘目录
		LogPath  string `yaml:"log_path"`  // 日志文件路径
		LogLevel string `yaml:"log_level"` // 日志级别
	} `yaml:"runtime"`
}

// LoadAgentConfig 加载站点代理配置
func LoadAgentConfig(path string, workspaceRoot string) (*AgentConfig, error) {
	cfg := &AgentConfig{}
	if err := LoadConfig(path, cfg); err != nil {
		return nil, err
	}

	if err := cfg.resolveRelativePaths(workspaceRoot); err != nil {
		return nil, fmt.Errorf("resolving paths: %w", err)
	}

	return cfg, nil
}

// Validate 实现Config接口
func (c *AgentConfig) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	switch types.PeerClass(c.Class) {
	case types.ClassBackbone:
		if c.SiteID == "" {
			return fmt.Errorf("site_id is required for backbone agents")
		}
	case types.ClassMember:
		if c.SiteID == "" && c.Claim.ID == "" {
			return fmt.Errorf("either site_id or claim.id is required for member agents")
		}
	default:
		return fmt.Errorf("invalid class: %q", c.Class)
	}
	return nil
}

// resolveRelativePaths 处理相对路径
func (c *AgentConfig) resolveRelativePaths(baseDir string) error {
	if c.Runtime.DataDir != "" && !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.LogPath != "" && !filepath.IsAbs(c.Runtime.LogPath) {
		c.Runtime.LogPath = filepath.Join(baseDir, c.Runtime.LogPath)
	}
	return nil
}
