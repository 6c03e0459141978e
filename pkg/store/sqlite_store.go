package store

import (
	"fmt"

	"github.com/glebarez/sqlite"
)

// DefaultSQLiteConfig 返回默认SQLite配置
func DefaultSQLiteConfig(path string) *SQLiteConfig {
	return &SQLiteConfig{Path: path}
}

// NewSQLiteStore 创建SQLite存储实例。
// SQLite 单写者，连接池压到单连接；:memory: 在多连接下
// 每个连接是独立数据库，必须单连接
func NewSQLiteStore(cfg *SQLiteConfig) (*GormStore, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	st, err := NewGormStore(sqlite.Open(cfg.Path))
	if err != nil {
		return nil, err
	}
	sqlDB, err := st.db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if err := st.initialize(); err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	return st, nil
}
