package store

import (
	"fmt"

	"gorm.io/driver/postgres"
)

// NewPostgresStore 创建PostgreSQL存储实例
func NewPostgresStore(cfg *PostgresConfig) (*GormStore, error) {
	if cfg == nil || cfg.Host == "" {
		return nil, fmt.Errorf("postgres host is required")
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)
	st, err := NewGormStore(postgres.Open(dsn))
	if err != nil {
		return nil, err
	}
	if err := st.initialize(); err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	return st, nil
}
