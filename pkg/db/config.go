package db

import (
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
)

// PoolConfig holds connection pool limits; lifetimes are in seconds.
type PoolConfig struct {
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime int
	ConnMaxIdleTime int
}

func PoolConfigFrom(cfg config.Config) PoolConfig {
	return PoolConfig{
		MaxIdleConn:     cfg.DBMaxIdleConn,
		MaxOpenConn:     cfg.DBMaxOpenConn,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	}
}

func (c PoolConfig) lifetime() time.Duration { return time.Duration(c.ConnMaxLifetime) * time.Second }

func (c PoolConfig) idleTime() time.Duration { return time.Duration(c.ConnMaxIdleTime) * time.Second }
