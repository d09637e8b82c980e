package db

import (
	_ "github.com/go-sql-driver/mysql"
)

// MySQLConfig holds the configuration for MySQL connection pool.
// DSN format: "user:password@tcp(host:port)/dbname?parseTime=true&loc=UTC"
type MySQLConfig = PoolConfig

// DefaultMySQLConfig returns the default MySQL configuration
func DefaultMySQLConfig() *MySQLConfig {
	cfg := &MySQLConfig{}
	cfg.applyDefaults()
	return cfg
}

// NewMySQLWithConfig creates a new MySQL database connection with custom configuration
func NewMySQLWithConfig(config *MySQLConfig) (*SQLDatabase, error) {
	return open("mysql", DialectMySQL, config)
}
