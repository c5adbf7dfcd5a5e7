// Package db opens the gorm connection the engine persists through.
package db

import (
	"time"

	"github.com/wrls/tariff-engine/internal/config"
	"go.uber.org/fx"
	"gorm.io/gorm"
	gormprometheus "gorm.io/plugin/prometheus"
)

// Open builds the gorm handle with pool settings applied.
func Open(cfg Config) (*gorm.DB, error) {
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConn)
	}
	if cfg.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConn)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	// Pool stats land on the default registerer; the metrics handler gathers
	// it alongside the engine registry.
	if err := conn.Use(gormprometheus.New(gormprometheus.Config{
		DBName:          cfg.Name,
		RefreshInterval: 15,
	})); err != nil {
		return nil, err
	}
	return conn, nil
}

func fromAppConfig(appCfg config.Config) Config {
	return Config{
		Type:            appCfg.DBType,
		Host:            appCfg.DBHost,
		Port:            appCfg.DBPort,
		Name:            appCfg.DBName,
		User:            appCfg.DBUser,
		Password:        appCfg.DBPassword,
		SSLMode:         appCfg.DBSSLMode,
		MaxIdleConn:     appCfg.DBMaxIdleConn,
		MaxOpenConn:     appCfg.DBMaxOpenConn,
		ConnMaxLifetime: appCfg.DBConnMaxLifetime,
	}
}

// Module provides the database connection.
var Module = fx.Module("db",
	fx.Provide(fromAppConfig),
	fx.Provide(Open),
)
