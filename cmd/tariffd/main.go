package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/wrls/tariff-engine/internal/billrun"
	"github.com/wrls/tariff-engine/internal/charging"
	"github.com/wrls/tariff-engine/internal/clock"
	"github.com/wrls/tariff-engine/internal/config"
	"github.com/wrls/tariff-engine/internal/logger"
	"github.com/wrls/tariff-engine/internal/migration"
	"github.com/wrls/tariff-engine/internal/observability"
	"github.com/wrls/tariff-engine/internal/review"
	"github.com/wrls/tariff-engine/internal/scheduler"
	"github.com/wrls/tariff-engine/internal/server"
	"github.com/wrls/tariff-engine/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		review.Module,
		charging.Module,
		billrun.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
