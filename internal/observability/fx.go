package observability

import (
	"github.com/wrls/tariff-engine/internal/config"
	"github.com/wrls/tariff-engine/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		provideMetricsConfig,
		metrics.New,
	),
)

func provideMetricsConfig(cfg config.Config) metrics.Config {
	return metrics.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
	}
}
