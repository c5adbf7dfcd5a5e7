package charging

import (
	"github.com/wrls/tariff-engine/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("charging.client",
	fx.Provide(func(cfg config.Config, log *zap.Logger) Client {
		return NewHTTPClient(cfg.ChargingServiceURL, log)
	}),
)
