package billrun

import (
	"github.com/wrls/tariff-engine/internal/billrun/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billrun.service",
	fx.Provide(service.NewFetcher),
	fx.Provide(service.NewService),
)
