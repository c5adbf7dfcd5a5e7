package review

import (
	"github.com/wrls/tariff-engine/internal/review/service"
	"go.uber.org/fx"
)

var Module = fx.Module("review.service",
	fx.Provide(service.NewService),
)
