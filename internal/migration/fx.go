package migration

import (
	billrundomain "github.com/wrls/tariff-engine/internal/billrun/domain"
	chargedomain "github.com/wrls/tariff-engine/internal/charge/domain"
	"github.com/wrls/tariff-engine/internal/config"
	licencedomain "github.com/wrls/tariff-engine/internal/licence/domain"
	reviewdomain "github.com/wrls/tariff-engine/internal/review/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Local sqlite and mysql setups skip versioned migrations.
			return autoMigrate(conn)
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)

func autoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&licencedomain.Licence{},
		&licencedomain.LicenceSupplementaryYear{},
		&chargedomain.ChargeVersion{},
		&chargedomain.ChargeReference{},
		&chargedomain.ChargeElement{},
		&chargedomain.ReturnLog{},
		&chargedomain.ReturnLine{},
		&billrundomain.BillRun{},
		&reviewdomain.ReviewLicence{},
		&reviewdomain.ReviewChargeVersion{},
		&reviewdomain.ReviewChargeReference{},
		&reviewdomain.ReviewChargeElement{},
		&reviewdomain.ReviewReturn{},
	)
}
