package migration

import (
	"github.com/smallbiznis/metergate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if cfg.DBType != "postgres" {
			log.Named("migration").Warn("skipping SQL migrations for non-postgres database",
				zap.String("db_type", cfg.DBType))
			return conn.AutoMigrate(migratedModels()...)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
