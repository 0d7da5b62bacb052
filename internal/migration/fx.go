package migration

import (
	"github.com/smallbiznis/esocialgw/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.RunMigrations {
			log.Info("schema migrations disabled")
			return nil
		}
		if cfg.DBType != "" && cfg.DBType != "postgres" {
			log.Warn("schema migrations only run against postgres", zap.String("db_type", cfg.DBType))
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		_, err = RunMigrations(sqlDB, log.Named("migration"))
		return err
	}),
)
