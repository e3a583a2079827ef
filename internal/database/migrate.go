package database

import (
	"patchbridge/internal/models"
	"patchbridge/pkg/logger"

	"gorm.io/gorm"
)

// Migrate 执行数据库迁移
func Migrate(db *gorm.DB) error {
	appLogger := logger.GetLogger()
	appLogger.Info("Starting database migration...")

	err := db.AutoMigrate(
		&models.Branch{},
		&models.BridgedSubmission{},
		&models.BridgedMessage{},
		&models.ProcessedEvent{},
		&models.SeriesPart{},
		&models.BridgeAudit{},
		&models.PushLog{},
	)
	if err != nil {
		appLogger.Errorf("Database migration failed: %v", err)
		return err
	}

	appLogger.Info("Database migration completed successfully")
	return nil
}
