package main

import (
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB opens the sqlite database with gorm's logging routed through log.
// Lookups that find nothing are normal control flow and are not logged.
func OpenDB(path string, log *zap.Logger) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.New(zap.NewStdLog(log.Named("gorm")), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Admin{},
		&Question{},
		&Option{},
		&QuestionBlank{},
		&FeedbackForm{},
		&FeedbackField{},
		&FeedbackSubmission{},
		&ChatMessage{},
		&ChatRead{},
		&IntegrationSetting{},
		&MediaAsset{},
	)
}

func IsQuestionTableEmpty(db *gorm.DB) (bool, error) {
	var count int64
	if err := db.Model(&Question{}).Count(&count).Error; err != nil {
		return false, err
	}
	return count == 0, nil
}
