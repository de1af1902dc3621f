package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillQueueRetryBudgets = "2026-05-12_backfill_queue_retry_budgets"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var serverMigrations = []migrationDefinition{}

var agentMigrations = []migrationDefinition{
	{name: migrationBackfillQueueRetryBudgets, apply: backfillQueueRetryBudgets},
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Items written before retry budgets were persisted carry a zero budget and
// would read as terminally failed. Derive the budget from the priority class.
func backfillQueueRetryBudgets(db *gorm.DB) error {
	const statement = `UPDATE sync_queue_items SET max_attempts = CASE priority
		WHEN 'high' THEN 10
		WHEN 'medium' THEN 5
		ELSE 3
	END WHERE max_attempts = 0;`
	return db.Exec(statement).Error
}
