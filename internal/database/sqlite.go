package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cleanops/fieldsync/internal/agent"
	"github.com/cleanops/fieldsync/internal/conflict"
	"github.com/cleanops/fieldsync/internal/events"
	"github.com/cleanops/fieldsync/internal/outbox"
	"github.com/cleanops/fieldsync/internal/queue"
)

// OpenEventStore establishes the server-side SQLite connection and performs
// schema migrations for the event store.
func OpenEventStore(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&events.Event{}, &events.IngestBatch{}, &migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, serverMigrations, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("event store initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenAgentStore establishes the client-side SQLite connection and performs
// schema migrations for the queue, outbox, conflict, and state tables.
func OpenAgentStore(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&queue.Item{},
		&outbox.Request{},
		&conflict.Record{},
		&agent.StateEntry{},
		&agent.ReplicaRecord{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, agentMigrations, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("agent store initialized", zap.String("path", path))
	}
	return db, nil
}

func open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}
