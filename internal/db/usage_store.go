// Package db persists per-request usage records in SQLite so the status
// CLI can summarize consumption without the server running.
package db

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// UsageRecord is one completed request.
type UsageRecord struct {
	ID              uint      `gorm:"primaryKey;autoIncrement;column:id"`
	RequestID       string    `gorm:"column:request_id;index"`
	Route           string    `gorm:"column:route;not null"`
	Provider        string    `gorm:"column:provider;index:idx_provider_model;not null"`
	Model           string    `gorm:"column:model;index:idx_provider_model;not null"`
	RequestModel    string    `gorm:"column:request_model"`
	Timestamp       time.Time `gorm:"column:timestamp;index;not null"`
	InputTokens     int       `gorm:"column:input_tokens;not null"`
	OutputTokens    int       `gorm:"column:output_tokens;not null"`
	TotalTokens     int       `gorm:"column:total_tokens;not null"`
	CacheReadTokens int       `gorm:"column:cache_read_tokens"`
	CacheWriteTokens int      `gorm:"column:cache_write_tokens"`
	Status          string    `gorm:"column:status;index;not null"`
	ErrorCode       string    `gorm:"column:error_code"`
	DurationMS      int64     `gorm:"column:duration_ms"`
	Streamed        bool      `gorm:"column:streamed;default:0"`
}

// TableName fixes the table name for GORM.
func (UsageRecord) TableName() string {
	return "usage_records"
}

// UsageStore wraps the SQLite-backed ledger.
type UsageStore struct {
	mu sync.Mutex
	db *gorm.DB
}

// NewUsageStore opens (and migrates) the ledger at dbFile.
func NewUsageStore(dbFile string) (*UsageStore, error) {
	dsn := dbFile + "?_busy_timeout=5000&_journal_mode=WAL"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}
	if err := gdb.AutoMigrate(&UsageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate usage database: %w", err)
	}
	return &UsageStore{db: gdb}, nil
}

// Record appends one usage row.
func (s *UsageStore) Record(record *UsageRecord) error {
	if record == nil {
		return errors.New("record cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	record.TotalTokens = record.InputTokens + record.OutputTokens
	if record.Status == "" {
		record.Status = "success"
	}
	return s.db.Create(record).Error
}

// ModelSummary aggregates usage per model.
type ModelSummary struct {
	Provider     string
	Model        string
	RequestCount int64
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	ErrorCount   int64
}

// Summarize aggregates usage since the given time, newest-heaviest first.
func (s *UsageStore) Summarize(since time.Time) ([]ModelSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ModelSummary
	err := s.db.Model(&UsageRecord{}).
		Select(`provider, model,
			COUNT(*) AS request_count,
			SUM(input_tokens) AS input_tokens,
			SUM(output_tokens) AS output_tokens,
			SUM(total_tokens) AS total_tokens,
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END) AS error_count`).
		Where("timestamp >= ?", since).
		Group("provider, model").
		Order("total_tokens DESC").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return out, nil
}

// Close releases the underlying connection.
func (s *UsageStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
