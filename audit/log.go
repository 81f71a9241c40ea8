// Package audit persists the local append-only audit trail in an embedded
// sqlite database. Rows are written best-effort alongside every pipeline
// run; a failing audit write degrades observability, never the pipeline.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rxledger/core"
)

// Record is one audit row.
type Record struct {
	ID            string `gorm:"primaryKey;size:36"`
	TopicID       string `gorm:"index;size:128"`
	EventType     string `gorm:"size:16"`
	ContentHash   string `gorm:"size:80"`
	PrevEventHash string `gorm:"size:80"`
	KeyID         string `gorm:"size:24"`
	Nonce         string `gorm:"size:64"`
	LedgerStatus  string `gorm:"size:32"`
	Degraded      bool
	SignatureOK   bool
	Note          string
	CreatedAt     time.Time `gorm:"index"`
}

// Log is the sqlite-backed audit sink. Implements core.AuditSink.
type Log struct {
	db *gorm.DB
}

// Open creates or opens the audit database and migrates the schema.
func Open(path string) (*Log, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &Log{db: db}, nil
}

// Append writes one row. Rows are never updated or deleted.
func (l *Log) Append(ctx context.Context, entry core.AuditEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	record := Record{
		ID:            uuid.NewString(),
		TopicID:       entry.TopicID,
		EventType:     string(entry.EventType),
		ContentHash:   entry.ContentHash,
		PrevEventHash: entry.PrevEventHash,
		KeyID:         entry.KeyID,
		Nonce:         entry.Nonce,
		LedgerStatus:  entry.LedgerStatus,
		Degraded:      entry.Degraded,
		SignatureOK:   entry.SignatureOK,
		Note:          entry.Note,
		CreatedAt:     at,
	}
	return l.db.WithContext(ctx).Create(&record).Error
}

// ByTopic returns a channel's audit rows in insertion order.
func (l *Log) ByTopic(ctx context.Context, topicID string) ([]Record, error) {
	var records []Record
	err := l.db.WithContext(ctx).
		Where("topic_id = ?", topicID).
		Order("created_at asc").
		Find(&records).Error
	return records, err
}

// Degraded returns the rows whose ledger write failed, oldest first. Used by
// operators to audit the gap reconciliation has to close.
func (l *Log) Degraded(ctx context.Context) ([]Record, error) {
	var records []Record
	err := l.db.WithContext(ctx).
		Where("degraded = ?", true).
		Order("created_at asc").
		Find(&records).Error
	return records, err
}
