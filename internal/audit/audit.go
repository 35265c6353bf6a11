// Package audit emits one structured record per request decision. Writes
// are best-effort: a failed sink write is logged but never changes the
// outcome of the request it describes.
package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sdko-org/certdeliver/internal/models"
)

// Entry is a single access decision.
type Entry struct {
	ClientIP    string
	Filename    string
	Status      string
	Reason      string
	TokenMasked string
	UserAgent   string
	Timestamp   time.Time
}

type Logger struct {
	log *logrus.Entry
	db  *gorm.DB
}

// NewLogger creates an audit sink. db may be nil, in which case records are
// only written to the structured log.
func NewLogger(logger *logrus.Logger, db *gorm.DB) *Logger {
	return &Logger{
		log: logger.WithField("component", "audit"),
		db:  db,
	}
}

// Record externalizes an audit entry. The entry's timestamp defaults to now.
func (l *Logger) Record(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	l.log.WithFields(logrus.Fields{
		"event":        "certificate_access",
		"client_ip":    entry.ClientIP,
		"filename":     entry.Filename,
		"status":       entry.Status,
		"reason":       entry.Reason,
		"token_masked": entry.TokenMasked,
		"user_agent":   entry.UserAgent,
	}).Info("AUDIT")

	if l.db == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		record := models.AuditRecord{
			Timestamp:   entry.Timestamp,
			ClientIP:    entry.ClientIP,
			Filename:    entry.Filename,
			Status:      entry.Status,
			Reason:      entry.Reason,
			TokenMasked: entry.TokenMasked,
			UserAgent:   entry.UserAgent,
		}

		if err := l.db.WithContext(ctx).Create(&record).Error; err != nil {
			l.log.WithError(err).Warn("Failed to persist audit record")
		}
	}()
}
