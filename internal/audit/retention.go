package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sdko-org/certdeliver/internal/models"
)

// retentionWindow is how long persisted audit records are kept.
const retentionWindow = 90 * 24 * time.Hour

// Retention deletes persisted audit records past the retention window on a
// fixed interval.
type Retention struct {
	logger *logrus.Logger
	db     *gorm.DB
}

func NewRetention(logger *logrus.Logger, db *gorm.DB) *Retention {
	return &Retention{
		logger: logger,
		db:     db,
	}
}

func (r *Retention) Start(ctx context.Context) {
	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()

	logEntry := r.logger.WithField("component", "audit_retention")
	logEntry.Info("Starting audit retention")

	for {
		select {
		case <-ticker.C:
			r.purge(ctx, logEntry)
		case <-ctx.Done():
			logEntry.Info("Stopping audit retention")
			return
		}
	}
}

func (r *Retention) purge(ctx context.Context, log *logrus.Entry) {
	cutoff := time.Now().Add(-retentionWindow)

	result := r.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&models.AuditRecord{})
	if result.Error != nil {
		log.WithError(result.Error).Error("Audit record purge failed")
		return
	}

	if result.RowsAffected > 0 {
		log.WithField("count", result.RowsAffected).Info("Purged expired audit records")
	}
}
