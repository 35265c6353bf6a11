package models

import (
	"time"
)

type AuditRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp   time.Time `gorm:"index;not null"`
	ClientIP    string    `gorm:"type:varchar(45);not null;index"`
	Filename    string    `gorm:"type:text;not null"`
	Status      string    `gorm:"type:varchar(32);not null;index"`
	Reason      string    `gorm:"type:varchar(64)"`
	TokenMasked string    `gorm:"type:varchar(16)"`
	UserAgent   string    `gorm:"type:text"`
}

func (AuditRecord) TableName() string {
	return "audit_records"
}
