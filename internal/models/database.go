package models

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel provides common fields for all database models
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at" gorm:"index"`
}

// Customer is the durable row behind a CustomerInfo aggregate. The
// aggregate itself is stored as a JSON document; Version increases by
// one on every successful write so that concurrent reconciliations
// cannot silently overwrite each other.
type Customer struct {
	BaseModel

	AppUserID string `json:"app_user_id" gorm:"uniqueIndex;not null;size:100"`
	Info      string `json:"info" gorm:"type:text"` // CustomerInfo as JSON
	Version   int64  `json:"version" gorm:"not null;default:0"`
}

// ProcessedNotification records a handled App Store notification for
// auditing. Rows are append-only.
type ProcessedNotification struct {
	BaseModel

	NotificationUUID string `json:"notification_uuid" gorm:"size:64;index"`
	NotificationType string `json:"notification_type" gorm:"size:50;index"`
	AppUserID        string `json:"app_user_id" gorm:"size:100;index"`
	TransactionID    string `json:"transaction_id" gorm:"size:100"`
	Outcome          string `json:"outcome" gorm:"size:20"` // applied, dropped, failed
	Detail           string `json:"detail" gorm:"type:text"`
}
