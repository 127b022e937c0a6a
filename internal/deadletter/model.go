package deadletter

import (
	"time"

	"gorm.io/datatypes"
)

// DispatchDeadLetter is a terminal side effect that failed and waits for a retry.
type DispatchDeadLetter struct {
	CallID         string         `gorm:"column:call_id;type:varchar(64);primaryKey;not null"`
	Handler        string         `gorm:"column:handler;type:varchar(64);primaryKey;not null"`
	OrganizationID string         `gorm:"column:organization_id;type:varchar(64);not null"`
	Payload        datatypes.JSON `gorm:"column:payload;type:jsonb;not null"`
	Error          string         `gorm:"column:error;type:text;not null"`
	Status         string         `gorm:"column:status;type:varchar(20);default:'pending';not null"`
	RetryCount     int            `gorm:"column:retry_count;type:int;default:0;not null"`
	LastRetryAt    *time.Time     `gorm:"column:last_retry_at;type:timestamp"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime"`
}

const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
)

func (DispatchDeadLetter) TableName() string {
	return "terminal_dispatch_dl"
}
