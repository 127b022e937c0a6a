package call

import (
	"maps"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/status"
	"gorm.io/datatypes"
)

// Metadata keys written by the engine.
const (
	MetadataVoicemail = "isVoicemail"
)

// Call is the persisted lifecycle record of one provider call.
type Call struct {
	ID             string  `gorm:"column:id;type:varchar(64);primaryKey"                    json:"id"`
	OrganizationID string  `gorm:"column:organization_id;type:varchar(64);not null;index"   json:"organization_id"`
	ProviderCallID *string `gorm:"column:provider_call_id;type:varchar(128);uniqueIndex"    json:"provider_call_id,omitempty"`
	CorrelationID  *string `gorm:"column:correlation_id;type:varchar(128);index"            json:"correlation_id,omitempty"`
	LeadID         *string `gorm:"column:lead_id;type:varchar(64)"                          json:"lead_id,omitempty"`
	AgentID        *string `gorm:"column:agent_id;type:varchar(64)"                         json:"agent_id,omitempty"`

	Status status.Status `gorm:"column:status;type:varchar(20);not null;default:'scheduled'" json:"status"`

	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
	StartedAt *time.Time `gorm:"column:started_at"                json:"started_at,omitempty"`
	EndedAt   *time.Time `gorm:"column:ended_at"                  json:"ended_at,omitempty"`

	DurationSeconds *int     `gorm:"column:duration_seconds"              json:"duration_seconds,omitempty"`
	RecordingURL    *string  `gorm:"column:recording_url;type:text"       json:"recording_url,omitempty"`
	Transcript      *string  `gorm:"column:transcript;type:text"          json:"transcript,omitempty"`
	CostPerMinute   *float64 `gorm:"column:cost_per_minute"               json:"cost_per_minute,omitempty"`
	CostTotal       *float64 `gorm:"column:cost_total"                    json:"cost_total,omitempty"`
	CostCurrency    *string  `gorm:"column:cost_currency;type:varchar(8)" json:"cost_currency,omitempty"`
	EndReason       *string  `gorm:"column:end_reason;type:text"          json:"end_reason,omitempty"`

	Metadata datatypes.JSONMap `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
}

func (Call) TableName() string {
	return "calls"
}

// Ref addresses a call inside its organization.
type Ref struct {
	CallID         string
	OrganizationID string
}

func (c *Call) Ref() Ref {
	return Ref{CallID: c.ID, OrganizationID: c.OrganizationID}
}

// ProviderID returns the provider call id or an empty string when it is not known yet.
func (c *Call) ProviderID() string {
	if c.ProviderCallID == nil {
		return ""
	}

	return *c.ProviderCallID
}

// Clone returns a deep copy so callers can mutate it without touching c.
func (c *Call) Clone() Call {
	out := *c

	out.ProviderCallID = clonePtr(c.ProviderCallID)
	out.CorrelationID = clonePtr(c.CorrelationID)
	out.LeadID = clonePtr(c.LeadID)
	out.AgentID = clonePtr(c.AgentID)
	out.StartedAt = clonePtr(c.StartedAt)
	out.EndedAt = clonePtr(c.EndedAt)
	out.DurationSeconds = clonePtr(c.DurationSeconds)
	out.RecordingURL = clonePtr(c.RecordingURL)
	out.Transcript = clonePtr(c.Transcript)
	out.CostPerMinute = clonePtr(c.CostPerMinute)
	out.CostTotal = clonePtr(c.CostTotal)
	out.CostCurrency = clonePtr(c.CostCurrency)
	out.EndReason = clonePtr(c.EndReason)

	if c.Metadata != nil {
		out.Metadata = maps.Clone(c.Metadata)
	}

	return out
}

func clonePtr[T any](value *T) *T {
	if value == nil {
		return nil
	}

	copied := *value

	return &copied
}

// Column names used in partial updates.
const (
	ColumnProviderCallID  = "provider_call_id"
	ColumnStatus          = "status"
	ColumnStartedAt       = "started_at"
	ColumnEndedAt         = "ended_at"
	ColumnDurationSeconds = "duration_seconds"
	ColumnRecordingURL    = "recording_url"
	ColumnTranscript      = "transcript"
	ColumnCostPerMinute   = "cost_per_minute"
	ColumnCostTotal       = "cost_total"
	ColumnCostCurrency    = "cost_currency"
	ColumnEndReason       = "end_reason"
	ColumnMetadata        = "metadata"
)
