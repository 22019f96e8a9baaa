package domain

import "time"

// FollowupSettings is the optional per-agent re-engagement policy. A missing
// row means follow-ups are enabled with the default delay.
type FollowupSettings struct {
	ID      int64 `json:"id,string" gorm:"primaryKey"`
	AgentID int64 `json:"agent_id,string" gorm:"uniqueIndex"`
	Enabled bool  `json:"enabled"`
	// DelayType is one of 10min|1h|3h|24h|3d|5d.
	DelayType     string `json:"delay_type"`
	CustomMessage string `json:"custom_message"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (FollowupSettings) TableName() string {
	return "agent_followup_settings"
}
