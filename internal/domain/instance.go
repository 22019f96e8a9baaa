package domain

import "time"

// Canonical instance connection statuses.
const (
	InstanceDisconnected = "disconnected"
	InstanceConnecting   = "connecting"
	InstanceConnected    = "connected"
	InstanceQRPending    = "qr_pending"
)

// Instance is the per-agent gateway connection record. At most one row
// exists per agent; writers upsert on AgentID.
type Instance struct {
	ID           int64  `json:"id,string" gorm:"primaryKey"`
	AgentID      int64  `json:"agent_id,string" gorm:"uniqueIndex"`
	InstanceName string `json:"instance_name" gorm:"index"`
	Status       string `json:"status"`
	Phone        string `json:"phone"`

	// Pairing QR payload; only meaningful while Status is qr_pending.
	QRCode      string     `json:"qr_code"`
	QRExpiresAt *time.Time `json:"qr_expires_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Instance) TableName() string {
	return "whatsapp_instances"
}
