package domain

import "time"

// Agent is one configured AI chat agent, owned by a tenant user.
type Agent struct {
	ID           int64     `json:"id,string" gorm:"primaryKey"`
	OwnerID      int64     `json:"owner_id,string" gorm:"index"`
	Name         string    `json:"name"`
	Instructions string    `json:"instructions"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Agent) TableName() string {
	return "agents"
}
