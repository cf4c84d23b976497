package model

import (
	"time"
)

// Session is the durable directory record for one shared canvas.
// The live process state (participants, stroke log) is owned by the
// session coordinator and never persisted here.
type Session struct {
	ID             string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	DisplayName    string    `gorm:"type:varchar(200);not null" json:"display_name"`
	CreatorUserID  string    `gorm:"type:varchar(100);not null;index" json:"creator_user_id"`
	IsActive       bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	LastActivityAt time.Time `gorm:"index" json:"last_activity_at"`
}

func (Session) TableName() string {
	return "canvas_sessions"
}

// ShareReference returns the deterministic share locator for a session id.
// It is a pure function of the id so any client can reconstruct it.
func ShareReference(sessionID string) string {
	return "/canvas/" + sessionID
}
