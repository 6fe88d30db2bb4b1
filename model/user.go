package model

import "time"

// Presence status values persisted on the user row. The session registry is
// authoritative while the process is running; the column is a best-effort
// mirror so REST reads can show status without touching the registry.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// User represents a registered account.
type User struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string     `gorm:"uniqueIndex;size:32;not null" json:"username"`
	PasswordHash string     `gorm:"size:64;not null" json:"-"`
	DisplayName  string     `gorm:"size:64" json:"display_name"`
	Bio          string     `gorm:"size:500" json:"bio"`
	Status       string     `gorm:"size:16;default:offline" json:"status"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	LastLoginIP  string     `gorm:"size:45" json:"-"`
}

// Public returns the fields safe to expose to other users.
func (u *User) Public() map[string]interface{} {
	return map[string]interface{}{
		"id":           u.ID,
		"username":     u.Username,
		"display_name": u.DisplayName,
		"status":       u.Status,
	}
}
