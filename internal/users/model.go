package users

import (
	"time"
)

// User is a registered account. Records are immutable once created.
type User struct {
	ID           uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"column:username;size:190;not null;uniqueIndex:idx_users_username" json:"username"`
	PasswordHash string    `gorm:"column:password_hash;size:120;not null" json:"-"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"createdAt"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}
