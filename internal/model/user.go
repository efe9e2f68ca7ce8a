package model

import "time"

// User 对应数据库中 users 表。
// TenantID/OrgID 是调用方的多租户归属：分类接口默认用登录用户的这两个字段做数据隔离，
// 只有 ADMIN 角色允许通过请求参数显式覆盖租户范围。
type User struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string    `gorm:"type:varchar(255);not null;unique" json:"username"`
	Password  string    `gorm:"type:varchar(255);not null" json:"-"` // Hide password in json output
	Role      string    `gorm:"type:enum('USER', 'ADMIN');default:'USER'" json:"role"`
	TenantID  string    `gorm:"type:varchar(50);not null" json:"tenantId"`
	OrgID     string    `gorm:"type:varchar(50);not null" json:"orgId"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定 GORM 使用的表名
func (User) TableName() string {
	return "users"
}
