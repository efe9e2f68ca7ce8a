package model

import (
	"time"

	"gorm.io/datatypes"
)

// 分类状态常量
const (
	CategoryStatusActive   = "ACTIVE"
	CategoryStatusInactive = "INACTIVE"
)

// PathSeparator 是 Path 字段中祖先 ID 之间的分隔符。
// 例如根节点 "r1" 下的子节点 "c1"，其 Path 为 "r1/c1"。
const PathSeparator = "/"

// ProjectCategory 对应数据库中 project_categories 表，表示项目分类树的一个节点。
// 分类树通过 ParentID 实现父子关系，ParentID 是唯一的权威字段；
// Children/ChildCount/HasChildren 只是为展示层维护的冗余缓存，
// Path/PathArray 是物化路径，用于前缀匹配查询整棵子树而无需递归 JOIN。
type ProjectCategory struct {
	ID           string                      `gorm:"type:varchar(36);primaryKey" json:"_id"`
	ExternalID   string                      `gorm:"type:varchar(255);index:idx_tenant_external" json:"externalId"`
	Name         string                      `gorm:"type:varchar(255);not null" json:"name"`
	Label        string                      `gorm:"type:varchar(255)" json:"label"`
	TenantID     string                      `gorm:"type:varchar(50);not null;index:idx_tenant_external" json:"tenantId"`
	OrgID        string                      `gorm:"type:varchar(50);not null;index" json:"orgId"`
	ParentID     *string                     `gorm:"type:varchar(36);index" json:"parent_id"`
	Level        int                         `gorm:"not null;default:0" json:"level"`
	Path         string                      `gorm:"type:varchar(1024);index:idx_path,length:255" json:"path"`
	PathArray    datatypes.JSONSlice[string] `json:"pathArray"`
	Children     datatypes.JSONSlice[string] `json:"children"`
	HasChildren  bool                        `gorm:"not null;default:false" json:"hasChildren"`
	ChildCount   int                         `gorm:"not null;default:0" json:"childCount"`
	DisplayOrder int                         `gorm:"not null;default:0" json:"displayOrder"`
	Status       string                      `gorm:"type:varchar(20);not null;default:'ACTIVE'" json:"status"`
	IsDeleted    bool                        `gorm:"not null;default:false" json:"isDeleted"`
	CreatedBy    string                      `gorm:"type:varchar(255)" json:"createdBy"`
	UpdatedBy    string                      `gorm:"type:varchar(255)" json:"updatedBy"`
	CreatedAt    time.Time                   `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time                   `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定 GORM 使用的表名
func (ProjectCategory) TableName() string {
	return "project_categories"
}

// IsRoot 判断当前节点是否为根节点（无父节点）。
func (c *ProjectCategory) IsRoot() bool {
	return c.ParentID == nil || *c.ParentID == ""
}

// ProjectCategoryNode 是分类树的嵌套节点，用于构建 hierarchy 接口的树形响应。
// 与 ProjectCategory（数据库模型）的区别：
//   - 不含审计字段和物化路径等内部字段
//   - Children 字段承载嵌套子节点，而不是 ID 缓存
type ProjectCategoryNode struct {
	ID           string                 `json:"_id"`
	ExternalID   string                 `json:"externalId"`
	Name         string                 `json:"name"`
	Label        string                 `json:"label"`
	ParentID     *string                `json:"parent_id"`
	Level        int                    `json:"level"`
	DisplayOrder int                    `json:"displayOrder"`
	Status       string                 `json:"status"`
	Children     []*ProjectCategoryNode `json:"children"`
}
