package repository

import (
	"errors"
	"fmt"

	"project-service/internal/model"

	"gorm.io/gorm"
)

var (
	// ErrDuplicateExternalID 表示同一租户下已存在相同 externalId 的活跃分类。
	// 软删除的分类不占用 externalId，允许同名重建。
	ErrDuplicateExternalID = errors.New("duplicate external id in tenant")
)

// CategoryListOptions 是平铺列表查询的过滤与分页参数。
// ParentID 使用指针：nil 表示不按父节点过滤；RootsOnly 为 true 时只返回根节点。
type CategoryListOptions struct {
	TenantID  string
	OrgID     string
	Status    string
	ParentID  *string
	RootsOnly bool
	Page      int
	Limit     int
}

// CategoryRepository 定义分类的持久化操作接口。
// 该层只做存取，不做任何层级不变量的计算——level/path/计数缓存的维护
// 全部由 hierarchy 包负责。除 Transaction 外的所有查询都过滤软删除行。
type CategoryRepository interface {
	FindByID(id, tenantID, orgID string) (*model.ProjectCategory, error)
	FindByExternalID(externalID, tenantID string) (*model.ProjectCategory, error)
	FindMany(opts CategoryListOptions) ([]model.ProjectCategory, int64, error)
	FindAllInScope(tenantID, orgID string) ([]model.ProjectCategory, error)

	// FindDescendantsByPath 按物化路径前缀返回整棵子树（不含节点本身）。
	FindDescendantsByPath(path, tenantID string) ([]model.ProjectCategory, error)
	FindLeaves(tenantID, orgID string) ([]model.ProjectCategory, error)
	CountChildren(parentID, tenantID string) (int64, error)
	MaxDisplayOrder(tenantID string) (int, error)

	// Create 插入新分类；同租户下活跃分类的 externalId 冲突返回 ErrDuplicateExternalID。
	// 使用事务保证"查重 + 插入"的原子性。
	Create(cat *model.ProjectCategory) error

	// Update 更新展示字段（name, label, status, display_order, updated_by）。
	Update(cat *model.ProjectCategory) error
	// SaveHierarchy 重写层级字段（parent_id, level, path, path_array），move 专用。
	SaveHierarchy(cat *model.ProjectCategory) error
	// UpdateFields 按字段名更新任意列，维护计数缓存时使用。
	UpdateFields(id, tenantID string, fields map[string]interface{}) error
	SoftDelete(id, tenantID, actor string) error

	// Transaction 在一个数据库事务中执行 fn，fn 收到的是事务作用域内的仓库。
	Transaction(fn func(CategoryRepository) error) error
}

// categoryRepository 分类仓库的 GORM 实现
type categoryRepository struct {
	db *gorm.DB
}

func NewCategoryRepository(db *gorm.DB) CategoryRepository {
	return &categoryRepository{db: db}
}

// liveScope 返回过滤了软删除行并限定租户的基础查询。
func (r *categoryRepository) liveScope(tenantID string) *gorm.DB {
	return r.db.Model(&model.ProjectCategory{}).
		Where("tenant_id = ?", tenantID).
		Where("is_deleted = ?", false)
}

func (r *categoryRepository) FindByID(id, tenantID, orgID string) (*model.ProjectCategory, error) {
	if id == "" {
		return nil, fmt.Errorf("category id is required")
	}

	tx := r.liveScope(tenantID).Where("id = ?", id)
	if orgID != "" {
		tx = tx.Where("org_id = ?", orgID)
	}

	var cat model.ProjectCategory
	if err := tx.First(&cat).Error; err != nil {
		return nil, err
	}
	return &cat, nil
}

func (r *categoryRepository) FindByExternalID(externalID, tenantID string) (*model.ProjectCategory, error) {
	if externalID == "" {
		return nil, fmt.Errorf("external id is required")
	}

	var cat model.ProjectCategory
	if err := r.liveScope(tenantID).Where("external_id = ?", externalID).First(&cat).Error; err != nil {
		return nil, err
	}
	return &cat, nil
}

func (r *categoryRepository) FindMany(opts CategoryListOptions) ([]model.ProjectCategory, int64, error) {
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	tx := r.liveScope(opts.TenantID)
	if opts.OrgID != "" {
		tx = tx.Where("org_id = ?", opts.OrgID)
	}
	if opts.Status != "" {
		tx = tx.Where("status = ?", opts.Status)
	}
	if opts.RootsOnly {
		tx = tx.Where("parent_id IS NULL")
	} else if opts.ParentID != nil {
		tx = tx.Where("parent_id = ?", *opts.ParentID)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []model.ProjectCategory{}, 0, nil
	}

	var cats []model.ProjectCategory
	if err := tx.Order("display_order ASC").
		Offset((opts.Page - 1) * opts.Limit).
		Limit(opts.Limit).
		Find(&cats).Error; err != nil {
		return nil, 0, err
	}
	return cats, total, nil
}

func (r *categoryRepository) FindAllInScope(tenantID, orgID string) ([]model.ProjectCategory, error) {
	tx := r.liveScope(tenantID)
	if orgID != "" {
		tx = tx.Where("org_id = ?", orgID)
	}

	var cats []model.ProjectCategory
	if err := tx.Order("display_order ASC").Find(&cats).Error; err != nil {
		return nil, err
	}
	return cats, nil
}

// FindDescendantsByPath 用 "path/%" 前缀匹配取整棵子树。
// 节点自身的 path 不带结尾分隔符，天然被排除在结果之外。
// 结果按 level 升序返回，调用方重写子树时可以自顶向下处理。
func (r *categoryRepository) FindDescendantsByPath(path, tenantID string) ([]model.ProjectCategory, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}

	var cats []model.ProjectCategory
	if err := r.liveScope(tenantID).
		Where("path LIKE ?", path+model.PathSeparator+"%").
		Order("level ASC, display_order ASC").
		Find(&cats).Error; err != nil {
		return nil, err
	}
	return cats, nil
}

func (r *categoryRepository) FindLeaves(tenantID, orgID string) ([]model.ProjectCategory, error) {
	tx := r.liveScope(tenantID).Where("has_children = ?", false)
	if orgID != "" {
		tx = tx.Where("org_id = ?", orgID)
	}

	var cats []model.ProjectCategory
	if err := tx.Order("display_order ASC").Find(&cats).Error; err != nil {
		return nil, err
	}
	return cats, nil
}

// CountChildren 统计活跃的直接子节点数量。
// 这是以 parent_id 为准的权威计数，child_count 缓存是否可信都以它为判据。
func (r *categoryRepository) CountChildren(parentID, tenantID string) (int64, error) {
	if parentID == "" {
		return 0, fmt.Errorf("parent id is required")
	}

	var count int64
	if err := r.liveScope(tenantID).Where("parent_id = ?", parentID).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *categoryRepository) MaxDisplayOrder(tenantID string) (int, error) {
	var max int
	err := r.db.Model(&model.ProjectCategory{}).
		Where("tenant_id = ?", tenantID).
		Select("COALESCE(MAX(display_order), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max, nil
}

// Create 在事务中先做 externalId 查重再插入，避免数据库唯一键报错直接外泄。
// 查重只看活跃行：软删除的分类不阻止 externalId 复用。
func (r *categoryRepository) Create(cat *model.ProjectCategory) error {
	if cat == nil {
		return fmt.Errorf("category is nil")
	}
	if cat.ID == "" {
		return fmt.Errorf("category id is required")
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		if cat.ExternalID != "" {
			var count int64
			if err := tx.Model(&model.ProjectCategory{}).
				Where("tenant_id = ?", cat.TenantID).
				Where("external_id = ?", cat.ExternalID).
				Where("is_deleted = ?", false).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrDuplicateExternalID
			}
		}
		return tx.Create(cat).Error
	})
}

// Update 更新分类的展示字段。
// 使用 Select 限定列，避免零值覆盖层级字段。
// 如果目标行不存在，返回 gorm.ErrRecordNotFound。
func (r *categoryRepository) Update(cat *model.ProjectCategory) error {
	if cat == nil {
		return fmt.Errorf("category is nil")
	}
	if cat.ID == "" {
		return fmt.Errorf("category id is required")
	}

	tx := r.db.Model(&model.ProjectCategory{}).
		Where("id = ?", cat.ID).
		Where("tenant_id = ?", cat.TenantID).
		Where("is_deleted = ?", false).
		Select("name", "label", "status", "display_order", "updated_by").
		Updates(cat)

	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SaveHierarchy 重写节点的层级字段，move 过程中对节点及其所有后代逐个调用。
func (r *categoryRepository) SaveHierarchy(cat *model.ProjectCategory) error {
	if cat == nil {
		return fmt.Errorf("category is nil")
	}
	if cat.ID == "" {
		return fmt.Errorf("category id is required")
	}

	tx := r.db.Model(&model.ProjectCategory{}).
		Where("id = ?", cat.ID).
		Where("tenant_id = ?", cat.TenantID).
		Select("parent_id", "level", "path", "path_array", "updated_by").
		Updates(map[string]interface{}{
			"parent_id":  cat.ParentID,
			"level":      cat.Level,
			"path":       cat.Path,
			"path_array": cat.PathArray,
			"updated_by": cat.UpdatedBy,
		})

	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *categoryRepository) UpdateFields(id, tenantID string, fields map[string]interface{}) error {
	if id == "" {
		return fmt.Errorf("category id is required")
	}
	if len(fields) == 0 {
		return nil
	}

	return r.db.Model(&model.ProjectCategory{}).
		Where("id = ?", id).
		Where("tenant_id = ?", tenantID).
		Updates(fields).Error
}

// SoftDelete 标记删除。行保留在表里，但所有层级查询都不再返回它。
func (r *categoryRepository) SoftDelete(id, tenantID, actor string) error {
	if id == "" {
		return fmt.Errorf("category id is required")
	}

	tx := r.db.Model(&model.ProjectCategory{}).
		Where("id = ?", id).
		Where("tenant_id = ?", tenantID).
		Where("is_deleted = ?", false).
		Updates(map[string]interface{}{
			"is_deleted": true,
			"updated_by": actor,
		})

	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *categoryRepository) Transaction(fn func(CategoryRepository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&categoryRepository{db: tx})
	})
}
