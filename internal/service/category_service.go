package service

import (
	"context"
	"errors"
	"strings"

	"project-service/internal/hierarchy"
	"project-service/internal/model"
	"project-service/internal/repository"
	"project-service/pkg/lock"
	"project-service/pkg/log"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 分类域哨兵错误：对外统一语义，隐藏底层实现细节
var (
	// ErrCategoryNotFound 目标分类不存在（或不在调用方租户范围内）
	ErrCategoryNotFound = errors.New("category not found")
	// ErrParentCategoryNotFound 引用的父分类不存在或已删除
	ErrParentCategoryNotFound = errors.New("parent category not found")
	// ErrCategoryAlreadyExists 同租户下 externalId 冲突
	ErrCategoryAlreadyExists = errors.New("category already exists")
	// ErrCategorySelfParent 把分类移动到它自己下面
	ErrCategorySelfParent = errors.New("category cannot be moved under itself")
	// ErrCategoryDescendantParent 把分类移动到自己的后代下面
	ErrCategoryDescendantParent = errors.New("category cannot be moved under its own descendant")
	// ErrCategoryHasChildren 删除仍有子节点的分类
	ErrCategoryHasChildren = errors.New("category still has children")
	// ErrCategoryTreeBusy 租户树锁被其他结构变更持有，可重试
	ErrCategoryTreeBusy = errors.New("category tree is busy")
)

// CreateCategoryInput 是创建分类的入参。
// ParentID 使用指针以区分"创建根节点"和"没传该字段"。
type CreateCategoryInput struct {
	Name       string
	Label      string
	ExternalID string
	ParentID   *string
	Status     string
	TenantID   string
	OrgID      string
}

// UpdateCategoryInput 是更新分类的入参，全部为指针以支持部分更新。
// 层级字段（parent_id/level/path/计数缓存）不在此列：它们只能通过 Move 变更。
type UpdateCategoryInput struct {
	Name         *string
	Label        *string
	Status       *string
	DisplayOrder *int
}

// BulkCategoryEntry 是批量创建的单个条目。
// 父节点可以按 ID 或 externalId 引用；externalId 引用允许指向
// 同一批次中排在前面的条目（条目按数组顺序处理，不支持前向引用）。
type BulkCategoryEntry struct {
	Name             string
	Label            string
	ExternalID       string
	ParentID         string
	ParentExternalID string
	Status           string
}

// BulkEntryResult 是批量创建中单个条目的处理结果。
type BulkEntryResult struct {
	ExternalID string `json:"externalId"`
	ID         string `json:"_id,omitempty"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
}

// BulkCreateResult 汇总批量创建的整体结果。
type BulkCreateResult struct {
	Created int               `json:"created"`
	Failed  int               `json:"failed"`
	Entries []BulkEntryResult `json:"entries"`
}

// CategoryService 封装分类域业务逻辑。
// 设计目标：
// 1. Handler 不直接操作 Repository/Maintainer，避免协议层混入业务规则。
// 2. 统一错误语义，把底层 gorm/repository/hierarchy 错误转换为 service 哨兵错误。
// 3. 结构性变更（move/delete/批量创建）先按租户抢树锁再执行，串行化并发修改。
type CategoryService interface {
	Create(input CreateCategoryInput, actor string) (*model.ProjectCategory, error)
	List(opts repository.CategoryListOptions) ([]model.ProjectCategory, int64, error)
	GetHierarchy(tenantID, orgID, rootID string, maxDepth int) ([]*model.ProjectCategoryNode, error)
	Update(id, tenantID, orgID string, input UpdateCategoryInput, actor string) (*model.ProjectCategory, error)
	Move(id string, newParentID *string, tenantID, orgID, actor string) (*model.ProjectCategory, error)
	GetLeaves(tenantID, orgID string) ([]model.ProjectCategory, error)
	CanDelete(id, tenantID, orgID string) (bool, error)
	Delete(id, tenantID, orgID, actor string) error
	BulkCreate(entries []BulkCategoryEntry, tenantID, orgID, actor string) (*BulkCreateResult, error)
	Reconcile(tenantID, orgID string) (int, error)
}

type categoryService struct {
	categoryRepo repository.CategoryRepository
	maintainer   hierarchy.Maintainer
	treeLock     *lock.TreeLock
	maxDepth     int
}

// NewCategoryService 创建 CategoryService。
// treeLock 允许为 nil（测试或离线场景），此时结构变更不加锁。
// maxDepth 是 hierarchy 接口的深度上限，超出部分截断。
func NewCategoryService(categoryRepo repository.CategoryRepository, maintainer hierarchy.Maintainer, treeLock *lock.TreeLock, maxDepth int) CategoryService {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	return &categoryService{
		categoryRepo: categoryRepo,
		maintainer:   maintainer,
		treeLock:     treeLock,
		maxDepth:     maxDepth,
	}
}

// Create 创建分类。
// 关键规则：
// 1. name/tenantId 必填，且去除首尾空白。
// 2. 指定 parent_id 时，父分类必须存在于同一租户范围。
// 3. externalId 在同租户的活跃分类中不能重复。
// 4. displayOrder 按租户内现有最大值递增分配。
func (s *categoryService) Create(input CreateCategoryInput, actor string) (*model.ProjectCategory, error) {
	if s.categoryRepo == nil || s.maintainer == nil {
		return nil, ErrInternal
	}

	name := strings.TrimSpace(input.Name)
	if name == "" || strings.TrimSpace(input.TenantID) == "" {
		return nil, ErrInvalidInput
	}

	status := strings.TrimSpace(input.Status)
	if status == "" {
		status = model.CategoryStatusActive
	}
	if status != model.CategoryStatusActive && status != model.CategoryStatusInactive {
		return nil, ErrInvalidInput
	}

	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "system"
	}

	maxOrder, err := s.categoryRepo.MaxDisplayOrder(input.TenantID)
	if err != nil {
		log.Errorf("CategoryService.Create: failed to read max display order: %v", err)
		return nil, ErrInternal
	}

	cat := &model.ProjectCategory{
		ID:           uuid.NewString(),
		ExternalID:   strings.TrimSpace(input.ExternalID),
		Name:         name,
		Label:        strings.TrimSpace(input.Label),
		TenantID:     input.TenantID,
		OrgID:        input.OrgID,
		ParentID:     normalizeOptionalID(input.ParentID),
		DisplayOrder: maxOrder + 1,
		Status:       status,
		CreatedBy:    actor,
		UpdatedBy:    actor,
	}

	if err := s.maintainer.CreateNode(cat); err != nil {
		switch {
		case errors.Is(err, hierarchy.ErrParentNotFound):
			return nil, ErrParentCategoryNotFound
		case errors.Is(err, repository.ErrDuplicateExternalID):
			return nil, ErrCategoryAlreadyExists
		default:
			log.Errorf("CategoryService.Create: failed to create category: %v", err)
			return nil, ErrInternal
		}
	}
	return cat, nil
}

func (s *categoryService) List(opts repository.CategoryListOptions) ([]model.ProjectCategory, int64, error) {
	if s.categoryRepo == nil {
		return nil, 0, ErrInternal
	}
	if strings.TrimSpace(opts.TenantID) == "" {
		return nil, 0, ErrInvalidInput
	}

	cats, total, err := s.categoryRepo.FindMany(opts)
	if err != nil {
		log.Errorf("CategoryService.List: query failed: %v", err)
		return nil, 0, ErrInternal
	}
	return cats, total, nil
}

// GetHierarchy 构建分类树（根节点 + 递归 children）。
// 实现采用两遍扫描：
// 1. 第一遍创建所有节点并放入 map（id -> node）
// 2. 第二遍按 parent_id 把子节点挂到父节点上
// rootID 非空时只返回该节点为根的子树。深度超过 maxDepth 的部分被
// 截断而不是报错（上限默认取服务配置）。
func (s *categoryService) GetHierarchy(tenantID, orgID, rootID string, maxDepth int) ([]*model.ProjectCategoryNode, error) {
	if s.categoryRepo == nil {
		return nil, ErrInternal
	}
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrInvalidInput
	}
	if maxDepth <= 0 || maxDepth > s.maxDepth {
		maxDepth = s.maxDepth
	}

	var cats []model.ProjectCategory
	var roots []*model.ProjectCategoryNode

	if rootID == "" {
		all, err := s.categoryRepo.FindAllInScope(tenantID, orgID)
		if err != nil {
			log.Errorf("CategoryService.GetHierarchy: query failed: %v", err)
			return nil, ErrInternal
		}
		cats = all
	} else {
		root, err := s.categoryRepo.FindByID(rootID, tenantID, orgID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrCategoryNotFound
			}
			log.Errorf("CategoryService.GetHierarchy: root lookup failed: %v", err)
			return nil, ErrInternal
		}
		descendants, err := s.categoryRepo.FindDescendantsByPath(root.Path, tenantID)
		if err != nil {
			log.Errorf("CategoryService.GetHierarchy: descendants query failed: %v", err)
			return nil, ErrInternal
		}
		cats = append([]model.ProjectCategory{*root}, descendants...)
	}

	nodes := make(map[string]*model.ProjectCategoryNode, len(cats))
	for i := range cats {
		c := &cats[i]
		nodes[c.ID] = &model.ProjectCategoryNode{
			ID:           c.ID,
			ExternalID:   c.ExternalID,
			Name:         c.Name,
			Label:        c.Label,
			ParentID:     c.ParentID,
			Level:        c.Level,
			DisplayOrder: c.DisplayOrder,
			Status:       c.Status,
			Children:     []*model.ProjectCategoryNode{},
		}
	}

	for i := range cats {
		c := &cats[i]
		node := nodes[c.ID]
		if rootID != "" && c.ID == rootID {
			roots = append(roots, node)
			continue
		}
		if c.ParentID != nil && *c.ParentID != "" {
			if parent, ok := nodes[*c.ParentID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		if rootID == "" {
			// 父节点不存在或为空时，统一作为根节点返回，避免节点丢失。
			roots = append(roots, node)
		}
	}

	for _, root := range roots {
		truncateDepth(root, 0, maxDepth)
	}
	if roots == nil {
		roots = []*model.ProjectCategoryNode{}
	}
	return roots, nil
}

// truncateDepth 把超过 maxDepth 层的子节点剪掉。
func truncateDepth(node *model.ProjectCategoryNode, depth, maxDepth int) {
	if depth >= maxDepth {
		node.Children = []*model.ProjectCategoryNode{}
		return
	}
	for _, child := range node.Children {
		truncateDepth(child, depth+1, maxDepth)
	}
}

// Update 更新分类的展示字段。
// 层级字段不在可更新范围内：parent_id 只能通过 Move 修改，
// level/path/计数缓存只能由 hierarchy 包派生。
func (s *categoryService) Update(id, tenantID, orgID string, input UpdateCategoryInput, actor string) (*model.ProjectCategory, error) {
	if s.categoryRepo == nil {
		return nil, ErrInternal
	}
	id = strings.TrimSpace(id)
	if id == "" || strings.TrimSpace(tenantID) == "" {
		return nil, ErrInvalidInput
	}

	cat, err := s.categoryRepo.FindByID(id, tenantID, orgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCategoryNotFound
		}
		log.Errorf("CategoryService.Update: lookup failed: %v", err)
		return nil, ErrInternal
	}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, ErrInvalidInput
		}
		cat.Name = name
	}
	if input.Label != nil {
		cat.Label = strings.TrimSpace(*input.Label)
	}
	if input.Status != nil {
		status := strings.TrimSpace(*input.Status)
		if status != model.CategoryStatusActive && status != model.CategoryStatusInactive {
			return nil, ErrInvalidInput
		}
		cat.Status = status
	}
	if input.DisplayOrder != nil {
		cat.DisplayOrder = *input.DisplayOrder
	}

	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "system"
	}
	cat.UpdatedBy = actor

	if err := s.categoryRepo.Update(cat); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCategoryNotFound
		}
		log.Errorf("CategoryService.Update: update failed: %v", err)
		return nil, ErrInternal
	}
	return cat, nil
}

// Move 把分类挂到新父节点下，newParentID 为 nil 表示升为根节点。
func (s *categoryService) Move(id string, newParentID *string, tenantID, orgID, actor string) (*model.ProjectCategory, error) {
	if s.categoryRepo == nil || s.maintainer == nil {
		return nil, ErrInternal
	}
	id = strings.TrimSpace(id)
	if id == "" || strings.TrimSpace(tenantID) == "" {
		return nil, ErrInvalidInput
	}

	release, err := s.lockTree(tenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	moved, err := s.maintainer.MoveNode(id, normalizeOptionalID(newParentID), tenantID, orgID, actor)
	if err != nil {
		switch {
		case errors.Is(err, hierarchy.ErrCategoryNotFound):
			return nil, ErrCategoryNotFound
		case errors.Is(err, hierarchy.ErrParentNotFound):
			return nil, ErrParentCategoryNotFound
		case errors.Is(err, hierarchy.ErrSelfParent):
			return nil, ErrCategorySelfParent
		case errors.Is(err, hierarchy.ErrDescendantParent):
			return nil, ErrCategoryDescendantParent
		default:
			log.Errorf("CategoryService.Move: failed to move category %s: %v", id, err)
			return nil, ErrInternal
		}
	}
	return moved, nil
}

func (s *categoryService) GetLeaves(tenantID, orgID string) ([]model.ProjectCategory, error) {
	if s.categoryRepo == nil {
		return nil, ErrInternal
	}
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrInvalidInput
	}

	leaves, err := s.categoryRepo.FindLeaves(tenantID, orgID)
	if err != nil {
		log.Errorf("CategoryService.GetLeaves: query failed: %v", err)
		return nil, ErrInternal
	}
	return leaves, nil
}

// CanDelete 判断分类是否可删除（没有活跃子节点）。
// 判据是 parent_id 的权威计数，child_count 缓存漂移不影响结果。
func (s *categoryService) CanDelete(id, tenantID, orgID string) (bool, error) {
	if s.categoryRepo == nil {
		return false, ErrInternal
	}
	id = strings.TrimSpace(id)
	if id == "" || strings.TrimSpace(tenantID) == "" {
		return false, ErrInvalidInput
	}

	cat, err := s.categoryRepo.FindByID(id, tenantID, orgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrCategoryNotFound
		}
		log.Errorf("CategoryService.CanDelete: lookup failed: %v", err)
		return false, ErrInternal
	}

	count, err := s.categoryRepo.CountChildren(cat.ID, tenantID)
	if err != nil {
		log.Errorf("CategoryService.CanDelete: count failed: %v", err)
		return false, ErrInternal
	}
	return count == 0, nil
}

// Delete 执行保护删除：有子节点时返回 ErrCategoryHasChildren，
// 调用方须先移走或删除子节点。
func (s *categoryService) Delete(id, tenantID, orgID, actor string) error {
	if s.maintainer == nil {
		return ErrInternal
	}
	id = strings.TrimSpace(id)
	if id == "" || strings.TrimSpace(tenantID) == "" {
		return ErrInvalidInput
	}

	release, err := s.lockTree(tenantID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.maintainer.DeleteNode(id, tenantID, orgID, actor); err != nil {
		switch {
		case errors.Is(err, hierarchy.ErrCategoryNotFound):
			return ErrCategoryNotFound
		case errors.Is(err, hierarchy.ErrHasChildren):
			return ErrCategoryHasChildren
		default:
			log.Errorf("CategoryService.Delete: failed to delete category %s: %v", id, err)
			return ErrInternal
		}
	}
	return nil
}

// BulkCreate 按数组顺序逐条创建分类。
// 父节点引用策略：parentExternalId 必须指向已存在的分类，或同一批次中
// 排在前面的条目；不支持前向引用。单条失败不中断整体，结果逐条上报。
func (s *categoryService) BulkCreate(entries []BulkCategoryEntry, tenantID, orgID, actor string) (*BulkCreateResult, error) {
	if s.categoryRepo == nil || s.maintainer == nil {
		return nil, ErrInternal
	}
	if strings.TrimSpace(tenantID) == "" || len(entries) == 0 {
		return nil, ErrInvalidInput
	}

	release, err := s.lockTree(tenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	// 本批次已创建条目的 externalId -> id 映射，供后续条目按 externalId 挂父
	batchIDs := make(map[string]string, len(entries))
	result := &BulkCreateResult{Entries: make([]BulkEntryResult, 0, len(entries))}

	for _, entry := range entries {
		entryResult := BulkEntryResult{ExternalID: entry.ExternalID}

		parentID, perr := s.resolveBulkParent(entry, tenantID, batchIDs)
		if perr != nil {
			entryResult.Message = perr.Error()
			result.Failed++
			result.Entries = append(result.Entries, entryResult)
			continue
		}

		cat, cerr := s.Create(CreateCategoryInput{
			Name:       entry.Name,
			Label:      entry.Label,
			ExternalID: entry.ExternalID,
			ParentID:   parentID,
			Status:     entry.Status,
			TenantID:   tenantID,
			OrgID:      orgID,
		}, actor)
		if cerr != nil {
			entryResult.Message = cerr.Error()
			result.Failed++
			result.Entries = append(result.Entries, entryResult)
			continue
		}

		if cat.ExternalID != "" {
			batchIDs[cat.ExternalID] = cat.ID
		}
		entryResult.ID = cat.ID
		entryResult.Success = true
		result.Created++
		result.Entries = append(result.Entries, entryResult)
	}
	return result, nil
}

// resolveBulkParent 解析批量条目的父节点引用。
// 优先级：显式 parentId > parentExternalId（先查本批次，再查库）。
func (s *categoryService) resolveBulkParent(entry BulkCategoryEntry, tenantID string, batchIDs map[string]string) (*string, error) {
	if pid := strings.TrimSpace(entry.ParentID); pid != "" {
		return &pid, nil
	}

	pext := strings.TrimSpace(entry.ParentExternalID)
	if pext == "" {
		return nil, nil
	}

	if id, ok := batchIDs[pext]; ok {
		return &id, nil
	}

	parent, err := s.categoryRepo.FindByExternalID(pext, tenantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrParentCategoryNotFound
		}
		log.Errorf("CategoryService.BulkCreate: parent lookup by externalId %q failed: %v", pext, err)
		return nil, ErrInternal
	}
	return &parent.ID, nil
}

// Reconcile 按 parent_id 权威关系修复计数缓存，返回修复的节点数。
func (s *categoryService) Reconcile(tenantID, orgID string) (int, error) {
	if s.maintainer == nil {
		return 0, ErrInternal
	}
	if strings.TrimSpace(tenantID) == "" {
		return 0, ErrInvalidInput
	}

	repaired, err := s.maintainer.Reconcile(tenantID, orgID)
	if err != nil {
		log.Errorf("CategoryService.Reconcile: failed for tenant %s: %v", tenantID, err)
		return repaired, ErrInternal
	}
	return repaired, nil
}

// lockTree 按租户抢结构变更锁。锁被占用时返回 ErrCategoryTreeBusy（可重试）。
func (s *categoryService) lockTree(tenantID string) (func(), error) {
	release, ok, err := s.treeLock.Acquire(context.Background(), tenantID)
	if err != nil {
		log.Errorf("CategoryService: failed to acquire tree lock for tenant %s: %v", tenantID, err)
		return nil, ErrInternal
	}
	if !ok {
		return nil, ErrCategoryTreeBusy
	}
	return release, nil
}

// normalizeOptionalID 把可选字符串指针做标准化：
// 1. nil -> nil
// 2. 空白字符串 -> nil
// 3. 非空 -> trim 后返回新指针
func normalizeOptionalID(raw *string) *string {
	if raw == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*raw)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
