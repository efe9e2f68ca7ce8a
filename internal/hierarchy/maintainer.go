// Package hierarchy 维护分类树的层级不变量。
// 分类的权威父子关系只有子节点上的 parent_id 一个字段；
// level、path、pathArray 以及父节点上的 children/childCount/hasChildren
// 都是由它派生的物化字段。本包是唯一允许写这些派生字段的地方：
// 创建、移动、删除走这里的事务化操作，Reconcile 负责按权威关系修复历史漂移。
package hierarchy

import (
	"errors"
	"strings"

	"project-service/internal/model"
	"project-service/internal/repository"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 哨兵错误：service 层据此翻译出对外的错误消息。
var (
	// ErrCategoryNotFound 目标分类不存在或已软删除
	ErrCategoryNotFound = errors.New("category not found")
	// ErrParentNotFound 引用的父分类不存在、已软删除或不在同一租户范围
	ErrParentNotFound = errors.New("parent category not found")
	// ErrSelfParent 把分类移动到它自己下面
	ErrSelfParent = errors.New("category cannot be parented to itself")
	// ErrDescendantParent 把分类移动到它自己的后代下面（会形成环）
	ErrDescendantParent = errors.New("category cannot be moved under its own descendant")
	// ErrHasChildren 删除仍有活跃子节点的分类
	ErrHasChildren = errors.New("category still has children")
)

// Maintainer 封装分类树的结构性变更。
// 每个变更操作在一个数据库事务内完成全部写入，
// 中途失败整体回滚，不会留下计数与 parent_id 不一致的中间状态。
type Maintainer interface {
	// CreateNode 计算新节点的层级字段并落库，同时维护父节点的计数缓存。
	// cat 的 ID/租户字段/展示字段由调用方填好，ParentID 为 nil 表示创建根节点。
	CreateNode(cat *model.ProjectCategory) error

	// MoveNode 把节点挂到新父节点下（newParentID 为 nil 表示升为根节点），
	// 并重写整棵子树的 level/path/pathArray。移动到当前父节点是无副作用的空操作。
	MoveNode(id string, newParentID *string, tenantID, orgID, actor string) (*model.ProjectCategory, error)

	// DeleteNode 软删除叶子节点；仍有活跃子节点时返回 ErrHasChildren。
	DeleteNode(id, tenantID, orgID, actor string) error

	// Reconcile 按 parent_id 权威关系重算租户内所有节点的计数缓存，
	// 返回被修复的节点数。用于自愈历史数据或异常中断留下的漂移。
	Reconcile(tenantID, orgID string) (int, error)
}

type maintainer struct {
	repo repository.CategoryRepository
}

func NewMaintainer(repo repository.CategoryRepository) Maintainer {
	return &maintainer{repo: repo}
}

// SetRootPlacement 把 cat 初始化为根节点：level 0，path 指向自身。
// 回填脚本对缺少层级字段的历史分类也用同样的默认值。
func SetRootPlacement(cat *model.ProjectCategory) {
	cat.ParentID = nil
	cat.Level = 0
	cat.Path = cat.ID
	cat.PathArray = datatypes.JSONSlice[string]{cat.ID}
	cat.Children = datatypes.JSONSlice[string]{}
	cat.HasChildren = false
	cat.ChildCount = 0
}

func (m *maintainer) CreateNode(cat *model.ProjectCategory) error {
	if cat == nil || cat.ID == "" {
		return ErrCategoryNotFound
	}

	return m.repo.Transaction(func(tx repository.CategoryRepository) error {
		if cat.ParentID == nil || *cat.ParentID == "" {
			SetRootPlacement(cat)
			return tx.Create(cat)
		}

		// 父节点必须存在、未删除且在同一租户/组织范围内
		parent, err := tx.FindByID(*cat.ParentID, cat.TenantID, cat.OrgID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrParentNotFound
			}
			return err
		}

		cat.Level = parent.Level + 1
		cat.Path = parent.Path + model.PathSeparator + cat.ID
		cat.PathArray = appendPathArray(parent.PathArray, cat.ID)
		cat.Children = datatypes.JSONSlice[string]{}
		cat.HasChildren = false
		cat.ChildCount = 0

		if err := tx.Create(cat); err != nil {
			return err
		}
		return attachChild(tx, parent, cat.ID, cat.UpdatedBy)
	})
}

func (m *maintainer) MoveNode(id string, newParentID *string, tenantID, orgID, actor string) (*model.ProjectCategory, error) {
	var moved *model.ProjectCategory

	err := m.repo.Transaction(func(tx repository.CategoryRepository) error {
		node, err := tx.FindByID(id, tenantID, orgID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCategoryNotFound
			}
			return err
		}

		if newParentID != nil && *newParentID == node.ID {
			return ErrSelfParent
		}

		// 移动到当前父节点：所有不变量已经成立，直接返回
		if sameParent(node.ParentID, newParentID) {
			moved = node
			return nil
		}

		// 后代集合要在节点自己的 path 被改写之前取出：
		// 既用于环检测，也用于随后的子树重写
		descendants, err := tx.FindDescendantsByPath(node.Path, node.TenantID)
		if err != nil {
			return err
		}
		if newParentID != nil {
			for i := range descendants {
				if descendants[i].ID == *newParentID {
					return ErrDescendantParent
				}
			}
		}

		var newParent *model.ProjectCategory
		if newParentID != nil && *newParentID != "" {
			newParent, err = tx.FindByID(*newParentID, tenantID, orgID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrParentNotFound
				}
				return err
			}
		}

		oldParentID := node.ParentID
		oldPath := node.Path
		oldLevel := node.Level
		oldPathArrayLen := len(node.PathArray)

		// 计算节点的新位置
		if newParent == nil {
			node.ParentID = nil
			node.Level = 0
			node.Path = node.ID
			node.PathArray = datatypes.JSONSlice[string]{node.ID}
		} else {
			node.ParentID = &newParent.ID
			node.Level = newParent.Level + 1
			node.Path = newParent.Path + model.PathSeparator + node.ID
			node.PathArray = appendPathArray(newParent.PathArray, node.ID)
		}
		levelDelta := node.Level - oldLevel
		node.UpdatedBy = actor

		if err := tx.SaveHierarchy(node); err != nil {
			return err
		}

		// 子树重写：把每个后代的旧前缀替换为节点的新前缀，
		// 保持它们在子树内的相对位置不变
		for i := range descendants {
			d := &descendants[i]
			d.Level += levelDelta
			d.Path = node.Path + strings.TrimPrefix(d.Path, oldPath)
			d.PathArray = rebasePathArray(node.PathArray, d.PathArray, oldPathArrayLen)
			d.UpdatedBy = actor
			if err := tx.SaveHierarchy(d); err != nil {
				return err
			}
		}

		// 旧父节点计数减一；旧父节点已被删除时跳过（缓存由 Reconcile 兜底）
		if oldParentID != nil && *oldParentID != "" {
			oldParent, err := tx.FindByID(*oldParentID, tenantID, "")
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if oldParent != nil {
				if err := detachChild(tx, oldParent, node.ID, actor); err != nil {
					return err
				}
			}
		}

		// 新父节点计数加一
		if newParent != nil {
			if err := attachChild(tx, newParent, node.ID, actor); err != nil {
				return err
			}
		}

		moved = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

func (m *maintainer) DeleteNode(id, tenantID, orgID, actor string) error {
	return m.repo.Transaction(func(tx repository.CategoryRepository) error {
		node, err := tx.FindByID(id, tenantID, orgID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCategoryNotFound
			}
			return err
		}

		// 以 parent_id 的权威计数为准，而不是 child_count 缓存
		children, err := tx.CountChildren(node.ID, node.TenantID)
		if err != nil {
			return err
		}
		if children > 0 {
			return ErrHasChildren
		}

		if err := tx.SoftDelete(node.ID, node.TenantID, actor); err != nil {
			return err
		}

		if node.ParentID != nil && *node.ParentID != "" {
			parent, err := tx.FindByID(*node.ParentID, tenantID, "")
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if parent != nil {
				if err := detachChild(tx, parent, node.ID, actor); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Reconcile 全量重算计数缓存。
// 逐节点独立更新而不是包在一个大事务里：这是自愈操作，
// 部分成功也比整体回滚更接近正确状态。
func (m *maintainer) Reconcile(tenantID, orgID string) (int, error) {
	cats, err := m.repo.FindAllInScope(tenantID, orgID)
	if err != nil {
		return 0, err
	}

	// FindAllInScope 按 display_order 返回，children 缓存沿用这个顺序
	childMap := make(map[string][]string, len(cats))
	for i := range cats {
		if cats[i].ParentID != nil && *cats[i].ParentID != "" {
			pid := *cats[i].ParentID
			childMap[pid] = append(childMap[pid], cats[i].ID)
		}
	}

	repaired := 0
	for i := range cats {
		cat := &cats[i]
		want := childMap[cat.ID]
		if cat.ChildCount == len(want) && cat.HasChildren == (len(want) > 0) && equalIDs(cat.Children, want) {
			continue
		}

		err := m.repo.UpdateFields(cat.ID, cat.TenantID, map[string]interface{}{
			"children":     datatypes.JSONSlice[string](want),
			"child_count":  len(want),
			"has_children": len(want) > 0,
		})
		if err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}

// attachChild 把 childID 登记到父节点的缓存字段上。
func attachChild(tx repository.CategoryRepository, parent *model.ProjectCategory, childID, actor string) error {
	children := parent.Children
	found := false
	for _, c := range children {
		if c == childID {
			found = true
			break
		}
	}
	if !found {
		children = append(children, childID)
	}

	return tx.UpdateFields(parent.ID, parent.TenantID, map[string]interface{}{
		"children":     datatypes.JSONSlice[string](children),
		"child_count":  parent.ChildCount + 1,
		"has_children": true,
		"updated_by":   actor,
	})
}

// detachChild 把 childID 从父节点的缓存字段上摘除，计数下限为 0。
func detachChild(tx repository.CategoryRepository, parent *model.ProjectCategory, childID, actor string) error {
	children := make(datatypes.JSONSlice[string], 0, len(parent.Children))
	for _, c := range parent.Children {
		if c != childID {
			children = append(children, c)
		}
	}

	count := parent.ChildCount - 1
	if count < 0 {
		count = 0
	}

	return tx.UpdateFields(parent.ID, parent.TenantID, map[string]interface{}{
		"children":     children,
		"child_count":  count,
		"has_children": count > 0,
		"updated_by":   actor,
	})
}

// appendPathArray 返回 parent 路径数组加上自身 ID 的新切片（不共享底层数组）。
func appendPathArray(parent datatypes.JSONSlice[string], id string) datatypes.JSONSlice[string] {
	out := make(datatypes.JSONSlice[string], 0, len(parent)+1)
	out = append(out, parent...)
	out = append(out, id)
	return out
}

// rebasePathArray 用节点的新路径数组替换后代路径数组的旧前缀。
// oldPrefixLen 是节点移动前 pathArray 的长度，后代数组从该位置起是子树内的相对部分。
func rebasePathArray(nodeArray, descArray datatypes.JSONSlice[string], oldPrefixLen int) datatypes.JSONSlice[string] {
	out := make(datatypes.JSONSlice[string], 0, len(nodeArray)+len(descArray)-oldPrefixLen)
	out = append(out, nodeArray...)
	if oldPrefixLen < len(descArray) {
		out = append(out, descArray[oldPrefixLen:]...)
	}
	return out
}

func sameParent(a *string, b *string) bool {
	av, bv := "", ""
	if a != nil {
		av = *a
	}
	if b != nil {
		bv = *b
	}
	return av == bv
}

func equalIDs(a datatypes.JSONSlice[string], b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
