package hierarchy

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"project-service/internal/model"
	"project-service/internal/repository"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// memCategoryRepo 是内存版分类仓库，行为对齐 GORM 实现：
// 所有读操作过滤软删除行，FindDescendantsByPath 按 level 升序返回。
type memCategoryRepo struct {
	cats map[string]*model.ProjectCategory
}

func newMemCategoryRepo() *memCategoryRepo {
	return &memCategoryRepo{cats: make(map[string]*model.ProjectCategory)}
}

func (r *memCategoryRepo) live(tenantID string) []*model.ProjectCategory {
	var out []*model.ProjectCategory
	for _, c := range r.cats {
		if c.TenantID == tenantID && !c.IsDeleted {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *memCategoryRepo) FindByID(id, tenantID, orgID string) (*model.ProjectCategory, error) {
	c, ok := r.cats[id]
	if !ok || c.IsDeleted || c.TenantID != tenantID {
		return nil, gorm.ErrRecordNotFound
	}
	if orgID != "" && c.OrgID != orgID {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memCategoryRepo) FindByExternalID(externalID, tenantID string) (*model.ProjectCategory, error) {
	for _, c := range r.live(tenantID) {
		if c.ExternalID == externalID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memCategoryRepo) FindMany(opts repository.CategoryListOptions) ([]model.ProjectCategory, int64, error) {
	var out []model.ProjectCategory
	for _, c := range r.live(opts.TenantID) {
		out = append(out, *c)
	}
	return out, int64(len(out)), nil
}

func (r *memCategoryRepo) FindAllInScope(tenantID, orgID string) ([]model.ProjectCategory, error) {
	var out []model.ProjectCategory
	for _, c := range r.live(tenantID) {
		if orgID != "" && c.OrgID != orgID {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (r *memCategoryRepo) FindDescendantsByPath(path, tenantID string) ([]model.ProjectCategory, error) {
	prefix := path + model.PathSeparator
	var out []model.ProjectCategory
	for _, c := range r.live(tenantID) {
		if len(c.Path) > len(prefix) && c.Path[:len(prefix)] == prefix {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (r *memCategoryRepo) FindLeaves(tenantID, orgID string) ([]model.ProjectCategory, error) {
	var out []model.ProjectCategory
	for _, c := range r.live(tenantID) {
		if !c.HasChildren {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *memCategoryRepo) CountChildren(parentID, tenantID string) (int64, error) {
	var count int64
	for _, c := range r.live(tenantID) {
		if c.ParentID != nil && *c.ParentID == parentID {
			count++
		}
	}
	return count, nil
}

func (r *memCategoryRepo) MaxDisplayOrder(tenantID string) (int, error) {
	max := 0
	for _, c := range r.cats {
		if c.TenantID == tenantID && c.DisplayOrder > max {
			max = c.DisplayOrder
		}
	}
	return max, nil
}

func (r *memCategoryRepo) Create(cat *model.ProjectCategory) error {
	if cat.ExternalID != "" {
		for _, c := range r.live(cat.TenantID) {
			if c.ExternalID == cat.ExternalID {
				return repository.ErrDuplicateExternalID
			}
		}
	}
	cp := *cat
	r.cats[cat.ID] = &cp
	return nil
}

func (r *memCategoryRepo) Update(cat *model.ProjectCategory) error {
	c, ok := r.cats[cat.ID]
	if !ok || c.IsDeleted {
		return gorm.ErrRecordNotFound
	}
	c.Name = cat.Name
	c.Label = cat.Label
	c.Status = cat.Status
	c.DisplayOrder = cat.DisplayOrder
	c.UpdatedBy = cat.UpdatedBy
	return nil
}

func (r *memCategoryRepo) SaveHierarchy(cat *model.ProjectCategory) error {
	c, ok := r.cats[cat.ID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	c.ParentID = cat.ParentID
	c.Level = cat.Level
	c.Path = cat.Path
	c.PathArray = cat.PathArray
	c.UpdatedBy = cat.UpdatedBy
	return nil
}

func (r *memCategoryRepo) UpdateFields(id, tenantID string, fields map[string]interface{}) error {
	c, ok := r.cats[id]
	if !ok || c.TenantID != tenantID {
		return gorm.ErrRecordNotFound
	}
	for k, v := range fields {
		switch k {
		case "children":
			c.Children = v.(datatypes.JSONSlice[string])
		case "child_count":
			c.ChildCount = v.(int)
		case "has_children":
			c.HasChildren = v.(bool)
		case "updated_by":
			c.UpdatedBy = v.(string)
		default:
			return fmt.Errorf("unexpected field %q", k)
		}
	}
	return nil
}

func (r *memCategoryRepo) SoftDelete(id, tenantID, actor string) error {
	c, ok := r.cats[id]
	if !ok || c.IsDeleted || c.TenantID != tenantID {
		return gorm.ErrRecordNotFound
	}
	c.IsDeleted = true
	c.UpdatedBy = actor
	return nil
}

func (r *memCategoryRepo) Transaction(fn func(repository.CategoryRepository) error) error {
	return fn(r)
}

func strPtr(v string) *string {
	return &v
}

// mustCreate 通过 Maintainer 创建节点，展示字段由调用方给定。
func mustCreate(t *testing.T, m Maintainer, id string, parentID *string) *model.ProjectCategory {
	t.Helper()
	cat := &model.ProjectCategory{
		ID:        id,
		Name:      id,
		TenantID:  "t1",
		OrgID:     "o1",
		ParentID:  parentID,
		Status:    model.CategoryStatusActive,
		CreatedBy: "tester",
		UpdatedBy: "tester",
	}
	if err := m.CreateNode(cat); err != nil {
		t.Fatalf("CreateNode(%s) error: %v", id, err)
	}
	return cat
}

func mustFind(t *testing.T, repo *memCategoryRepo, id string) *model.ProjectCategory {
	t.Helper()
	cat, err := repo.FindByID(id, "t1", "")
	if err != nil {
		t.Fatalf("FindByID(%s) error: %v", id, err)
	}
	return cat
}

func assertSlice(t *testing.T, got datatypes.JSONSlice[string], want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("slice length mismatch: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("slice mismatch at %d: got %v, want %v", i, got, want)
		}
	}
}

func TestMaintainer_CreateNode_Root(t *testing.T) {
	repo := newMemCategoryRepo()
	m := NewMaintainer(repo)

	mustCreate(t, m, "root", nil)

	got := mustFind(t, repo, "root")
	if got.ParentID != nil {
		t.Fatalf("root parent should be nil, got %v", *got.ParentID)
	}
	if got.Level != 0 {
		t.Fatalf("root level = %d, want 0", got.Level)
	}
	if got.Path != "root" {
		t.Fatalf("root path = %q, want %q", got.Path, "root")
	}
	assertSlice(t, got.PathArray, "root")
	assertSlice(t, got.Children)
	if got.HasChildren || got.ChildCount != 0 {
		t.Fatalf("new root should have no children, got hasChildren=%v childCount=%d", got.HasChildren, got.ChildCount)
	}
}

func TestMaintainer_CreateNode_ChildUpdatesParentCaches(t *testing.T) {
	repo := newMemCategoryRepo()
	m := NewMaintainer(repo)

	mustCreate(t, m, "root", nil)
	mustCreate(t, m, "child", strPtr("root"))

	child := mustFind(t, repo, "child")
	if child.Level != 1 {
		t.Fatalf("child level = %d, want 1", child.Level)
	}
	if child.Path != "root/child" {
		t.Fatalf("child path = %q, want %q", child.Path, "root/child")
	}
	assertSlice(t, child.PathArray, "root", "child")

	parent := mustFind(t, repo, "root")
	assertSlice(t, parent.Children, "child")
	if parent.ChildCount != 1 || !parent.HasChildren {
		t.Fatalf("parent caches not updated: childCount=%d hasChildren=%v", parent.ChildCount, parent.HasChildren)
	}
}

func TestMaintainer_CreateNode_ParentMissing(t *testing.T) {
	repo := newMemCategoryRepo()
	m := NewMaintainer(repo)

	cat := &model.ProjectCategory{
		ID:       "orphan",
		Name:     "orphan",
		TenantID: "t1",
		ParentID: strPtr("nope"),
	}
	if err := m.CreateNode(cat); !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("expect ErrParentNotFound, got %v", err)
	}
}

// 同一租户下两个兄弟节点，把 child1 移到 child2 下面：
// child1 层级字段重算，root 与 child2 的计数缓存分别减一/加一。
func TestMaintainer_MoveNode_BetweenSiblings(t *testing.T) {
	repo := newMemCategoryRepo()
	m := NewMaintainer(repo)

	mustCreate(t, m, "root", nil)
	mustCreate(t, m, "child1", strPtr("root"))
	mustCreate(t, m, "child2", strPtr("root"))

	moved, err := m.MoveNode("child1", strPtr("child2"), "t1", "o1", "tester")
	if err != nil {
		t.Fatalf("MoveNode() error: %v", err)
	}

	if moved.ParentID == nil || *moved.ParentID != "child2" {
		t.Fatalf("moved parent = %v, want child2", moved.ParentID)
	}
	if moved.Level != 2 {
		t.Fatalf("moved level = %d, want 2", moved.Level)
	}
	if moved.Path != "root/child2/child1" {
		t.Fatalf("moved path = %q", moved.Path)
	}
	assertSlice(t, moved.PathArray, "root", "child2", "child1")

	root := mustFind(t, repo, "root")
	assertSlice(t, root.Children, "child2")
	if root.ChildCount != 1 || !root.HasChildren {
		t.Fatalf("old parent caches wrong: childCount=%d hasChildren=%v", root.ChildCount, root.HasChildren)
	}

	child2 := mustFind(t, repo, "child2")
	assertSlice(t, child2.Children, "child1")
	if child2.ChildCount != 1 || !child2.HasChildren {
		t.Fatalf("new parent caches wrong: childCount=%d hasChildren=%v", child2.ChildCount, child2.HasChildren)
	}
}

// 移动带子树的节点：所有后代的 level/path/pathArray 跟随新位置重写。
func TestMaintainer_MoveNode_RebasesSubtree(t *testing.T) {
	repo := newMemCategoryRepo()
	m := NewMaintainer(repo)

	mustCreate(t, m, "root1", nil)
	mustCreate(t, m, "root2", nil)
	mustCreate(t, m, "a", strPtr("root1"))
	mustCreate(t, m, "b", strPtr("a"))
	mustCreate(t, m, "c", strPtr("b"))

	if _, err := m.MoveNode("a", strPtr("root2"), "t1", "o1", "tester"); err != nil {
		t.Fatalf("MoveNode() error: %v", err)
	}

	b := mustFind(t, repo, "b")
	if b.Level != 2 || b.Path != "root2/a/b" {
		t.Fatalf("descendant b not rebased: level=%d path=%q", b.Level, b.Path)
	}
	assertSlice(t, b.PathArray, "root2", "a", "b")

	c := mustFind(t, repo, "c")
	if c.Level != 3 || c.Path != "root2/a/b/c" {
		t.Fatalf("descendant c not rebased: level=%d path=%q", c.Level, c.Path)
	}
	assertSlice(t, c.PathArray, "root2", "a", "b", "c")

	root1 := mustFind(t, repo, "root1")
	if root1.ChildCount != 0 || root1.HasChildren {
		t.Fatalf("old root caches wrong: childCount=%d hasChildren=%v", root1.ChildCount, root1.HasChildren)
	}
	assertSlice(t, root1.Children)
}

// newParentID 为 nil 时节点升为根，整棵子树层级同步下调。
func TestMaintainer_MoveNode_PromoteToRoot(t *testing.T) {
	repo := newMemCategoryRepo()
	m := NewMaintainer(repo)

	mustCreate(t, m, "root", nil)
	mustCreate(t, m, "a", strPtr("root"))
	mustCreate(t, m, "b", strPtr("a"))

	moved, err := m.MoveNode("a", nil, "t1", "o1", "tester")
	if err != nil {
		t.Fatalf("MoveNode() error: %v", err)
	}
	if moved.ParentID != nil || moved.Level != 0 || moved.Path != "a" {
		t.Fatalf("promoted node wrong: parent=%v level=%d path=%q", moved.ParentID, moved.Level, moved.Path)
	}

	b := mustFind(t, repo, "b")
	if b.Level != 1 || b.Path != "a/b" {
		t.Fatalf("descendant not rebased after promote: level=%d path=%q", b.Level, b.Path)
	}
}

// 移动到当前父节点是空操作：返回节点本身，不产生任何写入。
func TestMaintainer_MoveNode_SameParentNoop(t *testing.T) {
	repo := newMemCategoryRepo()
	m := NewMaintainer(repo)

	mustCreate(t, m, "root", nil)
	mustCreate(t, m, "child", strPtr("root"))

	moved, err := m.MoveNode("child", strPtr("root"), "t1", "o1", "tester")
	if err != nil {
		t.Fatalf("MoveNode() error: %v", err)
	}
	if moved.Path != "root/child" || moved.Level != 1 {
		t.Fatalf("noop move changed node: %+v", moved)
	}

	root := mustFind(t, repo, "root")
	if root.ChildCount != 1 {
		t.Fatalf("noop move touched parent caches: childCount=%d", root.ChildCount)
	}
}

func TestMaintainer_MoveNode_SelfParentRejected(t *testing.T) {
	repo := newMemCategoryRepo()
	m := NewMaintainer(repo)

	mustCreate(t, m, "root", nil)

	_, err := m.MoveNode("root", strPtr("root"), "t1", "o1", "tester")
	if !errors.Is(err, ErrSelfParent) {
		t.Fatalf("expect ErrSelfParent, got %v", err)
	}
}

func TestMaintainer_MoveNode_DescendantParentRejected(t *testing.T) {
	repo := newMemCategoryRepo()
	m := NewMaintainer(repo)

	mustCreate(t, m, "root", nil)
	mustCreate(t, m, "a", strPtr("root"))
	mustCreate(t, m, "b", strPtr("a"))

	_, err := m.MoveNode("a", strPtr("b"), "t1", "o1", "tester")
	if !errors.Is(err, ErrDescendantParent) {
		t.Fatalf("expect ErrDescendantParent, got %v", err)
	}

	// 失败的移动不能留下任何改动
	a := mustFind(t, repo, "a")
	if a.Path != "root/a" || a.Level != 1 {
		t.Fatalf("rejected move mutated node: %+v", a)
	}
}

func TestMaintainer_MoveNode_NotFound(t *testing.T) {
	repo := newMemCategoryRepo()
	m := NewMaintainer(repo)

	_, err := m.MoveNode("missing", nil, "t1", "o1", "tester")
	if !errors.Is(err, ErrCategoryNotFound) {
		t.Fatalf("expect ErrCategoryNotFound, got %v", err)
	}
}

func TestMaintainer_DeleteNode_LeafUpdatesParent(t *testing.T) {
	repo := newMemCategoryRepo()
	m := NewMaintainer(repo)

	mustCreate(t, m, "root", nil)
	mustCreate(t, m, "child", strPtr("root"))

	if err := m.DeleteNode("child", "t1", "o1", "tester"); err != nil {
		t.Fatalf("DeleteNode() error: %v", err)
	}

	if _, err := repo.FindByID("child", "t1", ""); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("deleted node should be invisible, got %v", err)
	}

	root := mustFind(t, repo, "root")
	if root.ChildCount != 0 || root.HasChildren {
		t.Fatalf("parent caches not decremented: childCount=%d hasChildren=%v", root.ChildCount, root.HasChildren)
	}
	assertSlice(t, root.Children)
}

func TestMaintainer_DeleteNode_HasChildrenRejected(t *testing.T) {
	repo := newMemCategoryRepo()
	m := NewMaintainer(repo)

	mustCreate(t, m, "root", nil)
	mustCreate(t, m, "child", strPtr("root"))

	err := m.DeleteNode("root", "t1", "o1", "tester")
	if !errors.Is(err, ErrHasChildren) {
		t.Fatalf("expect ErrHasChildren, got %v", err)
	}

	if _, err := repo.FindByID("root", "t1", ""); err != nil {
		t.Fatalf("rejected delete should keep node, got %v", err)
	}
}

// 删除的权威判据是 parent_id 计数：child_count 缓存漂移为 0 也不能绕过保护。
func TestMaintainer_DeleteNode_AuthoritativeCount(t *testing.T) {
	repo := newMemCategoryRepo()
	m := NewMaintainer(repo)

	mustCreate(t, m, "root", nil)
	mustCreate(t, m, "child", strPtr("root"))

	// 人为制造缓存漂移
	repo.cats["root"].ChildCount = 0
	repo.cats["root"].HasChildren = false
	repo.cats["root"].Children = datatypes.JSONSlice[string]{}

	err := m.DeleteNode("root", "t1", "o1", "tester")
	if !errors.Is(err, ErrHasChildren) {
		t.Fatalf("expect ErrHasChildren despite drifted caches, got %v", err)
	}
}

// externalId 查重只看存活行：删掉旧分类后，同一 externalId 可以再次使用。
func TestMaintainer_DeleteNode_ExternalIDReusable(t *testing.T) {
	repo := newMemCategoryRepo()
	m := NewMaintainer(repo)

	first := &model.ProjectCategory{
		ID:         "c1",
		ExternalID: "schools",
		Name:       "Schools",
		TenantID:   "t1",
		OrgID:      "o1",
		Status:     model.CategoryStatusActive,
		CreatedBy:  "tester",
		UpdatedBy:  "tester",
	}
	if err := m.CreateNode(first); err != nil {
		t.Fatalf("CreateNode(c1) error: %v", err)
	}

	// 存活期间同 externalId 的创建必须被拒绝
	dup := &model.ProjectCategory{
		ID:         "c2",
		ExternalID: "schools",
		Name:       "Schools again",
		TenantID:   "t1",
		OrgID:      "o1",
		Status:     model.CategoryStatusActive,
	}
	if err := m.CreateNode(dup); !errors.Is(err, repository.ErrDuplicateExternalID) {
		t.Fatalf("expect ErrDuplicateExternalID while c1 is live, got %v", err)
	}

	if err := m.DeleteNode("c1", "t1", "o1", "tester"); err != nil {
		t.Fatalf("DeleteNode(c1) error: %v", err)
	}

	second := &model.ProjectCategory{
		ID:         "c3",
		ExternalID: "schools",
		Name:       "Schools rebuilt",
		TenantID:   "t1",
		OrgID:      "o1",
		Status:     model.CategoryStatusActive,
		CreatedBy:  "tester",
		UpdatedBy:  "tester",
	}
	if err := m.CreateNode(second); err != nil {
		t.Fatalf("re-create with freed externalId error: %v", err)
	}

	got := mustFind(t, repo, "c3")
	if got.ExternalID != "schools" || got.Level != 0 || got.Path != "c3" {
		t.Fatalf("unexpected re-created node: extId=%q level=%d path=%q", got.ExternalID, got.Level, got.Path)
	}
}

func TestMaintainer_Reconcile_RepairsDrift(t *testing.T) {
	repo := newMemCategoryRepo()
	m := NewMaintainer(repo)

	mustCreate(t, m, "root", nil)
	mustCreate(t, m, "a", strPtr("root"))
	mustCreate(t, m, "b", strPtr("root"))

	// 制造三类漂移：计数错误、标志错误、children 列表缺项
	repo.cats["root"].ChildCount = 5
	repo.cats["root"].HasChildren = false
	repo.cats["root"].Children = datatypes.JSONSlice[string]{"a"}

	repaired, err := m.Reconcile("t1", "")
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if repaired != 1 {
		t.Fatalf("repaired = %d, want 1", repaired)
	}

	root := mustFind(t, repo, "root")
	if root.ChildCount != 2 || !root.HasChildren {
		t.Fatalf("root caches not repaired: childCount=%d hasChildren=%v", root.ChildCount, root.HasChildren)
	}
	assertSlice(t, root.Children, "a", "b")
}

func TestMaintainer_Reconcile_CleanTreeNoWrites(t *testing.T) {
	repo := newMemCategoryRepo()
	m := NewMaintainer(repo)

	mustCreate(t, m, "root", nil)
	mustCreate(t, m, "a", strPtr("root"))

	repaired, err := m.Reconcile("t1", "")
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if repaired != 0 {
		t.Fatalf("clean tree should need no repairs, got %d", repaired)
	}
}
