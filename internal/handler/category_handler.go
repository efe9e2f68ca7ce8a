package handler

import (
	"net/http"
	"strconv"
	"strings"

	"project-service/internal/repository"
	"project-service/internal/service"
	"project-service/pkg/log"

	"github.com/gin-gonic/gin"
)

// CategoryHandler 负责项目分类管理接口。
// 租户范围一律从登录用户解析（resolveTenantScope），
// 不信任请求体里的租户字段；ADMIN 可通过 query 参数覆盖。
type CategoryHandler struct {
	categoryService service.CategoryService
}

func NewCategoryHandler(categoryService service.CategoryService) *CategoryHandler {
	return &CategoryHandler{categoryService: categoryService}
}

// CreateCategoryRequest 是创建分类的请求体。
// parent_id 使用指针以区分"没传该字段"和"显式传空字符串"两种情况。
type CreateCategoryRequest struct {
	Name       string  `json:"name" binding:"required"`
	Label      string  `json:"label"`
	ExternalID string  `json:"externalId"`
	ParentID   *string `json:"parent_id"`
	Status     string  `json:"status"`
}

// UpdateCategoryRequest 是更新分类的请求体，字段全部可选。
// parent_id 故意不在其中：挂载关系只能通过 move 接口修改。
type UpdateCategoryRequest struct {
	Name         *string `json:"name"`
	Label        *string `json:"label"`
	Status       *string `json:"status"`
	DisplayOrder *int    `json:"displayOrder"`
}

// MoveCategoryRequest 是移动分类的请求体。
// newParentId 为 null 或缺失表示移动为根节点。
type MoveCategoryRequest struct {
	NewParentID *string `json:"newParentId"`
}

// BulkCategoryRequest 是批量创建的请求体。
type BulkCategoryRequest struct {
	Categories []BulkCategoryItem `json:"categories" binding:"required"`
}

// BulkCategoryItem 是批量创建的单个条目。
type BulkCategoryItem struct {
	Name             string `json:"name"`
	Label            string `json:"label"`
	ExternalID       string `json:"externalId"`
	ParentID         string `json:"parent_id"`
	ParentExternalID string `json:"parentExternalId"`
	Status           string `json:"status"`
}

// Create 创建分类。
func (h *CategoryHandler) Create(c *gin.Context) {
	var req CreateCategoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"status":  http.StatusBadRequest,
			"message": "Invalid request body",
		})
		return
	}

	user, ok := getUserFromContext(c)
	if !ok {
		return
	}
	tenantID, orgID := resolveTenantScope(c, user)

	cat, err := h.categoryService.Create(service.CreateCategoryInput{
		Name:       req.Name,
		Label:      req.Label,
		ExternalID: req.ExternalID,
		ParentID:   req.ParentID,
		Status:     req.Status,
		TenantID:   tenantID,
		OrgID:      orgID,
	}, user.Username)
	if err != nil {
		log.Warnf("CategoryHandler.Create: failed to create category: %v", err)
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusCreated, "Category created successfully", cat)
}

// List 返回分类平铺列表（分页）。
// 支持的过滤参数：status、parent_id、rootsOnly、page、limit。
func (h *CategoryHandler) List(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		return
	}
	tenantID, orgID := resolveTenantScope(c, user)

	opts := repository.CategoryListOptions{
		TenantID: tenantID,
		OrgID:    orgID,
		Status:   strings.TrimSpace(c.Query("status")),
		Page:     parseIntQuery(c, "page", 1),
		Limit:    parseIntQuery(c, "limit", 20),
	}
	if pid := strings.TrimSpace(c.Query("parent_id")); pid != "" {
		opts.ParentID = &pid
	}
	if c.Query("rootsOnly") == "true" {
		opts.RootsOnly = true
	}

	cats, total, err := h.categoryService.List(opts)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, "Categories retrieved successfully", gin.H{
		"data":  cats,
		"count": total,
	})
}

// GetHierarchy 返回树形分类结构。
// 可选参数 rootId 限定子树，depth 限定展开深度（受服务端上限约束）。
func (h *CategoryHandler) GetHierarchy(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		return
	}
	tenantID, orgID := resolveTenantScope(c, user)

	rootID := strings.TrimSpace(c.Query("rootId"))
	depth := parseIntQuery(c, "depth", 0)

	tree, err := h.categoryService.GetHierarchy(tenantID, orgID, rootID, depth)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, "Category hierarchy retrieved successfully", tree)
}

// Update 更新分类展示字段。
func (h *CategoryHandler) Update(c *gin.Context) {
	categoryID := c.Param("id")

	var req UpdateCategoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"status":  http.StatusBadRequest,
			"message": "Invalid request body",
		})
		return
	}

	user, ok := getUserFromContext(c)
	if !ok {
		return
	}
	tenantID, orgID := resolveTenantScope(c, user)

	cat, err := h.categoryService.Update(categoryID, tenantID, orgID, service.UpdateCategoryInput{
		Name:         req.Name,
		Label:        req.Label,
		Status:       req.Status,
		DisplayOrder: req.DisplayOrder,
	}, user.Username)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, "Category updated successfully", cat)
}

// Move 把分类移动到新父节点下。
func (h *CategoryHandler) Move(c *gin.Context) {
	categoryID := c.Param("id")

	var req MoveCategoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"status":  http.StatusBadRequest,
			"message": "Invalid request body",
		})
		return
	}

	user, ok := getUserFromContext(c)
	if !ok {
		return
	}
	tenantID, orgID := resolveTenantScope(c, user)

	moved, err := h.categoryService.Move(categoryID, req.NewParentID, tenantID, orgID, user.Username)
	if err != nil {
		log.Warnf("CategoryHandler.Move: failed to move category %s: %v", categoryID, err)
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, "Category moved successfully", moved)
}

// GetLeaves 返回所有叶子分类（没有子节点的分类）。
func (h *CategoryHandler) GetLeaves(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		return
	}
	tenantID, orgID := resolveTenantScope(c, user)

	leaves, err := h.categoryService.GetLeaves(tenantID, orgID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, "Leaf categories retrieved successfully", leaves)
}

// CanDelete 查询分类是否可删除（没有活跃子节点）。
func (h *CategoryHandler) CanDelete(c *gin.Context) {
	categoryID := c.Param("id")

	user, ok := getUserFromContext(c)
	if !ok {
		return
	}
	tenantID, orgID := resolveTenantScope(c, user)

	canDelete, err := h.categoryService.CanDelete(categoryID, tenantID, orgID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, "Category delete check completed", gin.H{
		"canDelete": canDelete,
	})
}

// Delete 删除分类（保护删除：有子节点时拒绝）。
func (h *CategoryHandler) Delete(c *gin.Context) {
	categoryID := c.Param("id")

	user, ok := getUserFromContext(c)
	if !ok {
		return
	}
	tenantID, orgID := resolveTenantScope(c, user)

	if err := h.categoryService.Delete(categoryID, tenantID, orgID, user.Username); err != nil {
		log.Warnf("CategoryHandler.Delete: failed to delete category %s: %v", categoryID, err)
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, "Category deleted successfully", gin.H{
		"_id": categoryID,
	})
}

// BulkCreate 批量创建分类，逐条上报成败。
func (h *CategoryHandler) BulkCreate(c *gin.Context) {
	var req BulkCategoryRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Categories) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"status":  http.StatusBadRequest,
			"message": "Invalid request body",
		})
		return
	}

	user, ok := getUserFromContext(c)
	if !ok {
		return
	}
	tenantID, orgID := resolveTenantScope(c, user)

	entries := make([]service.BulkCategoryEntry, 0, len(req.Categories))
	for _, item := range req.Categories {
		entries = append(entries, service.BulkCategoryEntry{
			Name:             item.Name,
			Label:            item.Label,
			ExternalID:       item.ExternalID,
			ParentID:         item.ParentID,
			ParentExternalID: item.ParentExternalID,
			Status:           item.Status,
		})
	}

	result, err := h.categoryService.BulkCreate(entries, tenantID, orgID, user.Username)
	if err != nil {
		log.Warnf("CategoryHandler.BulkCreate: bulk create failed: %v", err)
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, "Bulk category creation completed", result)
}

// Reconcile 按 parent_id 权威关系修复计数缓存（管理员运维接口）。
func (h *CategoryHandler) Reconcile(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		return
	}
	tenantID, orgID := resolveTenantScope(c, user)

	repaired, err := h.categoryService.Reconcile(tenantID, orgID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, "Category counters reconciled", gin.H{
		"repaired": repaired,
	})
}

// parseIntQuery 解析整型 query 参数，非法值回退到默认值。
func parseIntQuery(c *gin.Context, key string, fallback int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
