package handler

import (
	"errors"
	"net/http"
	"strings"

	"project-service/internal/model"
	"project-service/internal/service"

	"github.com/gin-gonic/gin"
)

// mapServiceError 把 Service 层哨兵错误转换为 HTTP 状态码和对外消息。
// 统一映射的价值：
// 1. Handler 不必散落大量 if/else 判断。
// 2. 对外返回口径稳定，避免泄露内部实现细节。
func mapServiceError(err error) (httpStatus int, message string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, "Invalid request parameters"
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid username or password"
	case errors.Is(err, service.ErrUserAlreadyExists):
		return http.StatusConflict, "User already exists"
	case errors.Is(err, service.ErrUserNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, service.ErrCategoryNotFound):
		return http.StatusNotFound, "Category not found"
	case errors.Is(err, service.ErrParentCategoryNotFound):
		return http.StatusBadRequest, "Parent category not found"
	case errors.Is(err, service.ErrCategoryAlreadyExists):
		return http.StatusConflict, "Category with this external id already exists"
	case errors.Is(err, service.ErrCategorySelfParent):
		return http.StatusBadRequest, "A category cannot be moved under itself"
	case errors.Is(err, service.ErrCategoryDescendantParent):
		return http.StatusBadRequest, "A category cannot be moved under its own descendant"
	case errors.Is(err, service.ErrCategoryHasChildren):
		return http.StatusConflict, "Category still has children and cannot be deleted"
	case errors.Is(err, service.ErrCategoryTreeBusy):
		return http.StatusConflict, "Category tree is busy, please retry"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// respondError 按统一的失败口径写响应：{success:false, status, message}。
func respondError(c *gin.Context, err error) {
	status, msg := mapServiceError(err)
	c.JSON(status, gin.H{
		"success": false,
		"status":  status,
		"message": msg,
	})
}

// respondOK 按统一的成功口径写响应：{success:true, message, result}。
func respondOK(c *gin.Context, httpStatus int, message string, result interface{}) {
	body := gin.H{
		"success": true,
		"message": message,
	}
	if result != nil {
		body["result"] = result
	}
	c.JSON(httpStatus, body)
}

// extractBearerToken 从 Authorization 请求头提取 Bearer Token。
// 期望格式：Authorization: Bearer <token>
func extractBearerToken(authHeader string) (string, error) {
	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	if strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("empty token")
	}
	return parts[1], nil
}

// getUserFromContext 从 Gin 上下文中读取 AuthMiddleware 注入的用户对象。
// 如果上下文异常，该函数会直接写错误响应并返回 false，调用方只需 `if !ok { return }`。
func getUserFromContext(c *gin.Context) (*model.User, bool) {
	userVal, exists := c.Get("user")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"status":  http.StatusUnauthorized,
			"message": "User not found in context",
		})
		return nil, false
	}

	user, ok := userVal.(*model.User)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"status":  http.StatusInternalServerError,
			"message": "Failed to get user profile",
		})
		return nil, false
	}
	return user, true
}

// resolveTenantScope 确定本次请求的租户范围。
// 默认取登录用户自身的 tenantId/orgId；只有 ADMIN 角色允许
// 通过 query 参数显式覆盖（跨租户运维场景）。
func resolveTenantScope(c *gin.Context, user *model.User) (tenantID, orgID string) {
	tenantID = user.TenantID
	orgID = user.OrgID

	if user.Role != "ADMIN" {
		return tenantID, orgID
	}
	if override := strings.TrimSpace(c.Query("tenantId")); override != "" {
		tenantID = override
	}
	if override := strings.TrimSpace(c.Query("orgId")); override != "" {
		orgID = override
	}
	return tenantID, orgID
}
