package handler

import (
	"net/http"
	"time"

	"project-service/internal/service"
	"project-service/pkg/log"

	"github.com/gin-gonic/gin"
)

// UserHandler 负责用户域相关 HTTP 接口（注册、登录、个人信息、登出）。
// 用户在这里只是分类接口的"调用方上下文"：租户归属在注册时确定，
// 随 JWT 下发，分类接口据此做数据隔离。
type UserHandler struct {
	userService service.UserService
}

// NewUserHandler 创建 UserHandler。
func NewUserHandler(userService service.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

// RegisterRequest 是注册接口请求体。
type RegisterRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	TenantID string `json:"tenantId" binding:"required"`
	OrgID    string `json:"orgId"`
}

// LoginRequest 是登录接口请求体。
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// ProfileResponse 是个人信息接口响应结构。
type ProfileResponse struct {
	ID        uint      `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	TenantID  string    `json:"tenantId"`
	OrgID     string    `json:"orgId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Register 处理用户注册请求。
func (h *UserHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Register: failed to bind request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"status":  http.StatusBadRequest,
			"message": "Invalid request body",
		})
		return
	}

	user, err := h.userService.Register(req.Username, req.Password, req.TenantID, req.OrgID)
	if err != nil {
		log.Warnf("Register: failed to register user: %v", err)
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusCreated, "User registered successfully", user)
}

// Login 处理登录请求并返回 access/refresh token。
func (h *UserHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Login: failed to bind request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"status":  http.StatusBadRequest,
			"message": "Invalid request body",
		})
		return
	}

	accessToken, refreshToken, err := h.userService.Login(req.Username, req.Password)
	if err != nil {
		log.Warnf("Login: failed to login user: %v", err)
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, "Login successful", gin.H{
		"accessToken":  accessToken,
		"refreshToken": refreshToken,
	})
}

// GetProfile 返回当前登录用户信息。
// 用户对象由 AuthMiddleware 注入到上下文中。
func (h *UserHandler) GetProfile(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		return
	}

	respondOK(c, http.StatusOK, "Profile retrieved successfully", ProfileResponse{
		ID:        user.ID,
		Username:  user.Username,
		Role:      user.Role,
		TenantID:  user.TenantID,
		OrgID:     user.OrgID,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	})
}

// Logout 处理退出登录。
// 逻辑：从 Authorization 头提取 token，再交由 service 做黑名单处理。
func (h *UserHandler) Logout(c *gin.Context) {
	token, err := extractBearerToken(c.GetHeader("Authorization"))
	if err != nil {
		log.Warnf("Logout: invalid authorization header: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"status":  http.StatusUnauthorized,
			"message": "Invalid authorization header",
		})
		return
	}

	if err := h.userService.Logout(token); err != nil {
		log.Warnf("Logout: failed to logout user: %v", err)
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, "Logout successful", nil)
}
