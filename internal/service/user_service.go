package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"project-service/internal/model"
	"project-service/internal/repository"
	"project-service/pkg/database"
	"project-service/pkg/hash"
	"project-service/pkg/log"
	"project-service/pkg/token"

	"gorm.io/gorm"
)

// 哨兵错误：对外统一语义，隐藏底层实现细节
var (
	// ErrInvalidInput 请求参数缺失或非法
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCredentials 用户名或密码错误（登录时统一返回，防止用户枚举）
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrUserNotFound 用户不存在（仅用于非登录场景，如 GetProfile）
	ErrUserNotFound = errors.New("user not found")
	// ErrUserAlreadyExists 用户已存在（注册时）
	ErrUserAlreadyExists = errors.New("user already exists")
	// ErrInternal 内部错误（对外不暴露细节）
	ErrInternal = errors.New("internal server error")
)

type UserService interface {
	Register(username, password, tenantID, orgID string) (*model.User, error)
	Login(username, password string) (accessToken, refreshToken string, err error)
	GetProfile(username string) (*model.User, error)
	Logout(tokenString string) error
}

type userService struct {
	userRepo   repository.UserRepository
	JWTManager *token.JWTManager
}

func NewUserService(userRepo repository.UserRepository, jwtManager *token.JWTManager) UserService {
	return &userService{
		userRepo:   userRepo,
		JWTManager: jwtManager,
	}
}

// Register 注册新用户。
// tenantID/orgID 是用户的租户归属，之后所有分类操作默认落在这个范围内。
func (s *userService) Register(username, password, tenantID, orgID string) (*model.User, error) {
	username = strings.TrimSpace(username)
	tenantID = strings.TrimSpace(tenantID)
	if username == "" || password == "" || tenantID == "" {
		return nil, ErrInvalidInput
	}

	// 1. 检查用户是否存在
	existingUser, err := s.userRepo.FindByUsername(username)
	if err != nil {
		// 查无记录是正常分支，继续注册
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	} else if existingUser != nil {
		return nil, ErrUserAlreadyExists
	}

	// 2. 密码进行哈希
	hashedPassword, err := hash.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	// 3. 创建新用户
	newUser := &model.User{
		Username: username,
		Password: hashedPassword,
		Role:     "USER",
		TenantID: tenantID,
		OrgID:    strings.TrimSpace(orgID),
	}

	if err := s.userRepo.Create(newUser); err != nil {
		return nil, err
	}
	return newUser, nil
}

func (s *userService) Login(username, password string) (accessToken, refreshToken string, err error) {
	if s.JWTManager == nil {
		return "", "", ErrInternal
	}
	// 1. 检查用户是否存在
	existingUser, err := s.userRepo.FindByUsername(username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 用户不存在，返回统一的凭证错误，防止用户枚举
			return "", "", ErrInvalidCredentials
		}
		// 真正的数据库错误：记日志，对外返回通用错误
		log.Errorf("Login: failed to query user %q: %v", username, err)
		return "", "", ErrInternal
	}
	if existingUser == nil {
		return "", "", ErrInvalidCredentials
	}

	// 2. 检查密码是否正确
	if !hash.CheckPasswordHash(password, existingUser.Password) {
		// 密码错误，返回与"用户不存在"相同的错误，防止用户枚举
		return "", "", ErrInvalidCredentials
	}

	// 3. 生成JWT令牌（租户范围随令牌下发，分类接口据此做数据隔离）
	accessToken, refreshToken, err = s.JWTManager.GenerateToken(
		existingUser.ID, existingUser.Username, existingUser.Role,
		existingUser.TenantID, existingUser.OrgID,
	)
	if err != nil {
		log.Errorf("Login: failed to generate token for user %q: %v", existingUser.Username, err)
		return "", "", ErrInternal
	}
	return accessToken, refreshToken, nil
}

func (s *userService) GetProfile(username string) (*model.User, error) {
	user, err := s.userRepo.FindByUsername(username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		log.Errorf("GetProfile: failed to query user %q: %v", username, err)
		return nil, ErrInternal
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// Logout 把 access token 写入 Redis 黑名单，令其立即失效。
// 黑名单 key 的 TTL 与 token 的剩余有效期一致，过期后自动清理。
func (s *userService) Logout(tokenString string) error {
	if s.JWTManager == nil || database.RDB == nil {
		return ErrInternal
	}

	claims, err := s.JWTManager.VerifyToken(tokenString)
	if err != nil || claims == nil {
		// 无效 token 的登出视为成功：目的（令牌不可用）已经达到
		return nil
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}

	blacklistKey := "token_blacklist:" + tokenString
	if err := database.RDB.Set(context.Background(), blacklistKey, "1", ttl).Err(); err != nil {
		log.Errorf("Logout: failed to blacklist token: %v", err)
		return ErrInternal
	}
	return nil
}
