package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"project-service/internal/config"
	"project-service/internal/handler"
	"project-service/internal/hierarchy"
	"project-service/internal/middleware"
	"project-service/internal/repository"
	"project-service/internal/service"
	"project-service/pkg/database"
	"project-service/pkg/lock"
	"project-service/pkg/log"
	"project-service/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	config.Init("configs/config.yaml")
	cfg := config.Conf

	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()

	log.Info("Server starting")

	database.InitMySQL(cfg.Database.MySQL.DSN)
	if err := database.RunMigrate(); err != nil {
		log.Fatal("Failed to run migrations", err)
		return
	}
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	jwtManager := token.NewJWTManager(
		cfg.JWT.Secret,
		time.Duration(cfg.JWT.AccessTokenExpireHours)*time.Hour,
		time.Duration(cfg.JWT.RefreshTokenExpireDays)*24*time.Hour,
	)

	// 依赖装配：repository -> maintainer/service -> handler
	userRepo := repository.NewUserRepository(database.DB)
	userService := service.NewUserService(userRepo, jwtManager)
	userHandler := handler.NewUserHandler(userService)

	categoryRepo := repository.NewCategoryRepository(database.DB)
	maintainer := hierarchy.NewMaintainer(categoryRepo)
	treeLock := lock.New(database.RDB, time.Duration(cfg.Hierarchy.LockTTLSeconds)*time.Second)
	categoryService := service.NewCategoryService(categoryRepo, maintainer, treeLock, cfg.Hierarchy.MaxDepth)
	categoryHandler := handler.NewCategoryHandler(categoryService)

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	api := r.Group("/api/v1")

	// 公开路由：注册、登录
	api.POST("/users/register", userHandler.Register)
	api.POST("/users/login", userHandler.Login)

	// 需要登录的路由
	authed := api.Group("", middleware.AuthMiddleware(jwtManager, userService))
	authed.GET("/users/profile", userHandler.GetProfile)
	authed.POST("/users/logout", userHandler.Logout)

	categories := authed.Group("/categories")
	categories.POST("/create", categoryHandler.Create)
	categories.GET("/list", categoryHandler.List)
	categories.GET("/hierarchy", categoryHandler.GetHierarchy)
	categories.PATCH("/update/:id", categoryHandler.Update)
	categories.PATCH("/move/:id", categoryHandler.Move)
	categories.GET("/leaves", categoryHandler.GetLeaves)
	categories.GET("/canDelete/:id", categoryHandler.CanDelete)
	categories.DELETE("/delete/:id", categoryHandler.Delete)
	categories.POST("/bulk", categoryHandler.BulkCreate)

	// 管理员运维路由
	adminCategories := categories.Group("", middleware.AdminAuthMiddleware())
	adminCategories.POST("/reconcile", categoryHandler.Reconcile)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutdown signal received, stopping server...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP server shutdown failed: %v", err)
	}

	log.Info("Server stopped gracefully")
}
