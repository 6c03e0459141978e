package handlers

import (
	"errors"
	"net/http"

	"van-backend/pkg/server/middleware"
	"van-backend/pkg/store"
	"van-backend/pkg/types"
	"van-backend/pkg/utils/password"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// UserHandler 管理面账号
type UserHandler struct {
	store  store.Store
	logger zerolog.Logger
}

// NewUserHandler 创建用户处理器
func NewUserHandler(st store.Store, logger zerolog.Logger) *UserHandler {
	return &UserHandler{
		store:  st,
		logger: logger.With().Str("handler", "user").Logger(),
	}
}

// HandleRegister POST /auth/register
func (h *UserHandler) HandleRegister(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	exists, err := h.store.CheckUserExists(req.Username)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to check user existence")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if exists {
		c.JSON(http.StatusConflict, gin.H{"error": "Username already exists"})
		return
	}

	// 使用 Argon2id 哈希密码
	hashedPassword, err := password.HashPassword(req.Password)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to hash password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	user := &types.User{
		Username: req.Username,
		Password: hashedPassword,
	}
	if err := h.store.CreateUser(user); err != nil {
		h.logger.Error().Err(err).Msg("Failed to create user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "User registered successfully",
		"user": gin.H{
			"id":       user.ID,
			"username": user.Username,
		},
	})
}

// HandleLogin POST /auth/login
func (h *UserHandler) HandleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	user, err := h.store.GetUserByUsername(req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
			return
		}
		h.logger.Error().Err(err).Msg("Failed to get user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	valid, err := password.VerifyPassword(req.Password, user.Password)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to verify password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if !valid {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}

	token, err := middleware.GenerateToken(user.ID, user.Username)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to generate token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"user": gin.H{
			"id":       user.ID,
			"username": user.Username,
		},
	})
}
