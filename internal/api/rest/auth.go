package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/auth"
	"github.com/KevinKickass/OpenScheduleCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Login request/response types
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"` // seconds
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// User Management
type CreateUserRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Role     string `json:"role" binding:"required,oneof=viewer editor admin"`
}

func loginResponse(pair *auth.TokenPair) LoginResponse {
	return LoginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    int(time.Until(pair.ExpiresAt).Seconds()),
	}
}

// Auth handlers
func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeAuthBadRequest, "Invalid request body", err.Error()))
		return
	}

	pair, err := s.authService.LoginUser(
		c.Request.Context(),
		req.Username,
		req.Password,
		c.ClientIP(),
		c.GetHeader("User-Agent"),
	)
	if err != nil {
		msg := "Invalid credentials"
		if errors.Is(err, auth.ErrAccountLocked) {
			msg = "Account locked"
		}
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.CodeAuthUnauthorized, msg, nil))
		return
	}

	c.JSON(http.StatusOK, loginResponse(pair))
}

func (s *Server) refreshToken(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeAuthBadRequest, "Invalid request body", err.Error()))
		return
	}

	pair, err := s.authService.RefreshAccessToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.CodeAuthUnauthorized, "Invalid or expired refresh token", nil))
		return
	}

	c.JSON(http.StatusOK, loginResponse(pair))
}

func (s *Server) logout(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeAuthBadRequest, "Invalid request body", err.Error()))
		return
	}

	if err := s.authService.RevokeRefreshToken(c.Request.Context(), req.RefreshToken); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeSystemInternal, "Failed to logout", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "logged out successfully"})
}

func (s *Server) logoutEverywhere(c *gin.Context) {
	principal, _ := auth.GetPrincipal(c)
	if err := s.authService.LogoutEverywhere(c.Request.Context(), principal.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeSystemInternal, "Failed to logout", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "all sessions revoked"})
}

func (s *Server) getCurrentUser(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.CodeAuthUnauthorized, "Not authenticated", nil))
		return
	}

	user, err := s.authService.GetUserByID(c.Request.Context(), principal.UserID)
	if err != nil {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeUserNotFound, "User not found", nil))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":        user,
		"permissions": principal.Permissions,
	})
}

// User Management (Admin only)
func (s *Server) createUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeUserBadRequest, "Invalid request body", err.Error()))
		return
	}

	user, err := s.authService.CreateUser(c.Request.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrWeakPassword) || errors.Is(err, auth.ErrInvalidRole) {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeUserBadRequest, err.Error(), nil))
			return
		}
		s.logger.Error("Failed to create user", zap.String("username", req.Username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeUserInternal, "Failed to create user", err.Error()))
		return
	}

	c.JSON(http.StatusCreated, user)
}

func (s *Server) listUsers(c *gin.Context) {
	users, err := s.authService.ListUsers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeUserInternal, "Failed to list users", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{"users": users})
}
