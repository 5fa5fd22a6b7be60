package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/config"
	"github.com/KevinKickass/OpenScheduleCore/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Permission string

const (
	PermViewSchedules Permission = "schedules:read"
	PermEditSchedules Permission = "schedules:write"
	PermAdmin         Permission = "admin"
)

const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrInvalidRole        = errors.New("invalid role")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// UserStore is the persistence the auth service needs.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*storage.User, error)
	GetUserByID(ctx context.Context, userID uuid.UUID) (*storage.User, error)
	CreateUser(ctx context.Context, username, passwordHash, role string) (*storage.User, error)
	CountUsers(ctx context.Context) (int, error)
	ListUsers(ctx context.Context) ([]*storage.User, error)
	UpdateLastLogin(ctx context.Context, userID uuid.UUID) error
	IncrementFailedLoginAttempts(ctx context.Context, userID uuid.UUID, maxAttempts int, lockFor time.Duration) error
	ResetFailedLoginAttempts(ctx context.Context, userID uuid.UUID) error
	StoreRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) error
	GetRefreshToken(ctx context.Context, tokenHash string) (uuid.UUID, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
	RevokeAllUserRefreshTokens(ctx context.Context, userID uuid.UUID) error
	LogAuthEvent(ctx context.Context, e storage.AuthEvent) error
}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID      uuid.UUID    `json:"user_id"`
	Username    string       `json:"username"`
	Role        string       `json:"role"`
	Permissions []Permission `json:"permissions"`
}

func (p *Principal) Has(perm Permission) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

type AuthService struct {
	storage        UserStore
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	cfg            config.AuthConfig
	logger         *zap.Logger
}

func NewAuthService(store UserStore, cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	if !cfg.IsProductionReady() {
		logger.Warn("JWT secret is the development default or too short")
	}

	return &AuthService{
		storage:        store,
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		passwordHasher: NewPasswordHasher(),
		cfg:            cfg,
		logger:         logger,
	}
}

// LoginUser authenticates a user and returns tokens
func (a *AuthService) LoginUser(ctx context.Context, username, password, ipAddress, userAgent string) (*TokenPair, error) {
	user, err := a.storage.GetUserByUsername(ctx, username)
	if err != nil {
		a.logAuthEvent(ctx, "user_login_failed", nil, ipAddress, userAgent, false, "user not found")
		return nil, ErrInvalidCredentials
	}

	// Check if account is locked
	if user.LockedUntil != nil && time.Now().Before(*user.LockedUntil) {
		a.logAuthEvent(ctx, "user_login_failed", &user.ID, ipAddress, userAgent, false, "account locked")
		return nil, fmt.Errorf("%w until %s", ErrAccountLocked, user.LockedUntil.Format(time.RFC3339))
	}

	valid, err := a.passwordHasher.VerifyPassword(password, user.PasswordHash)
	if err != nil || !valid {
		if err := a.storage.IncrementFailedLoginAttempts(ctx, user.ID, a.cfg.MaxFailedLoginAttempts, a.cfg.AccountLockDuration); err != nil {
			a.logger.Warn("Failed to count login attempt", zap.String("username", username), zap.Error(err))
		}
		a.logAuthEvent(ctx, "user_login_failed", &user.ID, ipAddress, userAgent, false, "invalid password")
		return nil, ErrInvalidCredentials
	}

	if err := a.storage.ResetFailedLoginAttempts(ctx, user.ID); err != nil {
		a.logger.Warn("Failed to reset login attempts", zap.String("username", username), zap.Error(err))
	}

	pair, err := a.issueTokens(ctx, user)
	if err != nil {
		return nil, err
	}

	_ = a.storage.UpdateLastLogin(ctx, user.ID)
	a.logAuthEvent(ctx, "user_login_success", &user.ID, ipAddress, userAgent, true, "")

	return pair, nil
}

func (a *AuthService) issueTokens(ctx context.Context, user *storage.User) (*TokenPair, error) {
	accessToken, expiresAt, err := a.jwtHandler.GenerateAccessToken(user.ID, user.Username, user.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err := a.jwtHandler.GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	tokenHash := hashRefreshToken(refreshToken)
	if err := a.storage.StoreRefreshToken(ctx, user.ID, tokenHash, time.Now().Add(a.jwtHandler.refreshTokenTTL)); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		TokenType:    "Bearer",
	}, nil
}

// ValidateToken checks an access token and returns its principal.
func (a *AuthService) ValidateToken(ctx context.Context, token string) (*Principal, error) {
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &Principal{
		UserID:      claims.UserID,
		Username:    claims.Username,
		Role:        claims.Role,
		Permissions: RolePermissions(claims.Role),
	}, nil
}

// RolePermissions expands a role into its permissions.
func RolePermissions(role string) []Permission {
	switch role {
	case RoleAdmin:
		return []Permission{PermViewSchedules, PermEditSchedules, PermAdmin}
	case RoleEditor:
		return []Permission{PermViewSchedules, PermEditSchedules}
	default:
		return []Permission{PermViewSchedules}
	}
}

func validRole(role string) bool {
	return role == RoleViewer || role == RoleEditor || role == RoleAdmin
}

func hashRefreshToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func (a *AuthService) logAuthEvent(ctx context.Context, eventType string, userID *uuid.UUID, ip, userAgent string, success bool, reason string) {
	err := a.storage.LogAuthEvent(ctx, storage.AuthEvent{
		Type:      eventType,
		UserID:    userID,
		IPAddress: ip,
		UserAgent: userAgent,
		Success:   success,
		Reason:    reason,
	})
	if err != nil {
		a.logger.Debug("Failed to log auth event", zap.String("event", eventType), zap.Error(err))
	}
}

// RefreshAccessToken rotates a refresh token into a new token pair.
func (a *AuthService) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	tokenHash := hashRefreshToken(refreshToken)

	userID, err := a.storage.GetRefreshToken(ctx, tokenHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	user, err := a.storage.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("user not found: %w", err)
	}

	// Revoke old refresh token
	if err := a.storage.RevokeRefreshToken(ctx, tokenHash); err != nil {
		return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	return a.issueTokens(ctx, user)
}

// RevokeRefreshToken revokes a refresh token
func (a *AuthService) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	return a.storage.RevokeRefreshToken(ctx, hashRefreshToken(refreshToken))
}

// LogoutEverywhere revokes every refresh token of the user.
func (a *AuthService) LogoutEverywhere(ctx context.Context, userID uuid.UUID) error {
	return a.storage.RevokeAllUserRefreshTokens(ctx, userID)
}

// CreateUser creates a new user
func (a *AuthService) CreateUser(ctx context.Context, username, password, role string) (*storage.User, error) {
	if !validRole(role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	passwordHash, err := a.passwordHasher.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	return a.storage.CreateUser(ctx, username, passwordHash, role)
}

// BootstrapAdmin creates the configured admin account on an empty user
// table. It is a no-op when users exist or no password is configured.
func (a *AuthService) BootstrapAdmin(ctx context.Context) error {
	n, err := a.storage.CountUsers(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	password := a.cfg.BootstrapPassword()
	if password == "" {
		a.logger.Warn("No users and no bootstrap password set; API login is impossible",
			zap.String("env", a.cfg.BootstrapPasswordEnv))
		return nil
	}

	if _, err := a.CreateUser(ctx, a.cfg.BootstrapAdmin, password, RoleAdmin); err != nil {
		return fmt.Errorf("failed to create bootstrap admin: %w", err)
	}
	a.logger.Info("Bootstrap admin created", zap.String("username", a.cfg.BootstrapAdmin))
	return nil
}

// GetUserByID retrieves a user by ID
func (a *AuthService) GetUserByID(ctx context.Context, userID uuid.UUID) (*storage.User, error) {
	return a.storage.GetUserByID(ctx, userID)
}

// ListUsers returns all users
func (a *AuthService) ListUsers(ctx context.Context) ([]*storage.User, error) {
	return a.storage.ListUsers(ctx)
}
