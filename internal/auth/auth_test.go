package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenScheduleCore/internal/config"
	"github.com/KevinKickass/OpenScheduleCore/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

type memoryUsers struct {
	mu      sync.Mutex
	users   map[uuid.UUID]*storage.User
	refresh map[string]refreshRow
	events  []storage.AuthEvent
}

type refreshRow struct {
	userID  uuid.UUID
	expires time.Time
	revoked bool
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{users: map[uuid.UUID]*storage.User{}, refresh: map[string]refreshRow{}}
}

func (m *memoryUsers) GetUserByUsername(_ context.Context, username string) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			c := *u
			return &c, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memoryUsers) GetUserByID(_ context.Context, id uuid.UUID) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *memoryUsers) CreateUser(_ context.Context, username, hash, role string) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &storage.User{ID: uuid.New(), Username: username, PasswordHash: hash, Role: role, CreatedAt: time.Now()}
	m.users[u.ID] = u
	c := *u
	return &c, nil
}

func (m *memoryUsers) CountUsers(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users), nil
}

func (m *memoryUsers) ListUsers(context.Context) ([]*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.User
	for _, u := range m.users {
		c := *u
		out = append(out, &c)
	}
	return out, nil
}

func (m *memoryUsers) UpdateLastLogin(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.users[id].LastLoginAt = &now
	return nil
}

func (m *memoryUsers) IncrementFailedLoginAttempts(_ context.Context, id uuid.UUID, maxAttempts int, lockFor time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= maxAttempts {
		until := time.Now().Add(lockFor)
		u.LockedUntil = &until
	}
	return nil
}

func (m *memoryUsers) ResetFailedLoginAttempts(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id].FailedLoginAttempts = 0
	m.users[id].LockedUntil = nil
	return nil
}

func (m *memoryUsers) StoreRefreshToken(_ context.Context, id uuid.UUID, hash string, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[hash] = refreshRow{userID: id, expires: expires}
	return nil
}

func (m *memoryUsers) GetRefreshToken(_ context.Context, hash string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.refresh[hash]
	switch {
	case !ok:
		return uuid.Nil, storage.ErrNotFound
	case row.revoked:
		return uuid.Nil, storage.ErrTokenRevoked
	case time.Now().After(row.expires):
		return uuid.Nil, storage.ErrTokenExpired
	}
	return row.userID, nil
}

func (m *memoryUsers) RevokeRefreshToken(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.refresh[hash]; ok {
		row.revoked = true
		m.refresh[hash] = row
	}
	return nil
}

func (m *memoryUsers) RevokeAllUserRefreshTokens(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, row := range m.refresh {
		if row.userID == id {
			row.revoked = true
			m.refresh[hash] = row
		}
	}
	return nil
}

func (m *memoryUsers) LogAuthEvent(_ context.Context, e storage.AuthEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func testConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecretEnv:           "OSC_TEST_JWT_SECRET_UNSET",
		AccessTokenTTL:         time.Minute,
		RefreshTokenTTL:        time.Hour,
		MaxFailedLoginAttempts: 3,
		AccountLockDuration:    time.Minute,
		BootstrapAdmin:         "admin",
		BootstrapPasswordEnv:   "OSC_TEST_ADMIN_PASSWORD",
	}
}

func newTestService(t *testing.T) (*AuthService, *memoryUsers) {
	t.Helper()
	store := newMemoryUsers()
	svc := NewAuthService(store, testConfig(), zaptest.NewLogger(t))
	svc.passwordHasher = &PasswordHasher{params: argon2Params{memory: 8 * 1024, iterations: 1, parallelism: 1, saltLength: 16, keyLength: 32}}
	return svc, store
}

func TestPasswordHashing(t *testing.T) {
	ph := &PasswordHasher{params: argon2Params{memory: 8 * 1024, iterations: 1, parallelism: 1, saltLength: 16, keyLength: 32}}
	hash, err := ph.HashPassword("correct horse battery")
	if err != nil {
		t.Fatal(err)
	}

	ok, err := ph.VerifyPassword("correct horse battery", hash)
	if err != nil || !ok {
		t.Fatalf("verify: %v %v", ok, err)
	}
	ok, _ = ph.VerifyPassword("wrong horse battery", hash)
	if ok {
		t.Fatal("wrong password accepted")
	}
	if _, err := ph.VerifyPassword("x", "$bcrypt$abc"); !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("bad hash: %v", err)
	}
	if err := ValidatePassword("short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("short password: %v", err)
	}
}

func TestLoginRefreshAndLock(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "alice", "alice-password", "superuser"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("bad role: %v", err)
	}
	if _, err := svc.CreateUser(ctx, "alice", "alice-password", RoleEditor); err != nil {
		t.Fatal(err)
	}

	pair, err := svc.LoginUser(ctx, "alice", "alice-password", "127.0.0.1", "test")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	principal, err := svc.ValidateToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if principal.Username != "alice" || !principal.Has(PermEditSchedules) || principal.Has(PermAdmin) {
		t.Fatalf("principal = %+v", principal)
	}

	rotated, err := svc.RefreshAccessToken(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := svc.RefreshAccessToken(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("old refresh token reused: %v", err)
	}
	if err := svc.RevokeRefreshToken(ctx, rotated.RefreshToken); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RefreshAccessToken(ctx, rotated.RefreshToken); err == nil {
		t.Fatal("revoked token accepted")
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.LoginUser(ctx, "alice", "nope", "127.0.0.1", "test"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if _, err := svc.LoginUser(ctx, "alice", "alice-password", "127.0.0.1", "test"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("locked account: %v", err)
	}
	if len(store.events) == 0 {
		t.Fatal("no auth events logged")
	}
}

func TestValidateTokenRejectsForeignTokens(t *testing.T) {
	svc, _ := newTestService(t)
	other := NewJWTHandler("another-secret-that-is-long-enough", time.Minute, time.Hour)
	token, _, err := other.GenerateAccessToken(uuid.New(), "mallory", RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign token: %v", err)
	}

	svc.jwtHandler.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	expired, _, err := svc.jwtHandler.GenerateAccessToken(uuid.New(), "bob", RoleViewer)
	if err != nil {
		t.Fatal(err)
	}
	svc.jwtHandler.now = time.Now
	if _, err := svc.ValidateToken(context.Background(), expired); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestBootstrapAdmin(t *testing.T) {
	t.Setenv("OSC_TEST_ADMIN_PASSWORD", "admin-password-123")
	svc, store := newTestService(t)
	ctx := context.Background()

	if err := svc.BootstrapAdmin(ctx); err != nil {
		t.Fatal(err)
	}
	if err := svc.BootstrapAdmin(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.CountUsers(ctx); n != 1 {
		t.Fatalf("users = %d", n)
	}
	admin, err := store.GetUserByUsername(ctx, "admin")
	if err != nil || admin.Role != RoleAdmin {
		t.Fatalf("admin = %+v, %v", admin, err)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CreateUser(ctx, "viewer", "viewer-password", RoleViewer); err != nil {
		t.Fatal(err)
	}
	pair, err := svc.LoginUser(ctx, "viewer", "viewer-password", "", "")
	if err != nil {
		t.Fatal(err)
	}

	router := gin.New()
	api := router.Group("/", svc.AuthMiddleware())
	api.GET("/read", RequirePermission(PermViewSchedules), func(c *gin.Context) { c.Status(http.StatusOK) })
	api.POST("/write", RequirePermission(PermEditSchedules), func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		method, path, header string
		want                 int
	}{
		{http.MethodGet, "/read", "", http.StatusUnauthorized},
		{http.MethodGet, "/read", "Token abc", http.StatusUnauthorized},
		{http.MethodGet, "/read", "Bearer garbage", http.StatusUnauthorized},
		{http.MethodGet, "/read", "Bearer " + pair.AccessToken, http.StatusOK},
		{http.MethodPost, "/write", "Bearer " + pair.AccessToken, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %s %d", tt.method, tt.path, tt.want), func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}
