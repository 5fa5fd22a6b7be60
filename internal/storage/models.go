package storage

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID                  uuid.UUID  `json:"id"`
	Username            string     `json:"username"`
	PasswordHash        string     `json:"-"` // Never expose in JSON
	Role                string     `json:"role"`
	CreatedAt           time.Time  `json:"created_at"`
	LastLoginAt         *time.Time `json:"last_login_at"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
}

// AuthEvent is one row of the login audit trail.
type AuthEvent struct {
	Type      string
	UserID    *uuid.UUID
	IPAddress string
	UserAgent string
	Success   bool
	Reason    string
}

// ScheduleOperation is one fan-out as kept in the operations log.
type ScheduleOperation struct {
	ID         uuid.UUID         `json:"id"`
	ScheduleID string            `json:"schedule_id"`
	Name       string            `json:"name"`
	Operation  string            `json:"operation"`
	Nodes      []string          `json:"nodes"`
	Failures   map[string]string `json:"failures,omitempty"`
	DurationMS int64             `json:"duration_ms"`
	CreatedAt  time.Time         `json:"created_at"`
}
