package transport

import (
	"sync"
	"time"

	"github.com/google/uuid"

	contractx "github.com/LeaveC/xianyubot/agent/contract"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	// StatusExpired means the credential was rejected and no replacement is available yet.
	StatusExpired Status = "expired"
)

// Session is the authenticated link to the platform. Only the transport mutates it.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu     sync.RWMutex
	status Status
	cred   contractx.Credential
}

func newSession(now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		status:    StatusDisconnected,
	}
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) Credential() contractx.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *Session) setCredential(cred contractx.Credential) {
	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()
}
