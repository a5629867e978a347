package venue

import (
	"context"
	"sync"
)

// LoginFunc obtains a new session token from the venue.
type LoginFunc func(ctx context.Context) (string, error)

// Session owns the venue session token for one client. It logs in lazily and
// re-logs in when a call reports the token as rejected.
type Session struct {
	mu    sync.Mutex
	token string
	login LoginFunc
}

// NewSession creates a session that logs in through login.
func NewSession(login LoginFunc) *Session {
	return &Session{login: login}
}

// Token returns the current token, logging in first if there is none.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}
	return s.renew(ctx)
}

// Refresh replaces a rejected token. When another caller already replaced
// stale, the newer token is returned without logging in again.
func (s *Session) Refresh(ctx context.Context, stale string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.token != stale {
		return s.token, nil
	}
	return s.renew(ctx)
}

func (s *Session) renew(ctx context.Context) (string, error) {
	token, err := s.login(ctx)
	if err != nil {
		s.token = ""
		return "", err
	}
	s.token = token
	return token, nil
}
