package auth

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// expiryChecker owns the periodic sweep goroutine. Start replaces any
// running sweep; Stop is idempotent.
type expiryChecker struct {
	lock sync.Mutex
	stop chan struct{}
}

// StartExpiryChecker begins (or restarts) the periodic expiration sweep.
// A non-positive interval stops any running sweep and starts nothing.
func (s *Service) StartExpiryChecker(interval time.Duration) {
	s.checker.lock.Lock()
	defer s.checker.lock.Unlock()

	s.stopCheckerLocked()
	if interval <= 0 {
		return
	}

	stop := make(chan struct{})
	s.checker.stop = stop
	go s.expiryLoop(interval, stop)
}

// StopExpiryChecker halts the sweep. Safe to call repeatedly or when no
// sweep is running.
func (s *Service) StopExpiryChecker() {
	s.checker.lock.Lock()
	defer s.checker.lock.Unlock()
	s.stopCheckerLocked()
}

func (s *Service) stopCheckerLocked() {
	if s.checker.stop != nil {
		close(s.checker.stop)
		s.checker.stop = nil
	}
}

// Close stops background work. The service is not usable afterwards for
// sweeping, but request methods keep working.
func (s *Service) Close() {
	s.StopExpiryChecker()
}

func (s *Service) expiryLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.CheckExpiration(context.Background())
		}
	}
}

// CheckExpiration is a single sweep pass: while a session is live, re-read
// the stored credentials and end the session if they are gone or locally
// expired, otherwise raise an expiring-soon notification when the session
// is inside the warning window.
func (s *Service) CheckExpiration(ctx context.Context) {
	if !s.sessions.IsActive() {
		return
	}

	creds, err := s.creds.GetCredentials(ctx, s.credentialsKey)
	if err != nil {
		if errors.Is(err, NoCredentialsErr) {
			s.logger.Info().Msg("stored credentials gone, ending session")
			s.sessions.EndSession()
			return
		}
		s.logger.Warn().Err(err).Msg("expiration sweep could not read credentials")
		return
	}

	if creds.Expired(s.nowFunc()) {
		s.logger.Info().Str("user", creds.Username).Msg("credentials expired, ending session")
		s.sessions.EndSession()
		return
	}

	if s.sessions.IsExpiringSoon(s.sessionWarning) {
		s.sessions.NotifyExpiringSoon()
	}
}
