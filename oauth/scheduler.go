package oauth

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
)

// RefreshScheduler periodically refreshes tokens that are about to expire so
// callers rarely hit the refresh path inline.
type RefreshScheduler struct {
	manager *Manager
	cron    *cron.Cron
	entry   cron.EntryID
	running bool
	mutex   sync.Mutex
}

// NewRefreshScheduler creates a scheduler for m using m's refresh schedule.
func NewRefreshScheduler(m *Manager) *RefreshScheduler {
	return &RefreshScheduler{
		manager: m,
		cron:    cron.New(),
	}
}

// Start begins the periodic sweep. The sweep stops when ctx ends or Stop is
// called.
func (s *RefreshScheduler) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.running {
		return nil
	}

	spec := s.manager.cfg.RefreshSpec
	entry, err := s.cron.AddFunc(spec, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	s.entry = entry
	s.cron.Start()
	s.running = true
	s.manager.logger.Debug("Token refresh scheduler started", "schedule", spec, "window", s.manager.cfg.RefreshWindow)

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to end.
func (s *RefreshScheduler) Stop(ctx context.Context) error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}
	s.running = false
	s.cron.Remove(s.entry)
	stopped := s.cron.Stop()
	s.mutex.Unlock()

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep refreshes every token that has a refresh token and expires within the
// configured window. It returns the number of providers refreshed.
func (s *RefreshScheduler) Sweep(ctx context.Context) int {
	m := s.manager
	now := m.now()
	refreshed := 0
	for _, id := range m.Providers() {
		if ctx.Err() != nil {
			break
		}
		tok, err := m.currentToken(ctx, id)
		if err != nil || tok.RefreshToken == "" || !tok.ExpiresWithin(now, m.cfg.RefreshWindow) {
			continue
		}
		if _, err := m.RefreshToken(ctx, id); err != nil {
			m.logger.Warn("Scheduled token refresh failed", "provider", id, "error", err)
			continue
		}
		refreshed++
	}
	return refreshed
}
