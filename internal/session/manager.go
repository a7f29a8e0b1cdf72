package session

import (
	"context"
	"log/slog"
	"time"
)

// Manager wraps the store with TTL handling and a background cleanup
// loop. It satisfies the router's SessionRecorder interface.
type Manager struct {
	store           *Store
	ttl             time.Duration
	cleanupInterval time.Duration
	logger          *slog.Logger
}

func NewManager(store *Store, ttl, cleanupInterval time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &Manager{
		store:           store,
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		logger:          logger,
	}
}

// Start runs the cleanup loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := m.store.DeleteExpired(time.Now())
				if err != nil {
					m.logger.Warn("session cleanup failed", slog.String("error", err.Error()))
					continue
				}
				if n > 0 {
					m.logger.Info("expired sessions reaped", slog.Int("count", n))
				}
			}
		}
	}()
}

// Begin records a new streaming session and returns its id.
func (m *Manager) Begin(agentID, correlationID string) (string, error) {
	info, err := m.store.Create(agentID, correlationID, m.ttl, nil)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// End removes a finished session. Best-effort; a failed delete is
// reclaimed by the cleanup loop once the TTL lapses.
func (m *Manager) End(sessionID string) {
	if err := m.store.Delete(sessionID); err != nil {
		m.logger.Warn("session delete failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// Touch refreshes a session's activity clock.
func (m *Manager) Touch(sessionID string) {
	if err := m.store.Touch(sessionID, m.ttl); err != nil {
		m.logger.Debug("session touch failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}
