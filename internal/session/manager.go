package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lakeops/opscore/internal/metrics"
	"github.com/lakeops/opscore/internal/models"
	"github.com/lakeops/opscore/internal/retry"
)

// Credential is what the identity provider hands back.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// IdentityProvider mints bearer credentials.
type IdentityProvider interface {
	RefreshCredential(ctx context.Context) (Credential, error)
}

// DefaultRefreshMargin refreshes a one hour token after 50 minutes.
const DefaultRefreshMargin = 10 * time.Minute

const refreshKey = "session"

// Manager owns the single shared session. Callers only ever see copies.
type Manager struct {
	provider IdentityProvider
	policy   retry.Policy
	margin   time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	clock    func() time.Time

	group   singleflight.Group
	mu      sync.RWMutex
	current *models.Session
}

// NewManager constructs a Manager refreshing margin ahead of expiry.
func NewManager(provider IdentityProvider, margin time.Duration, policy retry.Policy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	timeout := time.Duration(policy.MaxAttempts+1) * policy.AttemptTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Manager{
		provider: provider,
		policy:   policy,
		margin:   margin,
		timeout:  timeout,
		logger:   logger,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Acquire returns a session that is valid now. Concurrent callers that find the
// session due for refresh share a single identity provider round.
func (m *Manager) Acquire(ctx context.Context) (models.Session, error) {
	if s, ok := m.snapshot(); ok && s.Fresh(m.clock()) {
		return s, nil
	}

	ch := m.group.DoChan(refreshKey, func() (any, error) {
		return m.refresh()
	})

	select {
	case <-ctx.Done():
		return models.Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.Session{}, res.Err
		}
		return res.Val.(models.Session), nil
	}
}

// Current returns the held session without refreshing it.
func (m *Manager) Current() (models.Session, bool) {
	return m.snapshot()
}

// Invalidate forces the next Acquire to refresh. The held session stays usable
// until its hard expiry in case the refresh fails.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	next := *m.current
	next.RefreshAt = m.clock()
	m.current = &next
}

func (m *Manager) snapshot() (models.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return models.Session{}, false
	}
	return *m.current, true
}

func (m *Manager) refresh() (models.Session, error) {
	// A caller may have lost the race to a refresh that just finished.
	if s, ok := m.snapshot(); ok && s.Fresh(m.clock()) {
		return s, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var cred Credential
	_, err := m.policy.Do(ctx, func(ctx context.Context) error {
		c, err := m.provider.RefreshCredential(ctx)
		if err != nil {
			return err
		}
		cred = c
		return nil
	})

	now := m.clock()
	if err == nil && cred.Token == "" {
		err = errors.New("identity provider returned an empty token")
	}
	if err == nil && !cred.ExpiresAt.After(now) {
		err = errors.New("identity provider returned an expired credential")
	}
	if err != nil {
		if s, ok := m.snapshot(); ok && s.Usable(now) {
			metrics.ObserveSessionRefresh(metrics.OutcomeDegraded)
			m.logger.Warn("session refresh failed, using current session until hard expiry",
				slog.Time("expires_at", s.ExpiresAt),
				slog.Any("error", err),
			)
			return s, nil
		}
		metrics.ObserveSessionRefresh(metrics.OutcomeError)
		m.logger.Error("session refresh failed", slog.Any("error", err))
		return models.Session{}, &models.AuthError{Err: err}
	}

	next := newSession(cred, now, m.margin)
	m.mu.Lock()
	m.current = &next
	m.mu.Unlock()

	metrics.ObserveSessionRefresh(metrics.OutcomeSuccess)
	m.logger.Debug("session refreshed",
		slog.Time("expires_at", next.ExpiresAt),
		slog.Time("refresh_at", next.RefreshAt),
	)
	return next, nil
}

// newSession derives refresh_at, clamping the margin to half the lifetime so a
// short-lived token is not refreshed on every call.
func newSession(cred Credential, issuedAt time.Time, margin time.Duration) models.Session {
	lifetime := cred.ExpiresAt.Sub(issuedAt)
	if margin > lifetime/2 {
		margin = lifetime / 2
	}
	return models.Session{
		Token:     cred.Token,
		IssuedAt:  issuedAt,
		ExpiresAt: cred.ExpiresAt,
		RefreshAt: cred.ExpiresAt.Add(-margin),
	}
}
