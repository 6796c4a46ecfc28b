package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spotsave/spotsave/internal/aws/cost"
	stsclient "github.com/spotsave/spotsave/internal/aws/sts"
)

const (
	// DefaultRefreshInterval renews 30-minute credentials at 25 minutes.
	DefaultRefreshInterval = 25 * time.Minute

	// DefaultPollInterval is how often the loop checks for due refreshes.
	DefaultPollInterval = time.Minute
)

// ErrNotConnected is returned when an operation needs a connected account.
var ErrNotConnected = errors.New("no connected AWS account")

// Assumer renews credentials from a role binding. Satisfied by the STS
// client; injectable for testing.
type Assumer interface {
	AssumeRole(ctx context.Context, p stsclient.AssumeRoleParams) (stsclient.Credentials, error)
}

// BindingStore persists role bindings. Satisfied by *DB.
type BindingStore interface {
	SaveRoleBinding(userID string, b RoleBinding) error
	GetRoleBinding(userID string) (*RoleBinding, error)
	DeleteRoleBinding(userID string) error
}

// Summaries is the cached dashboard data for one connection. A refresh
// cycle replaces all three members at once, never partially.
type Summaries struct {
	Cost            *cost.CostSummary           `json:"cost"`
	Forecast        *cost.ForecastSummary       `json:"forecast"`
	Recommendations *cost.RecommendationSummary `json:"recommendations"`
	UpdatedAt       time.Time                   `json:"updatedAt"`
}

// connection holds per-user in-memory state. Credentials live here and
// nowhere else.
type connection struct {
	binding     RoleBinding
	creds       *stsclient.Credentials
	lastRefresh time.Time
	refreshing  bool
	summaries   *Summaries
}

// ManagerConfig tunes the refresh loop. Zero values take the defaults.
type ManagerConfig struct {
	RefreshInterval time.Duration
	PollInterval    time.Duration

	// CredentialTTL is the session duration requested on each re-assume.
	// Zero lets the STS client apply its default.
	CredentialTTL time.Duration
}

// Manager tracks connected accounts and proactively renews their
// credentials before expiry.
type Manager struct {
	mu       sync.Mutex
	conns    map[string]*connection
	bindings BindingStore
	assumer  Assumer
	log      logrus.FieldLogger
	now      func() time.Time // injectable for testing; defaults to time.Now

	refreshInterval time.Duration
	pollInterval    time.Duration
	credentialTTL   time.Duration
}

// NewManager creates a manager over the given persistence and assumer.
func NewManager(bindings BindingStore, assumer Assumer, log logrus.FieldLogger, cfg ManagerConfig) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Manager{
		conns:           make(map[string]*connection),
		bindings:        bindings,
		assumer:         assumer,
		log:             log,
		now:             time.Now,
		refreshInterval: cfg.RefreshInterval,
		pollInterval:    cfg.PollInterval,
		credentialTTL:   cfg.CredentialTTL,
	}
}

// Connect stores a successful role assumption: binding persisted, fresh
// credentials in memory.
func (m *Manager) Connect(userID string, b RoleBinding, creds stsclient.Credentials) error {
	if err := m.bindings.SaveRoleBinding(userID, b); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[userID] = &connection{
		binding:     b,
		creds:       &creds,
		lastRefresh: m.now(),
	}
	return nil
}

// Binding returns the user's role binding, falling back to persistence for
// connections surviving a restart.
func (m *Manager) Binding(userID string) (*RoleBinding, error) {
	m.mu.Lock()
	if c, ok := m.conns[userID]; ok {
		b := c.binding
		m.mu.Unlock()
		return &b, nil
	}
	m.mu.Unlock()

	b, err := m.bindings.GetRoleBinding(userID)
	if err != nil || b == nil {
		return b, err
	}

	// restore the connection shell; credentials arrive on next refresh
	m.mu.Lock()
	if _, ok := m.conns[userID]; !ok {
		m.conns[userID] = &connection{binding: *b}
	}
	m.mu.Unlock()
	return b, nil
}

// Credentials returns the user's current credentials, if any.
func (m *Manager) Credentials(userID string) (stsclient.Credentials, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[userID]
	if !ok || c.creds == nil {
		return stsclient.Credentials{}, false
	}
	return *c.creds, true
}

// SetCredentials replaces the user's credentials after an out-of-band
// assumption (the connect flow and manual refresh both land here).
func (m *Manager) SetCredentials(userID string, creds stsclient.Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[userID]
	if !ok {
		return
	}
	c.creds = &creds
	c.lastRefresh = m.now()
}

// SetSummaries commits one complete refresh cycle's worth of dashboard
// data. Callers gather all three summaries before calling so the dashboard
// never renders a partial update.
func (m *Manager) SetSummaries(userID string, s Summaries) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[userID]
	if !ok {
		return
	}
	s.UpdatedAt = m.now()
	c.summaries = &s
}

// Summaries returns the cached dashboard data, if any.
func (m *Manager) Summaries(userID string) (Summaries, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[userID]
	if !ok || c.summaries == nil {
		return Summaries{}, false
	}
	return *c.summaries, true
}

// ClearCredentials drops the in-memory credentials but keeps the binding,
// for a credential-only reset on sign-out.
func (m *Manager) ClearCredentials(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[userID]; ok {
		c.creds = nil
		c.summaries = nil
		c.lastRefresh = time.Time{}
	}
}

// Disconnect clears everything including the persisted binding.
func (m *Manager) Disconnect(userID string) error {
	m.mu.Lock()
	delete(m.conns, userID)
	m.mu.Unlock()
	return m.bindings.DeleteRoleBinding(userID)
}

// Refresh re-assumes the role for one user immediately. A refresh already
// in flight makes this a no-op; the timer and manual triggers never overlap.
func (m *Manager) Refresh(ctx context.Context, userID string) error {
	return m.refresh(ctx, userID, true)
}

func (m *Manager) refresh(ctx context.Context, userID string, force bool) error {
	m.mu.Lock()
	c, ok := m.conns[userID]
	if !ok {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if c.refreshing {
		m.mu.Unlock()
		return nil
	}
	if !force && (c.creds == nil || m.now().Sub(c.lastRefresh) <= m.refreshInterval) {
		m.mu.Unlock()
		return nil
	}
	c.refreshing = true
	binding := c.binding
	m.mu.Unlock()

	creds, err := m.assumer.AssumeRole(ctx, stsclient.AssumeRoleParams{
		RoleArn:         binding.RoleArn,
		ExternalID:      binding.ExternalID,
		DurationSeconds: int32(m.credentialTTL.Seconds()),
	})

	m.mu.Lock()
	c.refreshing = false
	if err == nil {
		c.creds = &creds
		c.lastRefresh = m.now()
	}
	m.mu.Unlock()

	if err != nil {
		// keep the stale credentials; natural expiry forces a re-connect
		// if this keeps failing
		m.log.WithError(err).WithField("user", userID).Warn("credential refresh failed, keeping current credentials")
		return err
	}
	return nil
}

// Run drives the periodic refresh until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep refreshes every connection whose credentials are due.
func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	var due []string
	for userID, c := range m.conns {
		if c.creds != nil && !c.refreshing && m.now().Sub(c.lastRefresh) > m.refreshInterval {
			due = append(due, userID)
		}
	}
	m.mu.Unlock()

	for _, userID := range due {
		// refresh re-checks the guard under lock; errors are already logged
		_ = m.refresh(ctx, userID, false)
	}
}
