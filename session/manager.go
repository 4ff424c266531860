package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-auth-client/users"
)

// DefaultExpiryWarning is how far ahead of expiry a session counts as
// expiring soon.
const DefaultExpiryWarning = 5 * time.Minute

// EventType identifies a session lifecycle transition.
type EventType string

const (
	EventStarted      EventType = "started"
	EventRestored     EventType = "restored"
	EventEnded        EventType = "ended"
	EventExpiringSoon EventType = "expiring_soon"
)

// Event is delivered synchronously to every subscribed listener when the
// session transitions. For EventEnded, User is the user of the session that
// just ended.
type Event struct {
	Type      EventType
	User      users.User
	StartTime time.Time
	ExpiresAt *time.Time
}

// Listener receives session events. A panicking listener is recovered and
// logged; remaining listeners still receive the event.
type Listener func(Event)

// Session is the in-memory record of the currently authenticated user.
type Session struct {
	User      users.User
	StartTime time.Time
	ExpiresAt *time.Time
	Active    bool
}

// Manager is a two-state session machine (inactive/active) with listener
// fan-out. It performs no I/O; persistence is the credentials store's job.
// At most one session is live per manager; starting a new one replaces the
// previous record without an ended event (started/restored implies
// replacement).
type Manager struct {
	nowFunc func() time.Time
	logger  zerolog.Logger

	lock      sync.Mutex
	session   Session
	listeners map[int]Listener
	nextID    int
}

type ManagerOption func(*Manager)

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

func NewManager(options ...ManagerOption) *Manager {
	m := &Manager{
		nowFunc:   time.Now,
		logger:    zerolog.Nop(),
		listeners: make(map[int]Listener),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Subscribe registers a listener and returns an ID for Unsubscribe.
func (m *Manager) Subscribe(l Listener) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return id
}

// Unsubscribe removes a listener. Unknown IDs are ignored.
func (m *Manager) Unsubscribe(id int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.listeners, id)
}

// ListenerCount returns the number of subscribed listeners.
func (m *Manager) ListenerCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.listeners)
}

// StartSession transitions to active for user. A live session is replaced.
func (m *Manager) StartSession(user users.User, expiresIn time.Duration) {
	m.beginSession(EventStarted, user, expiresIn)
}

// RestoreSession is StartSession for a session revived from stored
// credentials; it broadcasts EventRestored instead of EventStarted.
func (m *Manager) RestoreSession(user users.User, expiresIn time.Duration) {
	m.beginSession(EventRestored, user, expiresIn)
}

func (m *Manager) beginSession(eventType EventType, user users.User, expiresIn time.Duration) {
	m.lock.Lock()
	now := m.nowFunc()
	var expiresAt *time.Time
	if expiresIn > 0 {
		t := now.Add(expiresIn)
		expiresAt = &t
	}
	m.session = Session{
		User:      user,
		StartTime: now,
		ExpiresAt: expiresAt,
		Active:    true,
	}
	event := Event{Type: eventType, User: user, StartTime: now, ExpiresAt: expiresAt}
	listeners := m.snapshotLocked()
	m.lock.Unlock()

	m.dispatch(listeners, event)
}

// EndSession transitions to inactive and broadcasts EventEnded carrying the
// previous session's user. Ending an inactive session is a no-op.
func (m *Manager) EndSession() {
	m.lock.Lock()
	if !m.session.Active {
		m.lock.Unlock()
		return
	}
	ended := m.session
	m.session = Session{}
	event := Event{Type: EventEnded, User: ended.User, StartTime: ended.StartTime}
	listeners := m.snapshotLocked()
	m.lock.Unlock()

	m.dispatch(listeners, event)
}

// IsActive reports session liveness. If the session's expiry has passed this
// call ends the session first, so merely querying liveness can broadcast
// EventEnded; callers rely on this lazy-expiry coupling.
func (m *Manager) IsActive() bool {
	m.lock.Lock()
	if !m.session.Active {
		m.lock.Unlock()
		return false
	}
	if m.session.ExpiresAt != nil && !m.nowFunc().Before(*m.session.ExpiresAt) {
		ended := m.session
		m.session = Session{}
		event := Event{Type: EventEnded, User: ended.User, StartTime: ended.StartTime}
		listeners := m.snapshotLocked()
		m.lock.Unlock()

		m.logger.Debug().Str("user", ended.User.Username).Msg("session expired lazily")
		m.dispatch(listeners, event)
		return false
	}
	m.lock.Unlock()
	return true
}

// IsExpiringSoon reports whether the live session expires within warning.
// A warning of zero or less uses DefaultExpiryWarning. Pure predicate: no
// transition, no events.
func (m *Manager) IsExpiringSoon(warning time.Duration) bool {
	if warning <= 0 {
		warning = DefaultExpiryWarning
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.session.Active || m.session.ExpiresAt == nil {
		return false
	}
	remaining := m.session.ExpiresAt.Sub(m.nowFunc())
	return remaining > 0 && remaining <= warning
}

// NotifyExpiringSoon broadcasts EventExpiringSoon for the live session.
// Inactive managers stay silent.
func (m *Manager) NotifyExpiringSoon() {
	m.lock.Lock()
	if !m.session.Active {
		m.lock.Unlock()
		return
	}
	event := Event{
		Type:      EventExpiringSoon,
		User:      m.session.User,
		StartTime: m.session.StartTime,
		ExpiresAt: m.session.ExpiresAt,
	}
	listeners := m.snapshotLocked()
	m.lock.Unlock()

	m.dispatch(listeners, event)
}

// Current returns a copy of the session record as it stands, without the
// lazy-expiry side effect of IsActive.
func (m *Manager) Current() Session {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.session
}

func (m *Manager) snapshotLocked() []Listener {
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	return listeners
}

// dispatch delivers event to each listener in the snapshot, isolating
// panics so one failing observer never drops the rest.
func (m *Manager) dispatch(listeners []Listener, event Event) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().
						Interface("panic", r).
						Str("event", string(event.Type)).
						Msg("session listener panicked")
				}
			}()
			l(event)
		}()
	}
}
