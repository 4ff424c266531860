package token

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-auth-client/storage"
)

// DefaultStorageKey is the fixed key the current token is mirrored under.
const DefaultStorageKey = "auth_token"

const minTokenLength = 10

var (
	EmptyTokenErr     = errors.New("token is empty")
	MalformedTokenErr = errors.New("token is malformed")
)

// Bearer tokens are opaque, but a syntactic sanity check catches obviously
// corrupt values before they are persisted. Not a security boundary.
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9\-_.~+/=]+$`)

// storedToken is the record mirrored into the external store: the raw token
// plus the instant it was captured, which drives the expiring-soon heuristic
// for opaque tokens.
type storedToken struct {
	Token     string    `json:"token"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager holds the current bearer token for one client instance. The
// in-memory value, once set, is authoritative until explicitly cleared or
// replaced; the external store is only consulted to hydrate an empty manager.
type Manager struct {
	repo       storage.Store
	storageKey string
	maxAge     time.Duration // age after which an opaque token counts as expiring
	expirySkew time.Duration // margin before a JWT exp claim counts as expiring
	nowFunc    func() time.Time
	logger     zerolog.Logger

	lock       sync.Mutex
	current    string
	capturedAt time.Time
	hydrated   bool
}

type ManagerOption func(*Manager)

// WithStorageKey overrides the key the token is persisted under.
func WithStorageKey(key string) ManagerOption {
	return func(m *Manager) {
		m.storageKey = key
	}
}

// WithMaxTokenAge sets how old a captured opaque token may be before
// IsExpiringSoon reports true (default one hour).
func WithMaxTokenAge(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.maxAge = d
	}
}

// WithExpirySkew sets the margin before a JWT exp claim at which the token is
// considered expiring (default five minutes).
func WithExpirySkew(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.expirySkew = d
	}
}

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

// NewManager initializes a Manager backed by the given store.
func NewManager(repo storage.Store, options ...ManagerOption) (*Manager, error) {
	if repo == nil {
		return nil, errors.New("[NewManager] storage repo is required")
	}

	m := &Manager{
		repo:       repo,
		storageKey: DefaultStorageKey,
		maxAge:     time.Hour,
		expirySkew: 5 * time.Minute,
		nowFunc:    time.Now,
		logger:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// SetToken validates raw, persists it with a capture timestamp, and makes it
// the current token. A "Bearer " scheme prefix is stripped first. On a store
// failure the in-memory token is dropped so memory and store never silently
// diverge; the previous persisted value remains retrievable via hydration.
func (m *Manager) SetToken(ctx context.Context, raw string) error {
	tok := stripScheme(raw)
	if err := Validate(tok); err != nil {
		return errors.Wrap(err, "[Manager.SetToken] validation")
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.nowFunc()
	record, err := json.Marshal(storedToken{Token: tok, Timestamp: now})
	if err != nil {
		return errors.Wrap(err, "[Manager.SetToken] marshal")
	}

	if err := m.repo.Set(ctx, m.storageKey, record); err != nil {
		m.current = ""
		m.capturedAt = time.Time{}
		m.hydrated = false
		return errors.Wrap(err, "[Manager.SetToken] persist")
	}

	m.current = tok
	m.capturedAt = now
	m.hydrated = true
	return nil
}

// Token returns the current token, hydrating once from the store if the
// manager holds nothing in memory. An empty string with a nil error means no
// token exists.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.tokenLocked(ctx)
}

func (m *Manager) tokenLocked(ctx context.Context) (string, error) {
	if m.hydrated {
		return m.current, nil
	}

	record, err := m.repo.Get(ctx, m.storageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.hydrated = true
			return "", nil
		}
		return "", errors.Wrap(err, "[Manager.Token] hydrate")
	}

	var st storedToken
	if err := json.Unmarshal(record, &st); err != nil {
		m.logger.Warn().Err(err).Msg("discarding unreadable persisted token")
		m.hydrated = true
		return "", nil
	}

	m.current = st.Token
	m.capturedAt = st.Timestamp
	m.hydrated = true
	return m.current, nil
}

// ClearToken removes the token from memory and from the store.
func (m *Manager) ClearToken(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.current = ""
	m.capturedAt = time.Time{}
	m.hydrated = true

	if err := m.repo.Remove(ctx, m.storageKey); err != nil {
		return errors.Wrap(err, "[Manager.ClearToken] remove")
	}
	return nil
}

// HasToken reports whether a token is available, hydrating if necessary.
func (m *Manager) HasToken(ctx context.Context) bool {
	t, err := m.Token(ctx)
	return err == nil && t != ""
}

// AuthHeaders returns the Authorization header for the current token, or an
// empty map when no token is held.
func (m *Manager) AuthHeaders(ctx context.Context) map[string]string {
	t, err := m.Token(ctx)
	if err != nil || t == "" {
		return map[string]string{}
	}
	return map[string]string{"Authorization": "Bearer " + t}
}

// IsExpiringSoon reports whether the current token should be proactively
// re-verified. When the token parses as a JWT carrying an exp claim, the
// claim is authoritative; otherwise the capture-age heuristic applies.
func (m *Manager) IsExpiringSoon(ctx context.Context) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	t, err := m.tokenLocked(ctx)
	if err != nil || t == "" {
		return false
	}

	now := m.nowFunc()
	if exp, ok := jwtExpiry(t); ok {
		return now.After(exp.Add(-m.expirySkew))
	}
	if m.capturedAt.IsZero() {
		return false
	}
	return now.Sub(m.capturedAt) > m.maxAge
}

// Validate applies the syntactic sanity check used by SetToken.
func Validate(token string) error {
	if token == "" {
		return EmptyTokenErr
	}
	if len(token) < minTokenLength || !tokenPattern.MatchString(token) {
		return MalformedTokenErr
	}
	return nil
}

func stripScheme(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) > 7 && strings.EqualFold(trimmed[:7], "bearer ") {
		return strings.TrimSpace(trimmed[7:])
	}
	return trimmed
}
