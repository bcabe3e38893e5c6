// Package auth issues and validates the credentials workers, clients and
// administrators present to the coordinator.
//
// Two mechanisms are supported:
//
//   - Bearer tokens: opaque random values with a type, an optional expiry,
//     an optional source-host allow-list, and a revocation flag.
//   - Challenge-response: the coordinator sends random data and the worker
//     proves it knows the shared secret by returning HMAC-SHA256(secret, data).
//
// The Manager never closes connections. It returns a Result and leaves the
// policy decision to the caller.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var (
	// ErrTokenNotFound is returned when a token id or value is unknown.
	ErrTokenNotFound = errors.New("token not found")

	// ErrRefreshDisabled is returned by Refresh when policy forbids it.
	ErrRefreshDisabled = errors.New("token refresh disabled")

	// ErrTokenInvalid is returned by Refresh for tokens that cannot be renewed.
	ErrTokenInvalid = errors.New("token cannot be refreshed")
)

// TokenType selects a token's default permission set.
type TokenType string

const (
	TokenWorker  TokenType = "worker"
	TokenClient  TokenType = "client"
	TokenAdmin   TokenType = "admin"
	TokenSession TokenType = "session"
)

// Valid reports whether t is a known token type.
func (t TokenType) Valid() bool {
	switch t {
	case TokenWorker, TokenClient, TokenAdmin, TokenSession:
		return true
	}
	return false
}

// Permission is a bitmask of operations a token may perform.
type Permission uint32

const (
	PermRegister Permission = 1 << iota
	PermSubmitJobs
	PermReadCache
	PermWriteCache
	PermAdmin

	PermAll = PermRegister | PermSubmitJobs | PermReadCache | PermWriteCache | PermAdmin
)

// DefaultPermissions returns the permissions implied by a token type.
func DefaultPermissions(t TokenType) Permission {
	switch t {
	case TokenWorker:
		return PermRegister
	case TokenClient, TokenSession:
		return PermSubmitJobs
	case TokenAdmin:
		return PermAll
	}
	return 0
}

// Has reports whether p includes every bit of want.
func (p Permission) Has(want Permission) bool { return p&want == want }

// Result is the outcome of a credential check.
type Result int

const (
	ResultSuccess Result = iota
	ResultInvalid
	ResultExpired
	ResultRevoked
	ResultNotAuthorized
	// ResultNotFound is returned for unknown challenge ids.
	ResultNotFound
	// ResultAlreadyUsed is returned when a challenge is verified a second time.
	ResultAlreadyUsed
)

var resultNames = map[Result]string{
	ResultSuccess:       "success",
	ResultInvalid:       "invalid",
	ResultExpired:       "expired",
	ResultRevoked:       "revoked",
	ResultNotAuthorized: "not_authorized",
	ResultNotFound:      "not_found",
	ResultAlreadyUsed:   "already_used",
}

func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// OK reports whether r is ResultSuccess.
func (r Result) OK() bool { return r == ResultSuccess }

// Token is a bearer credential. Times are Unix milliseconds; ExpiresAt 0 means
// the token never expires.
type Token struct {
	ID            string     `yaml:"id" json:"id"`
	Value         string     `yaml:"value" json:"value,omitempty"`
	Type          TokenType  `yaml:"type" json:"type"`
	Permissions   Permission `yaml:"permissions" json:"permissions"`
	Issuer        string     `yaml:"issuer" json:"issuer"`
	Subject       string     `yaml:"subject" json:"subject"`
	IssuedAt      int64      `yaml:"issued_at" json:"issued_at"`
	ExpiresAt     int64      `yaml:"expires_at" json:"expires_at"`
	Revoked       bool       `yaml:"revoked" json:"revoked"`
	RevokedReason string     `yaml:"revoked_reason,omitempty" json:"revoked_reason,omitempty"`
	AllowedHosts  []string   `yaml:"allowed_hosts,omitempty" json:"allowed_hosts,omitempty"`
}

// Expired reports whether the token has expired at now.
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != 0 && now.UnixMilli() >= t.ExpiresAt
}

// HostAllowed reports whether host may present this token. An empty
// allow-list admits every host; "*" is a wildcard entry.
func (t *Token) HostAllowed(host string) bool {
	if len(t.AllowedHosts) == 0 {
		return true
	}
	return slices.Contains(t.AllowedHosts, host) || slices.Contains(t.AllowedHosts, "*")
}

func (t *Token) clone() *Token {
	c := *t
	c.AllowedHosts = slices.Clone(t.AllowedHosts)
	return &c
}

// Config configures a Manager.
type Config struct {
	// Secret is the shared secret for challenge-response.
	Secret []byte
	// Issuer is recorded on every generated token.
	Issuer string
	// DefaultTTL applies when Generate is called with a zero ttl. Zero here
	// means generated tokens never expire by default.
	DefaultTTL time.Duration
	// AllowRefresh permits Refresh.
	AllowRefresh bool
	// ChallengeTTL bounds how long a challenge may be answered.
	ChallengeTTL time.Duration
	// TokenFile, when set, is rewritten after every token change.
	TokenFile string
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		Issuer:       "forge-coordinator",
		DefaultTTL:   24 * time.Hour,
		AllowRefresh: true,
		ChallengeTTL: 30 * time.Second,
	}
}

// Manager holds issued tokens and outstanding challenges. It is safe for
// concurrent use.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu         sync.RWMutex
	tokens     map[string]*Token // by id
	byValue    map[string]string // value -> id
	challenges map[string]*challenge

	// saveMu orders token file writes; each write snapshots under it so the
	// file never goes back to an older state.
	saveMu sync.Mutex
}

// New creates a Manager.
func New(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultConfig().ChallengeTTL
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger.Named("auth"),
		now:        time.Now,
		tokens:     make(map[string]*Token),
		byValue:    make(map[string]string),
		challenges: make(map[string]*challenge),
	}
}

// Generate issues a new token with the default permissions for its type and
// persists the token file when one is configured.
//
// Parameters:
//   - typ: Token type; decides the permission set
//   - subject: Who the token is for, recorded for auditing
//   - ttl: Lifetime; zero uses the configured default, negative never expires
//
// Returns:
//   - A copy of the token, including its secret Value
//   - An error for an unknown type or if random value generation fails
//
// Example:
//
//	tok, err := m.Generate(TokenClient, "ci-runner", 24*time.Hour)
//	if err != nil {
//		return err
//	}
//	req.Header.Set("Authorization", "Bearer "+tok.Value)
func (m *Manager) Generate(typ TokenType, subject string, ttl time.Duration) (*Token, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown token type %q", typ)
	}
	value, err := randomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generate token value: %w", err)
	}

	now := m.now()
	tok := &Token{
		ID:          uuid.NewString(),
		Value:       value,
		Type:        typ,
		Permissions: DefaultPermissions(typ),
		Issuer:      m.cfg.Issuer,
		Subject:     subject,
		IssuedAt:    now.UnixMilli(),
		ExpiresAt:   m.expiry(now, ttl),
	}

	m.mu.Lock()
	m.insertLocked(tok)
	m.mu.Unlock()

	m.logger.Info("token issued",
		zap.String("token_id", tok.ID),
		zap.String("type", string(typ)),
		zap.String("subject", subject))
	m.persist()
	return tok.clone(), nil
}

// AddStatic registers a caller-chosen token value, such as a pre-shared token
// from configuration. It never expires. Adding a value that already exists
// returns the existing token.
func (m *Manager) AddStatic(value string, typ TokenType, subject string) (*Token, error) {
	if value == "" {
		return nil, errors.New("empty token value")
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown token type %q", typ)
	}

	m.mu.Lock()
	if id, ok := m.byValue[value]; ok {
		existing := m.tokens[id].clone()
		m.mu.Unlock()
		return existing, nil
	}
	tok := &Token{
		ID:          uuid.NewString(),
		Value:       value,
		Type:        typ,
		Permissions: DefaultPermissions(typ),
		Issuer:      m.cfg.Issuer,
		Subject:     subject,
		IssuedAt:    m.now().UnixMilli(),
	}
	m.insertLocked(tok)
	m.mu.Unlock()
	return tok.clone(), nil
}

func (m *Manager) insertLocked(tok *Token) {
	m.tokens[tok.ID] = tok
	m.byValue[tok.Value] = tok.ID
}

func (m *Manager) expiry(now time.Time, ttl time.Duration) int64 {
	if ttl == 0 {
		ttl = m.cfg.DefaultTTL
	}
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}

// Validate checks a presented token value. Checks run in a fixed order:
// existence, revocation, expiry, then the source-host allow-list. The first
// failing check decides the result.
//
// Parameters:
//   - value: The secret token value as presented
//   - host: Caller's address; empty when unknown, which skips the host check
//
// Returns:
//   - A copy of the token and ResultSuccess when every check passes
//   - nil and ResultInvalid for an unknown value
//   - A copy of the token with ResultRevoked, ResultExpired, or
//     ResultNotAuthorized for a host outside the allow-list
func (m *Manager) Validate(value, host string) (*Token, Result) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byValue[value]
	if !ok || value == "" {
		return nil, ResultInvalid
	}
	tok := m.tokens[id]
	if tok.Revoked {
		return tok.clone(), ResultRevoked
	}
	if tok.Expired(m.now()) {
		return tok.clone(), ResultExpired
	}
	if !tok.HostAllowed(host) {
		return tok.clone(), ResultNotAuthorized
	}
	return tok.clone(), ResultSuccess
}

// Authorize validates value and additionally requires perm.
func (m *Manager) Authorize(value, host string, perm Permission) (*Token, Result) {
	tok, res := m.Validate(value, host)
	if res != ResultSuccess {
		return tok, res
	}
	if !tok.Permissions.Has(perm) {
		return tok, ResultNotAuthorized
	}
	return tok, ResultSuccess
}

// Revoke marks a token revoked. Revoked tokens stay listed until removed by
// CleanupExpired after they expire.
func (m *Manager) Revoke(id, reason string) error {
	m.mu.Lock()
	tok, ok := m.tokens[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTokenNotFound, id)
	}
	tok.Revoked = true
	tok.RevokedReason = reason
	m.mu.Unlock()

	m.logger.Info("token revoked", zap.String("token_id", id), zap.String("reason", reason))
	m.persist()
	return nil
}

// Refresh extends a valid token's lifetime by ttl from now. ttl follows the
// same rules as Generate.
func (m *Manager) Refresh(value string, ttl time.Duration) (*Token, error) {
	if !m.cfg.AllowRefresh {
		return nil, ErrRefreshDisabled
	}

	m.mu.Lock()
	id, ok := m.byValue[value]
	if !ok {
		m.mu.Unlock()
		return nil, ErrTokenNotFound
	}
	tok := m.tokens[id]
	now := m.now()
	if tok.Revoked || tok.Expired(now) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTokenInvalid, id)
	}
	tok.ExpiresAt = m.expiry(now, ttl)
	out := tok.clone()
	m.mu.Unlock()

	m.persist()
	return out, nil
}

// Restrict replaces a token's source-host allow-list. No hosts lifts the
// restriction.
func (m *Manager) Restrict(id string, hosts ...string) error {
	m.mu.Lock()
	tok, ok := m.tokens[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTokenNotFound, id)
	}
	tok.AllowedHosts = slices.Clone(hosts)
	m.mu.Unlock()

	m.persist()
	return nil
}

// Get returns a copy of a token by id.
func (m *Manager) Get(id string) (*Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[id]
	if !ok {
		return nil, false
	}
	return tok.clone(), true
}

// List returns copies of every token ordered by issue time.
func (m *Manager) List() []*Token {
	m.mu.RLock()
	out := make([]*Token, 0, len(m.tokens))
	for _, tok := range m.tokens {
		out = append(out, tok.clone())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Token) int {
		if a.IssuedAt != b.IssuedAt {
			if a.IssuedAt < b.IssuedAt {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// CleanupExpired removes expired tokens and returns how many were removed.
func (m *Manager) CleanupExpired() int {
	now := m.now()

	m.mu.Lock()
	removed := 0
	for id, tok := range m.tokens {
		if tok.Expired(now) {
			delete(m.byValue, tok.Value)
			delete(m.tokens, id)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Info("expired tokens removed", zap.Int("count", removed))
		m.persist()
	}
	return removed
}

// persist rewrites the token file when one is configured. Failures are logged;
// the in-memory state stays authoritative.
func (m *Manager) persist() {
	if m.cfg.TokenFile == "" {
		return
	}
	if err := m.SaveTokens(m.cfg.TokenFile); err != nil {
		m.logger.Error("failed to save token file", zap.String("path", m.cfg.TokenFile), zap.Error(err))
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
