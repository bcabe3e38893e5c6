package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChallengeSize is the number of random bytes in a challenge.
const ChallengeSize = 32

// Challenge is what the coordinator sends to a worker.
type Challenge struct {
	ID        string
	Data      []byte
	ExpiresAt time.Time
}

type challenge struct {
	Challenge
	expected []byte
	used     bool
}

// ComputeResponse returns HMAC-SHA256(secret, data), the answer a worker sends
// back for a challenge.
func ComputeResponse(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// CreateChallenge generates random challenge data and records the expected
// response under the shared secret.
func (m *Manager) CreateChallenge() (*Challenge, error) {
	if len(m.cfg.Secret) == 0 {
		return nil, fmt.Errorf("challenge-response requires a shared secret")
	}
	data := make([]byte, ChallengeSize)
	if _, err := rand.Read(data); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}

	ch := &challenge{
		Challenge: Challenge{
			ID:        uuid.NewString(),
			Data:      data,
			ExpiresAt: m.now().Add(m.cfg.ChallengeTTL),
		},
		expected: ComputeResponse(m.cfg.Secret, data),
	}

	m.mu.Lock()
	m.challenges[ch.ID] = ch
	m.mu.Unlock()

	out := ch.Challenge
	out.Data = append([]byte(nil), data...)
	return &out, nil
}

// VerifyChallenge checks a response. A challenge can be verified once: the
// first attempt consumes it whatever the outcome, and later attempts return
// ResultAlreadyUsed.
func (m *Manager) VerifyChallenge(id string, response []byte) Result {
	m.mu.Lock()
	ch, ok := m.challenges[id]
	if !ok {
		m.mu.Unlock()
		return ResultNotFound
	}
	if ch.used {
		m.mu.Unlock()
		return ResultAlreadyUsed
	}
	ch.used = true
	expired := !m.now().Before(ch.ExpiresAt)
	expected := ch.expected
	m.mu.Unlock()

	if expired {
		m.logger.Debug("challenge expired", zap.String("challenge_id", id))
		return ResultExpired
	}
	if !hmac.Equal(expected, response) {
		m.logger.Warn("challenge response mismatch", zap.String("challenge_id", id))
		return ResultInvalid
	}
	return ResultSuccess
}

// CleanupChallenges drops used and expired challenges and returns how many
// were removed.
func (m *Manager) CleanupChallenges() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, ch := range m.challenges {
		if ch.used || !now.Before(ch.ExpiresAt) {
			delete(m.challenges, id)
			removed++
		}
	}
	return removed
}
