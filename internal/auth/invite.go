package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// inviteAlphabet is the base32 set used in token segments. 0/O/1/l/I are
// excluded so tokens survive being read aloud.
const inviteAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// InviteStatus is the lifecycle state of an invite token.
type InviteStatus string

const (
	InviteActive   InviteStatus = "active"
	InviteConsumed InviteStatus = "consumed"
	InviteRevoked  InviteStatus = "revoked"
	InviteExpired  InviteStatus = "expired"
)

// InviteToken is the stored form of an invite. The plaintext token is
// returned exactly once, at creation.
type InviteToken struct {
	TokenHash string       `json:"token_hash"`
	MaxUses   int          `json:"max_uses"`
	UsedCount int          `json:"used_count"`
	ExpiresAt time.Time    `json:"expires_at"`
	Status    InviteStatus `json:"status"`
	Label     string       `json:"label,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// InviteOptions configures token creation.
type InviteOptions struct {
	MaxUses int
	TTL     time.Duration
	Label   string
}

// InviteStore issues and validates invite tokens.
type InviteStore struct {
	mu         sync.Mutex
	tokens     map[string]*InviteToken
	defaultTTL time.Duration
	now        func() time.Time
}

// NewInviteStore builds an invite store with the given default TTL.
func NewInviteStore(defaultTTL time.Duration) *InviteStore {
	if defaultTTL <= 0 {
		defaultTTL = 7 * 24 * time.Hour
	}
	return &InviteStore{
		tokens:     map[string]*InviteToken{},
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// generateToken produces a dbot-XXXX-XXXX-XXXX-XXXX token.
func generateToken() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("dbot")
	for i, c := range raw {
		if i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(inviteAlphabet[int(c)%len(inviteAlphabet)])
	}
	return b.String(), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create issues a token, returning the record and the plaintext. The
// plaintext is not recoverable afterwards.
func (s *InviteStore) Create(opts InviteOptions) (*InviteToken, string, error) {
	if opts.MaxUses <= 0 {
		opts.MaxUses = 1
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	plaintext, err := generateToken()
	if err != nil {
		return nil, "", fmt.Errorf("generate invite token: %w", err)
	}
	record := &InviteToken{
		TokenHash: hashToken(plaintext),
		MaxUses:   opts.MaxUses,
		ExpiresAt: s.now().Add(ttl),
		Status:    InviteActive,
		Label:     opts.Label,
		CreatedAt: s.now(),
	}
	s.mu.Lock()
	s.tokens[record.TokenHash] = record
	s.mu.Unlock()
	return record, plaintext, nil
}

// Redeem validates a plaintext token and consumes one use. The token
// validates exactly MaxUses times, then reads as consumed.
func (s *InviteStore) Redeem(token string) (*InviteToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokens[hashToken(token)]
	if !ok {
		return nil, fmt.Errorf("invite token not recognized")
	}
	switch record.Status {
	case InviteRevoked:
		return nil, fmt.Errorf("invite token revoked")
	case InviteConsumed:
		return nil, fmt.Errorf("invite token fully used")
	case InviteExpired:
		return nil, fmt.Errorf("invite token expired")
	}
	if s.now().After(record.ExpiresAt) {
		record.Status = InviteExpired
		return nil, fmt.Errorf("invite token expired")
	}

	record.UsedCount++
	if record.UsedCount >= record.MaxUses {
		record.Status = InviteConsumed
	}
	return record, nil
}

// Revoke disables a token by its hash.
func (s *InviteStore) Revoke(tokenHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tokens[tokenHash]
	if !ok {
		return false
	}
	record.Status = InviteRevoked
	return true
}

// List returns the stored records (hashes only, never plaintext).
func (s *InviteStore) List() []*InviteToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*InviteToken, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	return out
}
