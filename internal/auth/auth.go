// Package auth resolves API keys to principals and provides the
// "require authorization of principal P" primitive the monitor gates
// admin and oracle operations on.
//
// Authentication model:
//   - Read endpoints (threats, metrics, breaker state): no auth required
//   - Mutations and oracle callbacks: API key whose principal the monitor
//     then checks against the admin or the registered oracle set
//   - Keys are seeded from API_KEYS at startup or issued via /v1/auth/keys
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrKeyExists     = errors.New("API key already registered")
)

// KeyPrefix marks raw API keys.
const KeyPrefix = "sk_"

// APIKey represents an API key
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"hash"`      // SHA256 of the raw key; never rendered by handlers
	Principal string     `json:"principal"` // identity the key authenticates as
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByPrincipal(ctx context.Context, principal string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// Manager handles authentication
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey creates a new API key for a principal.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, principal, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = KeyPrefix + hex.EncodeToString(b)
	key, err = m.ImportKey(ctx, rawKey, principal, name)
	if err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ImportKey registers an operator-supplied raw key (from API_KEYS).
// Importing the same key twice for the same principal is a no-op.
func (m *Manager) ImportKey(ctx context.Context, rawKey, principal, name string) (*APIKey, error) {
	rawKey = strings.TrimSpace(rawKey)
	principal = strings.TrimSpace(principal)
	if !strings.HasPrefix(rawKey, KeyPrefix) || len(rawKey) <= len(KeyPrefix) {
		return nil, fmt.Errorf("%w: keys must start with %q", ErrInvalidAPIKey, KeyPrefix)
	}
	if principal == "" {
		return nil, fmt.Errorf("%w: empty principal", ErrInvalidAPIKey)
	}

	hash := hashKey(rawKey)
	if existing, err := m.store.GetByHash(ctx, hash); err == nil {
		if existing.Principal != principal {
			return nil, ErrKeyExists
		}
		return existing, nil
	}

	key := &APIKey{
		ID:        "ak_" + hash[:16],
		Hash:      hash,
		Principal: principal,
		Name:      name,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && m.now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	at := m.now().UTC()
	go func() {
		_ = m.store.Touch(context.Background(), key.ID, at)
	}()

	return key, nil
}

// ListKeys returns all keys for a principal
func (m *Manager) ListKeys(ctx context.Context, principal string) ([]*APIKey, error) {
	return m.store.GetByPrincipal(ctx, principal)
}

// RevokeKey revokes an API key owned by principal
func (m *Manager) RevokeKey(ctx context.Context, keyID, principal string) error {
	keys, err := m.store.GetByPrincipal(ctx, principal)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}

	return ErrKeyNotFound
}

// ParseKeySpec parses "key=principal,key2=principal2" as used by API_KEYS.
func ParseKeySpec(spec string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, principal, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" || strings.TrimSpace(principal) == "" {
			return nil, fmt.Errorf("invalid key spec %q: want key=principal", pair)
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(principal)
	}
	return out, nil
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByPrincipal(ctx context.Context, principal string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.Principal == principal {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return ErrKeyNotFound
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.LastUsed = at
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
