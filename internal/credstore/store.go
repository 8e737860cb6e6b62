// Package credstore persists the session credentials. It performs no
// network access and no validation of token authenticity.
package credstore

import (
	"fmt"
	"strings"
	"sync"
	"time"

	appLog "dayboard/internal/log"
	"dayboard/internal/model"
)

// Fixed key names shared by every backend.
const (
	KeyAccessToken       = "access_token"
	KeyAccessTokenExpiry = "access_token_expiry"
	KeyRefreshToken      = "refresh_token"
)

// Store is the persistence boundary for model.Session.
//
// Load returns (nil, nil) when no usable session is stored, including when
// only some of the fields are present.
type Store interface {
	Load() (*model.Session, error)
	Save(s model.Session) error
	Clear() error
}

// Options selects and configures a backend.
type Options struct {
	Backend        string // "file", "keyring" or "memory"
	Path           string
	KeyringService string
	// KeyringPassword unlocks the encrypted keyring file backend.
	KeyringPassword string
}

// Open builds the configured Store.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", "file":
		return NewFileStore(opts.Path), nil
	case "keyring":
		return OpenKeyring(opts.KeyringService, opts.Path, opts.KeyringPassword)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("credstore: unknown backend %q", opts.Backend)
	}
}

// encode flattens a session into the fixed key set. An empty refresh token
// is omitted.
func encode(s model.Session) map[string]string {
	out := map[string]string{
		KeyAccessToken:       s.AccessToken,
		KeyAccessTokenExpiry: s.AccessTokenExpiry.UTC().Format(time.RFC3339),
	}
	if s.RefreshToken != "" {
		out[KeyRefreshToken] = s.RefreshToken
	}
	return out
}

// decode rebuilds a session from stored fields. Partial or malformed data
// yields nil.
func decode(backend string, fields map[string]string) *model.Session {
	tok := strings.TrimSpace(fields[KeyAccessToken])
	rawExpiry := strings.TrimSpace(fields[KeyAccessTokenExpiry])
	refresh := strings.TrimSpace(fields[KeyRefreshToken])

	if tok == "" && rawExpiry == "" && refresh == "" {
		return nil
	}
	if tok == "" || rawExpiry == "" {
		appLog.Warn("credstore: partial session ignored", "backend", backend,
			"has_token", tok != "", "has_expiry", rawExpiry != "", "has_refresh", refresh != "")
		return nil
	}
	expiry, err := time.Parse(time.RFC3339, rawExpiry)
	if err != nil {
		appLog.Warn("credstore: malformed expiry ignored", "backend", backend, "expiry", rawExpiry)
		return nil
	}
	return &model.Session{
		AccessToken:       tok,
		AccessTokenExpiry: expiry,
		RefreshToken:      refresh,
		Authenticated:     true,
	}
}

// MemoryStore keeps fields in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	fields map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{fields: map[string]string{}}
}

func (m *MemoryStore) Load() (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return decode("memory", m.fields), nil
}

func (m *MemoryStore) Save(s model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields = encode(s)
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields = map[string]string{}
	return nil
}

// Set writes a raw field; tests use it to simulate partial data.
func (m *MemoryStore) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields[key] = value
}
