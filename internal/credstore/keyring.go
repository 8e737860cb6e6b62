package credstore

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/99designs/keyring"

	"dayboard/internal/model"
)

// KeyringStore keeps each session field as a separate keyring item under
// one service name.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the OS keyring for service. When fileDir is set, the
// encrypted file backend is allowed as well, which is what headless hosts
// end up using.
func OpenKeyring(service, fileDir, password string) (*KeyringStore, error) {
	cfg := keyring.Config{
		ServiceName: service,
	}
	if fileDir != "" {
		cfg.FileDir = fileDir
		cfg.FilePasswordFunc = keyring.FixedStringPrompt(password)
	}
	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("credstore: open keyring: %w", err)
	}
	return NewKeyringStore(ring), nil
}

// NewKeyringStore wraps an already opened keyring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

func (k *KeyringStore) Load() (*model.Session, error) {
	fields := map[string]string{}
	for _, key := range []string{KeyAccessToken, KeyAccessTokenExpiry, KeyRefreshToken} {
		item, err := k.ring.Get(key)
		if err != nil {
			if errors.Is(err, keyring.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("credstore: read %s: %w", key, err)
		}
		fields[key] = string(item.Data)
	}
	return decode("keyring", fields), nil
}

func (k *KeyringStore) Save(s model.Session) error {
	fields := encode(s)
	for _, key := range []string{KeyAccessToken, KeyAccessTokenExpiry} {
		if err := k.ring.Set(keyring.Item{Key: key, Data: []byte(fields[key]), Label: "dayboard " + key}); err != nil {
			return fmt.Errorf("credstore: write %s: %w", key, err)
		}
	}
	if refresh, ok := fields[KeyRefreshToken]; ok {
		return k.ring.Set(keyring.Item{Key: KeyRefreshToken, Data: []byte(refresh), Label: "dayboard " + KeyRefreshToken})
	}
	return k.remove(KeyRefreshToken)
}

func (k *KeyringStore) Clear() error {
	for _, key := range []string{KeyAccessToken, KeyAccessTokenExpiry, KeyRefreshToken} {
		if err := k.remove(key); err != nil {
			return err
		}
	}
	return nil
}

func (k *KeyringStore) remove(key string) error {
	err := k.ring.Remove(key)
	// The file backend reports a missing key as a missing file.
	if err == nil || errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("credstore: remove %s: %w", key, err)
}
