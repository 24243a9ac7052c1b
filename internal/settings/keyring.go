package settings

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the OS credential store service name.
const DefaultKeyringService = "cfgsyncd"

// KeyringStore keeps the private key in the OS credential store and
// delegates every other key to the wrapped store.
type KeyringStore struct {
	base    Store
	service string
}

// NewKeyringStore wraps base so that KeyPrivateKey lives in the keyring.
func NewKeyringStore(base Store, service string) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringStore{base: base, service: service}
}

func (s *KeyringStore) Get(key Key) (string, bool, error) {
	if key != KeyPrivateKey {
		return s.base.Get(key)
	}

	value, err := keyring.Get(s.service, string(key))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to retrieve %s from credential store: %w", key, err)
	}
	return value, true, nil
}

func (s *KeyringStore) Set(key Key, value string) error {
	if key != KeyPrivateKey {
		return s.base.Set(key, value)
	}

	if err := keyring.Set(s.service, string(key), value); err != nil {
		return fmt.Errorf("failed to store %s in credential store: %w", key, err)
	}
	return nil
}
