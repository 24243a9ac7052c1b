// Package settings holds the user-editable sync settings and the key-value
// stores they are persisted in.
package settings

import (
	"errors"
	"fmt"
)

// Key names a single settings entry in a Store.
type Key string

const (
	KeyRemoteURL  Key = "GIT_URL"
	KeyBranch     Key = "GIT_BRANCH"
	KeyPrivateKey Key = "SSH_KEY"
	KeyName       Key = "GIT_NAME"
	KeyEmail      Key = "GIT_EMAIL"
)

// Keys lists every key a Store may hold.
var Keys = []Key{KeyRemoteURL, KeyBranch, KeyPrivateKey, KeyName, KeyEmail}

// Defaults are returned for keys that were never set.
var Defaults = map[Key]string{
	KeyBranch: "main",
	KeyName:   "cfgsyncd",
	KeyEmail:  "noreply@example.com",
}

// ErrUnknownKey is returned when a Store is asked for a key outside Keys.
var ErrUnknownKey = errors.New("unknown settings key")

// Store is a synchronous key-value store for settings.
type Store interface {
	// Get returns the stored value and whether it was present.
	Get(key Key) (string, bool, error)
	// Set stores value under key.
	Set(key Key, value string) error
}

// SyncSettings is everything the sync engine needs from the store.
type SyncSettings struct {
	Name       string `json:"gitName" yaml:"name"`
	Email      string `json:"gitEmail" yaml:"email"`
	RemoteURL  string `json:"gitUrl" yaml:"remote_url"`
	Branch     string `json:"gitBranch" yaml:"branch"`
	PrivateKey string `json:"sshKey" yaml:"private_key"`
}

// Load reads all sync settings from store, falling back to Defaults for keys
// that are absent. Missing required values are not an error here; the sync
// engine decides what it needs.
func Load(store Store) (SyncSettings, error) {
	var s SyncSettings
	fields := map[Key]*string{
		KeyName:       &s.Name,
		KeyEmail:      &s.Email,
		KeyRemoteURL:  &s.RemoteURL,
		KeyBranch:     &s.Branch,
		KeyPrivateKey: &s.PrivateKey,
	}

	for _, key := range Keys {
		value, ok, err := store.Get(key)
		if err != nil {
			return SyncSettings{}, fmt.Errorf("failed to read %s: %w", key, err)
		}
		if !ok || value == "" {
			value = Defaults[key]
		}
		*fields[key] = value
	}

	return s, nil
}

const maskedValue = "********"

// Masked returns a copy safe for display, with the private key hidden.
func (s SyncSettings) Masked() SyncSettings {
	if s.PrivateKey != "" {
		s.PrivateKey = maskedValue
	}
	return s
}

func validKey(key Key) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}
