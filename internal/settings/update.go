package settings

import (
	"fmt"
	"strings"
)

// Update is a partial settings change. Empty fields are left untouched.
type Update struct {
	RemoteURL  string `json:"gitUrl"`
	Branch     string `json:"gitBranch"`
	PrivateKey string `json:"sshKey"`
	Name       string `json:"gitName"`
	Email      string `json:"gitEmail"`
}

// Validate checks every provided field and returns the first problem found.
func (u Update) Validate() error {
	if u.Name != "" && strings.TrimSpace(u.Name) == "" {
		return &ValidationError{Field: KeyName, Message: "Git name cannot be empty"}
	}
	if u.Email != "" {
		if err := ValidateEmail(u.Email); err != nil {
			return err
		}
	}
	if u.RemoteURL != "" {
		if err := ValidateRemoteURL(u.RemoteURL); err != nil {
			return err
		}
	}
	if u.Branch != "" {
		if err := ValidateBranch(u.Branch); err != nil {
			return err
		}
	}
	if u.PrivateKey != "" {
		if err := ValidatePrivateKey(u.PrivateKey); err != nil {
			return err
		}
	}
	return nil
}

// Apply validates u and then stores only the fields it provides. Nothing is
// written when validation fails.
func Apply(store Store, u Update) error {
	if err := u.Validate(); err != nil {
		return err
	}

	changes := []struct {
		key   Key
		value string
	}{
		{KeyName, strings.TrimSpace(u.Name)},
		{KeyEmail, u.Email},
		{KeyRemoteURL, u.RemoteURL},
		{KeyBranch, u.Branch},
		{KeyPrivateKey, u.PrivateKey},
	}

	for _, c := range changes {
		if c.value == "" {
			continue
		}
		if err := store.Set(c.key, c.value); err != nil {
			return fmt.Errorf("failed to save %s: %w", c.key, err)
		}
	}
	return nil
}
