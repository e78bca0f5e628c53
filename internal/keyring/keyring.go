// Package keyring stores the coordination server token in the system keyring.
package keyring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const (
	serviceName = "nightshift"
)

// ErrNoToken is returned by DeleteToken when nothing is stored.
var ErrNoToken = errors.New("no token stored")

// Store holds tokens keyed by server URL.
type Store struct {
	open func() (keyring.Keyring, error)

	once sync.Once
	ring keyring.Keyring
	err  error
}

// NewStore uses the platform keyring backends.
func NewStore() *Store {
	return &Store{open: func() (keyring.Keyring, error) {
		// No FileBackend: it needs a directory and a passphrase prompt,
		// neither of which a background daemon has
		return keyring.Open(keyring.Config{
			ServiceName: serviceName,
			AllowedBackends: []keyring.BackendType{
				keyring.KeychainBackend,      // macOS Keychain
				keyring.SecretServiceBackend, // Linux Secret Service (GNOME Keyring, KWallet)
				keyring.KWalletBackend,
				keyring.PassBackend, // Pass (password-store.org)
			},
		})
	}}
}

// NewStoreWithRing wraps an already opened keyring.
func NewStoreWithRing(ring keyring.Keyring) *Store {
	return &Store{open: func() (keyring.Keyring, error) { return ring, nil }}
}

func (s *Store) keyring() (keyring.Keyring, error) {
	s.once.Do(func() {
		s.ring, s.err = s.open()
	})
	if s.err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", s.err)
	}
	return s.ring, nil
}

// SetToken stores the token used for serverURL.
func (s *Store) SetToken(serverURL, token string) error {
	kr, err := s.keyring()
	if err != nil {
		return err
	}
	return kr.Set(keyring.Item{
		Key:   serverURL,
		Data:  []byte(token),
		Label: "nightshift token for " + serverURL,
	})
}

// GetToken returns the token for serverURL, or "" when none is stored.
func (s *Store) GetToken(serverURL string) (string, error) {
	kr, err := s.keyring()
	if err != nil {
		return "", err
	}

	item, err := kr.Get(serverURL)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve token: %w", err)
	}
	return string(item.Data), nil
}

// DeleteToken removes the token for serverURL.
func (s *Store) DeleteToken(serverURL string) error {
	kr, err := s.keyring()
	if err != nil {
		return err
	}

	// Not every backend reports a missing key on Remove
	if _, err := kr.Get(serverURL); errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("%w for '%s'", ErrNoToken, serverURL)
	}
	return kr.Remove(serverURL)
}

// HasToken reports whether a token is stored for serverURL.
func (s *Store) HasToken(serverURL string) bool {
	token, err := s.GetToken(serverURL)
	return err == nil && token != ""
}
