// Package credstore persists the opaque authentication state of the
// gateway's single upstream session.
//
// A Store wraps a key-value Backend (memory, file, SQLite, Postgres or
// Redis) bound to one session key, and optionally seals the stored bytes
// with an XChaCha20-Poly1305 key derived from an operator secret.
package credstore

import (
	"context"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// credentialsVersion is bumped when the stored layout changes.
const credentialsVersion = 1

var (
	// ErrUnavailable wraps every failure of the persistence layer. Callers
	// treat it as "cache lost" and keep running in memory.
	ErrUnavailable = errors.New("credential store unavailable")

	// ErrNotFound is returned by backends when the key does not exist.
	ErrNotFound = errors.New("credentials not found")
)

// Credentials is the authentication state of one linked session. Blob is
// owned by the upstream client; the gateway never interprets it.
type Credentials struct {
	Version        int             `json:"version"`
	RegistrationID string          `json:"registrationId"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Blob           json.RawMessage `json:"blob,omitempty"`
}

// NewCredentials returns a fresh, never-paired credential set.
func NewCredentials(now time.Time) Credentials {
	now = now.UTC()
	return Credentials{
		Version:        credentialsVersion,
		RegistrationID: uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Paired reports whether the upstream has stored any auth state yet.
func (c Credentials) Paired() bool {
	return len(c.Blob) > 0 && string(c.Blob) != "null"
}

// Backend is a minimal byte-oriented key-value store.
type Backend interface {
	// Get returns ErrNotFound when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	// Delete of a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Store is the credential adapter used by the session controller.
type Store struct {
	backend Backend
	key     string
	aead    cipher.AEAD
	now     func() time.Time
}

type Option func(*Store) error

// WithEncryptionKey seals stored credentials with a key derived from
// secret. An empty secret leaves the store in plaintext mode.
func WithEncryptionKey(secret string) Option {
	return func(s *Store) error {
		if secret == "" {
			return nil
		}
		aead, err := newAEAD(secret)
		if err != nil {
			return err
		}
		s.aead = aead
		return nil
	}
}

// New binds backend to the given session key.
func New(backend Backend, key string, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("credstore: backend is required")
	}
	if key == "" {
		key = "default"
	}
	s := &Store{backend: backend, key: key, now: time.Now}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("credstore: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Key() string { return s.key }

// Sealed reports whether stored bytes are encrypted.
func (s *Store) Sealed() bool { return s.aead != nil }

// Load returns the stored credentials, or nil and no error when the session
// has never been saved.
func (s *Store) Load(ctx context.Context) (*Credentials, error) {
	data, err := s.backend.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: load %s: %v", ErrUnavailable, s.key, err)
	}
	if s.aead != nil {
		data, err = open(s.aead, data)
		if err != nil {
			return nil, fmt.Errorf("%w: unseal %s: %v", ErrUnavailable, s.key, err)
		}
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, s.key, err)
	}
	return &c, nil
}

// Save writes c, stamping UpdatedAt.
func (s *Store) Save(ctx context.Context, c Credentials) error {
	if c.Version == 0 {
		c.Version = credentialsVersion
	}
	c.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrUnavailable, s.key, err)
	}
	if s.aead != nil {
		data, err = seal(s.aead, data)
		if err != nil {
			return fmt.Errorf("%w: seal %s: %v", ErrUnavailable, s.key, err)
		}
	}
	if err := s.backend.Put(ctx, s.key, data); err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrUnavailable, s.key, err)
	}
	return nil
}

// Erase removes the stored credentials. Erasing an empty store succeeds.
func (s *Store) Erase(ctx context.Context) error {
	if err := s.backend.Delete(ctx, s.key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: erase %s: %v", ErrUnavailable, s.key, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}
