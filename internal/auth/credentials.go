package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/scrypt"
)

const (
	saltSize       = 16
	keySize        = 32
	scryptN        = 32768
	scryptR        = 8
	scryptP        = 1
	minPasswordLen = 8
)

var passwordKey = []byte("operator:password")

var (
	ErrNoPassword   = errors.New("no operator password set")
	ErrWeakPassword = fmt.Errorf("password must be at least %d characters", minPasswordLen)
)

type passwordRecord struct {
	Salt      []byte `json:"salt"`
	Hash      []byte `json:"hash"`
	UpdatedAt int64  `json:"updated_at"`
}

// CredentialStore keeps the operator password hash in BadgerDB.
type CredentialStore struct {
	db *badger.DB

	mu       sync.Mutex
	verified [sha256.Size]byte // digest of the last password that passed scrypt
	cached   bool
}

// OpenCredentialStore opens (or creates) the BadgerDB at dbPath.
func OpenCredentialStore(dbPath string) (*CredentialStore, error) {
	return open(badger.DefaultOptions(dbPath).WithLogger(nil))
}

// OpenInMemory returns a store that lives only as long as the process.
func OpenInMemory() (*CredentialStore, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
}

func open(opts badger.Options) (*CredentialStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &CredentialStore{db: db}, nil
}

func (c *CredentialStore) Close() error {
	return c.db.Close()
}

// SetPassword replaces the operator password.
func (c *CredentialStore) SetPassword(password string) error {
	if len(password) < minPasswordLen {
		return ErrWeakPassword
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	hash, err := deriveKey(password, salt)
	if err != nil {
		return err
	}
	val, err := json.Marshal(passwordRecord{Salt: salt, Hash: hash, UpdatedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(passwordKey, val)
	}); err != nil {
		return fmt.Errorf("failed to store password: %w", err)
	}

	c.mu.Lock()
	c.cached = false
	c.mu.Unlock()
	return nil
}

func (c *CredentialStore) HasPassword() (bool, error) {
	_, err := c.record()
	if errors.Is(err, ErrNoPassword) {
		return false, nil
	}
	return err == nil, err
}

// Verify reports whether password matches the stored hash.
func (c *CredentialStore) Verify(password string) (bool, error) {
	digest := sha256.Sum256([]byte(password))
	c.mu.Lock()
	if c.cached && subtle.ConstantTimeCompare(digest[:], c.verified[:]) == 1 {
		c.mu.Unlock()
		return true, nil
	}
	c.mu.Unlock()

	rec, err := c.record()
	if err != nil {
		return false, err
	}
	hash, err := deriveKey(password, rec.Salt)
	if err != nil {
		return false, err
	}
	if subtle.ConstantTimeCompare(hash, rec.Hash) != 1 {
		return false, nil
	}

	c.mu.Lock()
	c.verified, c.cached = digest, true
	c.mu.Unlock()
	return true, nil
}

func (c *CredentialStore) record() (passwordRecord, error) {
	var rec passwordRecord
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(passwordKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, ErrNoPassword
	}
	return rec, err
}

func deriveKey(password string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}
