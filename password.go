package meshsync

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const (
	saltName = "salt"
	saltSize = 16
)

// loadSalt reads the salt stored under root, creating it on first use.
func loadSalt(root, name string) ([]byte, error) {
	salt := make([]byte, saltSize)
	saltPath := filepath.Join(root, name)
	f, err := os.OpenFile(saltPath, os.O_RDONLY, 0o400) // #nosec G304
	if err == nil {
		defer f.Close()
		if _, err := io.ReadFull(f, salt); err != nil {
			return nil, fmt.Errorf("meshsync: error reading salt: %w", err)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if _, err := crypto_rand.Read(salt); err != nil {
		return nil, err
	}
	f, err = os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(salt); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return salt, nil
}

func newKey(password, root, name string) ([]byte, error) {
	salt, err := loadSalt(root, name)
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32), nil
}

// NewKey derives the database key from a password.
func (e *Engine) NewKey(password string) ([]byte, error) {
	return newKey(password, e.config.RootDir, saltName)
}

// InitializeWithPassword is Initialize with a key derived from password.
func (e *Engine) InitializeWithPassword(password string) error {
	key, err := e.NewKey(password)
	if err != nil {
		return err
	}
	return e.Initialize(key)
}

// OpenWithPassword is Open with a key derived from password.
func (e *Engine) OpenWithPassword(password string) error {
	key, err := e.NewKey(password)
	if err != nil {
		return err
	}
	return e.Open(key)
}
