// internal/creds/store.go
package creds

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
	"gopkg.in/yaml.v3"
)

// File framing: magic, scrypt salt, GCM nonce, ciphertext over a yaml payload.
const (
	fileMagic = "MCRED1"
	saltSize  = 16
	keySize   = 32
	fileExt   = ".cred"
)

// scrypt parameters, fixed per format version
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrNotFound is returned when no credential file exists under the name
var ErrNotFound = errors.New("creds: credential not found")

// Credential is a username/password pair for one management endpoint
type Credential struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Store reads and writes passphrase-encrypted credential files so operators
// do not retype management passwords on every run.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir (created on first Save)
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// DefaultDir is ~/.metroctl, the conventional credential location
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".metroctl"
	}
	return filepath.Join(home, ".metroctl")
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+fileExt)
}

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("creds: derive key: %w", err)
	}
	return key, nil
}

// Save encrypts cred under the passphrase and writes it as <dir>/<name>.cred
func (s *Store) Save(name, passphrase string, cred Credential) error {
	payload, err := yaml.Marshal(cred)
	if err != nil {
		return fmt.Errorf("creds: encode credential: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("creds: generate salt: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("creds: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("creds: create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("creds: generate nonce: %w", err)
	}

	data := make([]byte, 0, len(fileMagic)+saltSize+len(nonce)+len(payload)+gcm.Overhead())
	data = append(data, fileMagic...)
	data = append(data, salt...)
	data = append(data, nonce...)
	data = gcm.Seal(data, nonce, payload, nil)

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creds: create %s: %w", s.dir, err)
	}
	if err := os.WriteFile(s.path(name), data, 0600); err != nil {
		return fmt.Errorf("creds: write %s: %w", s.path(name), err)
	}
	return nil
}

// Load decrypts the named credential file with the passphrase
func (s *Store) Load(name, passphrase string) (Credential, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Credential{}, fmt.Errorf("%w: %q in %s", ErrNotFound, name, s.dir)
		}
		return Credential{}, fmt.Errorf("creds: read %s: %w", s.path(name), err)
	}

	minLen := len(fileMagic) + saltSize + 12
	if len(data) < minLen || string(data[:len(fileMagic)]) != fileMagic {
		return Credential{}, fmt.Errorf("creds: %s is not a credential file", s.path(name))
	}
	rest := data[len(fileMagic):]
	salt, rest := rest[:saltSize], rest[saltSize:]

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return Credential{}, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return Credential{}, fmt.Errorf("creds: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Credential{}, fmt.Errorf("creds: create GCM: %w", err)
	}
	if len(rest) < gcm.NonceSize() {
		return Credential{}, fmt.Errorf("creds: %s is truncated", s.path(name))
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	payload, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("creds: decrypt %q (wrong passphrase?): %w", name, err)
	}

	var cred Credential
	if err := yaml.Unmarshal(payload, &cred); err != nil {
		return Credential{}, fmt.Errorf("creds: decode credential: %w", err)
	}
	return cred, nil
}
