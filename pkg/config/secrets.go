package config

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"golang.org/x/crypto/scrypt"

	"darwin/pkg/logx"
)

// On disk: magic | salt | nonce | AES-256-GCM(JSON object of name -> value).
// The key is derived from the password with scrypt.
const (
	secretsDirName  = ".darwin"
	secretsFileName = "secrets.json.enc"

	saltSize = 16
	keySize  = 32
	scryptN  = 1 << 15
	scryptR  = 8
	scryptP  = 1
)

var secretsMagic = []byte("DWS1")

var (
	// ErrSecretNotFound is returned by GetSecret when neither source has the name.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrSecretsLocked means the password is wrong or the file was altered.
	ErrSecretsLocked = errors.New("secrets file could not be decrypted (wrong password or corrupted file)")
)

// vault holds the decrypted secrets for the life of the process.
type vault struct {
	mu      sync.RWMutex
	secrets map[string]string
}

//nolint:gochecknoglobals // one vault per process
var secretsVault = &vault{}

func (v *vault) get(name string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	value, ok := v.secrets[name]
	return value, ok && value != ""
}

func (v *vault) replace(secrets map[string]string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets = secrets
}

func (v *vault) set(name, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.secrets == nil {
		v.secrets = make(map[string]string)
	}
	v.secrets[name] = value
}

func (v *vault) remove(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, name)
}

func (v *vault) snapshot() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return maps.Clone(v.secrets)
}

// SecretsPath is the encrypted secrets file under projectDir.
func SecretsPath(projectDir string) string {
	return filepath.Join(projectDir, secretsDirName, secretsFileName)
}

// SecretsFileExists reports whether projectDir has a secrets file.
func SecretsFileExists(projectDir string) bool {
	_, err := os.Stat(SecretsPath(projectDir))
	return err == nil
}

// GetSecret returns the value of name from the decrypted secrets file, falling back to the
// environment.
func GetSecret(name string) (string, error) {
	if value, ok := secretsVault.get(name); ok {
		return value, nil
	}
	if value := os.Getenv(name); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s not in secrets file or environment", ErrSecretNotFound, name)
}

// SetDecryptedSecrets replaces every in-memory secret.
func SetDecryptedSecrets(secrets map[string]string) { secretsVault.replace(secrets) }

// ClearDecryptedSecrets drops every in-memory secret.
func ClearDecryptedSecrets() { secretsVault.replace(nil) }

// SetSecret stores one secret in memory. SaveSecretsToFile persists it.
func SetSecret(name, value string) { secretsVault.set(name, value) }

// DeleteSecret removes one secret from memory.
func DeleteSecret(name string) { secretsVault.remove(name) }

// GetDecryptedSecretNames returns the sorted names of in-memory secrets. Values are never listed.
func GetDecryptedSecretNames() []string {
	return slices.Sorted(maps.Keys(secretsVault.snapshot()))
}

// LoadSecretsFile decrypts the secrets file of projectDir into memory. A missing file is not
// an error.
func LoadSecretsFile(projectDir, password string) error {
	if !SecretsFileExists(projectDir) {
		return nil
	}
	secrets, err := DecryptSecretsFile(projectDir, password)
	if err != nil {
		return err
	}
	secretsVault.replace(secrets)
	return nil
}

// SaveSecretsToFile encrypts the in-memory secrets to the secrets file of projectDir.
func SaveSecretsToFile(projectDir, password string) error {
	secrets := secretsVault.snapshot()
	if secrets == nil {
		secrets = map[string]string{}
	}
	return EncryptSecretsFile(projectDir, password, secrets)
}

// EncryptSecretsFile writes secrets to the secrets file of projectDir with mode 0600.
func EncryptSecretsFile(projectDir, password string, secrets map[string]string) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to encode secrets: %w", err)
	}
	defer clear(plaintext)

	sealed, err := seal([]byte(password), plaintext)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(projectDir, secretsDirName), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", secretsDirName, err)
	}
	if err := os.WriteFile(SecretsPath(projectDir), sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile reads and decrypts the secrets file of projectDir. A file readable by
// others is tightened to 0600 first.
func DecryptSecretsFile(projectDir, password string) (map[string]string, error) {
	path := SecretsPath(projectDir)
	if err := tightenPermissions(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	plaintext, err := unseal([]byte(password), data)
	if err != nil {
		return nil, err
	}
	defer clear(plaintext)

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to decode secrets: %w", err)
	}
	return secrets, nil
}

func tightenPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		logx.NewLogger("config").Warn("Secrets file %s has mode %04o; resetting to 0600", path, perm)
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("failed to fix secrets file mode: %w", err)
		}
	}
	return nil
}

func seal(password, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	aead, err := newAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(secretsMagic)+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, secretsMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	// the header is authenticated along with the payload
	return aead.Seal(out, nonce, plaintext, out[:len(secretsMagic)+saltSize]), nil
}

func unseal(password, data []byte) ([]byte, error) {
	header := len(secretsMagic) + saltSize
	if len(data) < header || !bytes.Equal(data[:len(secretsMagic)], secretsMagic) {
		return nil, fmt.Errorf("%w: unrecognized format", ErrSecretsLocked)
	}
	aead, err := newAEAD(password, data[len(secretsMagic):header])
	if err != nil {
		return nil, err
	}
	if len(data) < header+aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: file too short", ErrSecretsLocked)
	}
	nonce := data[header : header+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, data[header+aead.NonceSize():], data[:header])
	if err != nil {
		return nil, ErrSecretsLocked
	}
	return plaintext, nil
}

func newAEAD(password, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
