package settings

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/iani/tryon/pkg/logging"
)

const (
	// NonceSize is the size of the nonce used for encryption
	NonceSize = 24
	// KeySize is the size of the encryption key
	KeySize = 32
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrStorageAccess is returned when storage cannot be accessed.
var ErrStorageAccess = errors.New("failed to access storage")

// ErrEncryption is returned when encryption/decryption fails.
var ErrEncryption = errors.New("encryption error")

// fileRecord is the on-disk form of one product's settings.
type fileRecord struct {
	ProductID string              `json:"product_id"`
	Settings  CalibrationSettings `json:"settings"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// FileRepository stores one file per product, optionally encrypted at rest
// with NaCl secretbox.
type FileRepository struct {
	dataDir           string
	encryptionEnabled bool
	encryptionKey     [KeySize]byte

	mu sync.Mutex
}

// NewFileRepository creates a FileRepository rooted at dataDir.
func NewFileRepository(dataDir string, encryptionEnabled bool) (*FileRepository, error) {
	fr := &FileRepository{
		dataDir:           dataDir,
		encryptionEnabled: encryptionEnabled,
	}

	if encryptionEnabled {
		key, err := deriveKey()
		if err != nil {
			return nil, fmt.Errorf("failed to derive encryption key: %w", err)
		}
		fr.encryptionKey = key
	}

	if err := os.MkdirAll(fr.productsDir(), 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}

	return fr, nil
}

// deriveKey derives the encryption key from machine identity, tying the
// stored files to this machine and user.
func deriveKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	var identity strings.Builder

	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		identity.Write(machineID)
	}
	if hostname, err := os.Hostname(); err == nil {
		identity.WriteString(hostname)
	}
	identity.WriteString(fmt.Sprintf("%d", os.Getuid()))
	identity.WriteString("tryon-settings-v1-salt")

	hash := sha256.Sum256([]byte(identity.String()))
	copy(key[:], hash[:])
	return key, nil
}

func (fr *FileRepository) productsDir() string {
	return filepath.Join(fr.dataDir, "products")
}

func (fr *FileRepository) path(productID string) string {
	ext := ".json"
	if fr.encryptionEnabled {
		ext = ".enc"
	}
	return filepath.Join(fr.productsDir(), productID+ext)
}

// Get loads a product's settings.
func (fr *FileRepository) Get(ctx context.Context, productID string) (CalibrationSettings, error) {
	if err := ValidateProductID(productID); err != nil {
		return CalibrationSettings{}, err
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()

	data, err := os.ReadFile(fr.path(productID))
	if err != nil {
		if os.IsNotExist(err) {
			return CalibrationSettings{}, ErrNotFound
		}
		return CalibrationSettings{}, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}

	if fr.encryptionEnabled {
		data, err = fr.decrypt(data)
		if err != nil {
			return CalibrationSettings{}, fmt.Errorf("failed to decrypt settings: %w", err)
		}
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return CalibrationSettings{}, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	logging.Debugf("Loaded settings for product: %s", productID)
	return rec.Settings, nil
}

// Upsert writes a product's settings, replacing any previous file.
func (fr *FileRepository) Upsert(ctx context.Context, productID string, cs CalibrationSettings) error {
	if err := ValidateProductID(productID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(fileRecord{
		ProductID: productID,
		Settings:  cs,
		UpdatedAt: time.Now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if fr.encryptionEnabled {
		data, err = fr.encrypt(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt settings: %w", err)
		}
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()

	// Write then rename so readers never see a partial file.
	target := fr.path(productID)
	tmp, err := os.CreateTemp(fr.productsDir(), "."+productID+".*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}

	logging.Debugf("Saved settings for product: %s", productID)
	return nil
}

// Delete removes a product's settings.
func (fr *FileRepository) Delete(ctx context.Context, productID string) error {
	if err := ValidateProductID(productID); err != nil {
		return err
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()

	if err := os.Remove(fr.path(productID)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}

	logging.Infof("Deleted settings for product: %s", productID)
	return nil
}

// List returns the IDs of all stored products.
func (fr *FileRepository) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(fr.productsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	ids := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.HasSuffix(name, ".json") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		} else if strings.HasSuffix(name, ".enc") {
			ids = append(ids, strings.TrimSuffix(name, ".enc"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// encrypt encrypts data using NaCl secretbox.
func (fr *FileRepository) encrypt(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &fr.encryptionKey), nil
}

// decrypt decrypts data using NaCl secretbox.
func (fr *FileRepository) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrEncryption
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &fr.encryptionKey)
	if !ok {
		return nil, ErrEncryption
	}
	return plaintext, nil
}

var _ Repository = (*FileRepository)(nil)
