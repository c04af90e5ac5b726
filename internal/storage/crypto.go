package storage

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"
)

const (
	FormatGCM = "GCM3NCR0"
	FormatCBC = "3NCR0PTD"

	pbkdf2Rounds = 100000
)

var ErrDecrypt = errors.New("blob decryption failed")

// Sealer encrypts blobs at rest with a password-derived AES-256 key. A
// Sealer with no password passes data through.
type Sealer struct {
	Password string
	// Format picks the write format; FormatGCM when empty. Both are readable.
	Format string
}

// ParseFormat maps a configured format name to its magic number. "cbc" keeps
// writing the older 3NCR0PTD layout for readers that only understand that.
func ParseFormat(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "gcm":
		return FormatGCM, nil
	case "cbc":
		return FormatCBC, nil
	}
	return "", fmt.Errorf("unknown encryption format %q (want gcm or cbc)", name)
}

func (s Sealer) Enabled() bool { return s.Password != "" }

// Seal encrypts data in the configured format.
func (s Sealer) Seal(data []byte) ([]byte, error) {
	if !s.Enabled() {
		return data, nil
	}
	if s.Format == FormatCBC {
		return encryptCBC(data, s.Password)
	}
	return encryptGCM(data, s.Password)
}

// Open decrypts data sealed in either format, detected by its magic number.
func (s Sealer) Open(data []byte) ([]byte, error) {
	if !s.Enabled() {
		return data, nil
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrDecrypt, len(data))
	}
	var (
		out []byte
		err error
	)
	switch string(data[:8]) {
	case FormatGCM:
		out, err = decryptGCM(data, s.Password)
	case FormatCBC:
		out, err = decryptCBC(data, s.Password)
	default:
		err = errors.New("unknown format")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return out, nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Rounds, 32, sha256.New)
}

func random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// Format: magic(8) + salt(16) + nonce(12) + encrypted_data + auth_tag(16)
func encryptGCM(data []byte, password string) ([]byte, error) {
	salt, err := random(16)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	nonce, err := random(gcm.NonceSize())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 8+len(salt)+len(nonce)+len(data)+gcm.Overhead())
	out = append(out, FormatGCM...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, data, nil), nil
}

func decryptGCM(data []byte, password string) ([]byte, error) {
	if len(data) < 8+16+12+16 {
		return nil, fmt.Errorf("GCM data too short: %d bytes", len(data))
	}
	salt := data[8:24]
	nonce := data[24:36]
	gcm, err := newGCM(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, data[36:], nil)
	if err != nil {
		return nil, fmt.Errorf("GCM decryption failed: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Format: magic(8) + hash(32) + length(8) + salt(16) + iv(16) + encrypted_data
func encryptCBC(data []byte, password string) ([]byte, error) {
	salt, err := random(16)
	if err != nil {
		return nil, err
	}
	iv, err := random(aes.BlockSize)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := applyPKCS7Padding(data, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	encrypted := make([]byte, 0, 32+len(ciphertext))
	encrypted = append(encrypted, salt...)
	encrypted = append(encrypted, iv...)
	encrypted = append(encrypted, ciphertext...)

	hash := sha256.Sum256(encrypted)
	length := make([]byte, 8)
	binary.BigEndian.PutUint64(length, uint64(len(encrypted)))

	out := make([]byte, 0, 8+32+8+len(encrypted))
	out = append(out, FormatCBC...)
	out = append(out, hash[:]...)
	out = append(out, length...)
	return append(out, encrypted...), nil
}

func decryptCBC(data []byte, password string) ([]byte, error) {
	if len(data) < 8+32+8+16+16 {
		return nil, fmt.Errorf("CBC data too short: %d bytes", len(data))
	}
	storedHash := data[8:40]
	length := binary.BigEndian.Uint64(data[40:48])
	encrypted := data[48:]
	if uint64(len(encrypted)) != length {
		return nil, fmt.Errorf("length mismatch: expected %d, got %d", length, len(encrypted))
	}
	sum := sha256.Sum256(encrypted)
	if !bytes.Equal(storedHash, sum[:]) {
		return nil, errors.New("hash verification failed - data corrupted")
	}

	salt, iv, ciphertext := encrypted[:16], encrypted[16:32], encrypted[32:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of block size")
	}
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := removePKCS7Padding(plaintext)
	if err != nil {
		// a wrong password decrypts to garbage; bad padding is the only signal
		log.Debug().Err(err).Msg("PKCS7 unpadding failed")
		return nil, err
	}
	return unpadded, nil
}

func applyPKCS7Padding(data []byte, blockSize int) []byte {
	padding := blockSize - (len(data) % blockSize)
	out := make([]byte, 0, len(data)+padding)
	out = append(out, data...)
	return append(out, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func removePKCS7Padding(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding length: %d", n)
	}
	for i := len(data) - n; i < len(data); i++ {
		if data[i] != byte(n) {
			return nil, fmt.Errorf("invalid padding at position %d", i)
		}
	}
	return data[:len(data)-n], nil
}
