package hipaa

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// Mode selects how new values are written. Reads always accept both forms.
type Mode string

const (
	// ModeLegacy writes AES-256-CBC with the configured fixed IV. Identical
	// plaintexts produce identical ciphertexts and nothing is authenticated.
	// It is kept so rows written by earlier deployments stay readable.
	ModeLegacy Mode = "legacy"
	// ModeSealed writes AES-256-GCM with a random nonce per value, prefixed
	// with sealedPrefix. Enable it once every reader understands the prefix.
	ModeSealed Mode = "sealed"
)

const (
	sealedPrefix      = "v2:"
	decryptFailedMark = "[Decryption Failed: %s]"
	legacyKeyLen      = 32
	legacyIVLen       = aes.BlockSize
)

var ErrDecryption = errors.New("hipaa: decryption failed")

// Cipher is the part of FieldCodec the sync services depend on.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) string
}

// FieldCodec encrypts single PHI string fields for local storage.
type FieldCodec struct {
	mode   Mode
	block  cipher.Block
	iv     []byte
	aead   cipher.AEAD
	logger zerolog.Logger
}

// NewFieldCodec derives the key and IV from their UTF-8 bytes, NUL-padded
// or truncated to 32 and 16 bytes.
func NewFieldCodec(key, iv string, mode Mode, logger zerolog.Logger) (*FieldCodec, error) {
	if key == "" {
		return nil, fmt.Errorf("field codec: key is required")
	}
	if iv == "" {
		return nil, fmt.Errorf("field codec: iv is required")
	}
	if mode == "" {
		mode = ModeLegacy
	}
	if mode != ModeLegacy && mode != ModeSealed {
		return nil, fmt.Errorf("field codec: unknown mode %q", mode)
	}

	block, err := aes.NewCipher(fitBytes(key, legacyKeyLen))
	if err != nil {
		return nil, fmt.Errorf("field codec: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("field codec: create GCM: %w", err)
	}

	return &FieldCodec{
		mode:   mode,
		block:  block,
		iv:     fitBytes(iv, legacyIVLen),
		aead:   aead,
		logger: logger.With().Str("component", "field_codec").Logger(),
	}, nil
}

func fitBytes(s string, n int) []byte {
	out := make([]byte, n)
	copy(out, s)
	return out
}

func (c *FieldCodec) Mode() Mode { return c.mode }

// Encrypt returns "" for "" and base64 ciphertext otherwise.
func (c *FieldCodec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if c.mode == ModeSealed {
		return c.seal([]byte(plaintext))
	}
	return c.encryptCBC([]byte(plaintext)), nil
}

// Decrypt never fails. A value that cannot be decrypted comes back as
// "[Decryption Failed: <ciphertext>]" and a warning is logged.
func (c *FieldCodec) Decrypt(ciphertext string) string {
	plaintext, err := c.DecryptStrict(ciphertext)
	if err != nil {
		c.logger.Warn().Err(err).Int("length", len(ciphertext)).Msg("field decryption failed")
		return DecryptionFailed(ciphertext)
	}
	return plaintext
}

// DecryptStrict is Decrypt with the failure reported as an error wrapping
// ErrDecryption.
func (c *FieldCodec) DecryptStrict(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if rest, ok := strings.CutPrefix(ciphertext, sealedPrefix); ok {
		return c.open(rest)
	}
	return c.decryptCBC(ciphertext)
}

// NeedsUpgrade reports whether a stored value was written in a weaker form
// than the codec's current mode.
func (c *FieldCodec) NeedsUpgrade(ciphertext string) bool {
	return c.mode == ModeSealed && ciphertext != "" && !strings.HasPrefix(ciphertext, sealedPrefix)
}

// DecryptionFailed renders the marker Decrypt returns for unreadable values.
func DecryptionFailed(ciphertext string) string {
	return fmt.Sprintf(decryptFailedMark, ciphertext)
}

func (c *FieldCodec) encryptCBC(data []byte) string {
	padded := pkcs7Pad(data, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out)
}

func (c *FieldCodec) decryptCBC(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode: %v", ErrDecryption, err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext is not a whole number of blocks", ErrDecryption)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, data)
	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(plain), nil
}

func (c *FieldCodec) seal(data []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("field codec: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, data, nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *FieldCodec) open(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode: %v", ErrDecryption, err)
	}
	n := c.aead.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	plain, err := c.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(plain), nil
}

func pkcs7Pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, size int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty block")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
