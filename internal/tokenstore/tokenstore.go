// Package tokenstore implements the Token Store (spec.md §4.2, C2):
// encrypted-at-rest persistence of the OAuth access/refresh tokens.
//
// Encryption follows the AEAD pattern the distilled spec calls for —
// a 256-bit symmetric key and a fresh random nonce per write, tag
// verified on read — using golang.org/x/crypto/chacha20poly1305, a
// dependency this retrieval pack already carries (arung-agamani's
// denpa-radio module requires golang.org/x/crypto directly). Durable
// writes go through github.com/google/renameio/v2, the same
// write-temp-then-atomic-rename helper the ManuGH-xg2g teacher uses
// throughout its config/job writers.
package tokenstore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Tokens is the in-memory representation of spec.md §3's Tokens model.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"` // absolute epoch ms
}

// record is the on-disk shape: {iv, ciphertext, tag}.
type record struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// Logger is the minimal logging surface tokenstore needs; satisfied by
// *zap.SugaredLogger.
type Logger interface {
	Errorw(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Errorw(string, ...any) {}

// Store persists Tokens at <dataDir>/spotify-tokens.json, encrypting
// them with a key kept at <dataDir>/encryption-key.
type Store struct {
	dataDir  string
	tokenPth string
	keyPth   string
	logger   Logger
}

// New returns a Store rooted at dataDir. dataDir is created if absent.
func New(dataDir string, logger Logger) (*Store, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		dataDir:  dataDir,
		tokenPth: filepath.Join(dataDir, "spotify-tokens.json"),
		keyPth:   filepath.Join(dataDir, "encryption-key"),
		logger:   logger,
	}, nil
}

func (s *Store) loadOrCreateKey() ([]byte, error) {
	key, err := os.ReadFile(s.keyPth)
	if err == nil && len(key) == chacha20poly1305.KeySize {
		return key, nil
	}
	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := renameio.WriteFile(s.keyPth, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// Save encrypts and durably persists tokens.
func (s *Store) Save(tokens Tokens) error {
	key, err := s.loadOrCreateKey()
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(tokens)
	if err != nil {
		return err
	}

	nonce := make([]byte, aead.NonceSize()) // 12 bytes (96-bit) per chacha20poly1305
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	tagStart := len(sealed) - aead.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	rec := record{
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.tokenPth, raw, 0o600)
}

// Load decrypts and returns the persisted tokens. It returns (nil, nil)
// if no tokens have been saved yet. Malformed ciphertext or a failed
// authentication tag is logged as an error and treated as "no tokens"
// rather than returned as an error, per spec.md §4.2.
func (s *Store) Load() (*Tokens, error) {
	raw, err := os.ReadFile(s.tokenPth)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Errorw("tokenstore: malformed token record", "error", err)
		return nil, nil
	}

	key, err := os.ReadFile(s.keyPth)
	if err != nil {
		s.logger.Errorw("tokenstore: missing encryption key", "error", err)
		return nil, nil
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		s.logger.Errorw("tokenstore: invalid encryption key", "error", err)
		return nil, nil
	}

	nonce, cerr1 := base64.StdEncoding.DecodeString(rec.IV)
	ciphertext, cerr2 := base64.StdEncoding.DecodeString(rec.Ciphertext)
	tag, cerr3 := base64.StdEncoding.DecodeString(rec.Tag)
	if cerr1 != nil || cerr2 != nil || cerr3 != nil {
		s.logger.Errorw("tokenstore: malformed base64 in token record")
		return nil, nil
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		s.logger.Errorw("tokenstore: authentication failed decrypting tokens", "error", err)
		return nil, nil
	}

	var tokens Tokens
	if err := json.Unmarshal(plaintext, &tokens); err != nil {
		s.logger.Errorw("tokenstore: corrupt plaintext", "error", err)
		return nil, nil
	}
	return &tokens, nil
}

// Clear removes any persisted tokens. It is not an error if none exist.
func (s *Store) Clear() error {
	err := os.Remove(s.tokenPth)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
