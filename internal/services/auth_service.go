package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// Credential is what the sign-in collaborator hands us. Exactly one of the
// forms is expected: a bearer token, a pre-built signed query string, or an
// access/secret pair for S3-compatible endpoints.
type Credential struct {
	BearerToken  string `json:"bearerToken,omitempty"`
	SignedQuery  string `json:"signedQuery,omitempty"`
	AccessKey    string `json:"accessKey,omitempty"`
	SecretKey    string `json:"secretKey,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"` // For STS
}

// IsCapability reports whether the session runs under a capability URL.
func (c Credential) IsCapability() bool {
	return c.SignedQuery != ""
}

// Empty reports whether no credential form is set.
func (c Credential) Empty() bool {
	return c.BearerToken == "" && c.SignedQuery == "" && c.AccessKey == ""
}

// NormalizeSignedQuery strips a leading '?' so the query can be appended.
func NormalizeSignedQuery(q string) string {
	return strings.TrimPrefix(strings.TrimSpace(q), "?")
}

// CredentialSupplier returns the credential to use for a request. Token
// refresh is the supplier's business.
type CredentialSupplier interface {
	Credential(ctx context.Context) (Credential, error)
}

// StaticSupplier always returns the same credential.
type StaticSupplier Credential

// Credential implements CredentialSupplier.
func (s StaticSupplier) Credential(_ context.Context) (Credential, error) {
	return Credential(s), nil
}

// SessionService seals credentials into an opaque cookie value.
type SessionService struct {
	encryptionKey []byte
}

// NewSessionService creates a session service. A key that is not 32 bytes is
// replaced by a random one, so sessions do not survive a restart.
func NewSessionService(key string) *SessionService {
	if len(key) != 32 {
		newKey := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, newKey); err != nil {
			panic("failed to generate random key")
		}
		return &SessionService{encryptionKey: newKey}
	}
	return &SessionService{encryptionKey: []byte(key)}
}

// Seal serializes and encrypts a credential (for the cookie)
func (s *SessionService) Seal(cred Credential) (string, error) {
	data, err := json.Marshal(cred)
	if err != nil {
		return "", err
	}

	gcm, err := s.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, data, nil)
	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

// Open decodes the cookie value back into a credential
func (s *SessionService) Open(sealed string) (*Credential, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}

	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("malformed ciphertext")
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}

	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, err
	}

	return &cred, nil
}

func (s *SessionService) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
