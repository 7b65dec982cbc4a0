// Package secrets holds the envelope-encryption contract and the storage
// codec that decides whether durable claim payloads are written plaintext or
// encrypted at rest.
package secrets

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Binding ties a ciphertext to the record it protects. Purpose separates key
// domains ("token" vs "web_session"); KeyPrefix is a prefix of the record's
// own lookup digest, so a ciphertext copied under a different storage key
// fails to decrypt.
type Binding struct {
	Purpose   string
	KeyPrefix string
}

func (b Binding) aad() []byte {
	return []byte(b.Purpose + "\x00" + b.KeyPrefix)
}

// Encrypter is the contract with the envelope-encryption service. The master
// key never leaves the service; callers hand over plaintext and a binding
// and get an opaque blob back. Implementations must treat the binding as
// additional authenticated data so decryption fails under a different
// binding.
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext []byte, binding Binding) ([]byte, error)
	Decrypt(ctx context.Context, blob []byte, binding Binding) ([]byte, error)
}

const (
	envelopeVersion = 0x01
	dataKeySize     = chacha20poly1305.KeySize
	nonceSize       = chacha20poly1305.NonceSizeX
)

// LocalKeyService implements Encrypter with a process-local master key: a
// fresh data key per payload, the data key wrapped under a key derived from
// the master key and the binding. It stands in for an external KMS behind
// the same interface.
type LocalKeyService struct {
	masterKey []byte
}

func NewLocalKeyService(masterKey []byte) (*LocalKeyService, error) {
	if len(masterKey) != dataKeySize {
		return nil, errors.Errorf("[NewLocalKeyService] master key must be %d bytes, got %d", dataKeySize, len(masterKey))
	}
	key := make([]byte, dataKeySize)
	copy(key, masterKey)
	return &LocalKeyService{masterKey: key}, nil
}

// Encrypt produces version || wrapNonce || wrappedKey || sealNonce || sealed.
func (s *LocalKeyService) Encrypt(_ context.Context, plaintext []byte, binding Binding) ([]byte, error) {
	dataKey := make([]byte, dataKeySize)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, errors.Wrap(err, "[LocalKeyService.Encrypt] data key")
	}

	wrapped, err := s.wrapKey(dataKey, binding)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(dataKey)
	if err != nil {
		return nil, errors.Wrap(err, "[LocalKeyService.Encrypt] aead")
	}
	sealNonce := make([]byte, nonceSize)
	if _, err := rand.Read(sealNonce); err != nil {
		return nil, errors.Wrap(err, "[LocalKeyService.Encrypt] nonce")
	}
	sealed := aead.Seal(nil, sealNonce, plaintext, binding.aad())

	blob := make([]byte, 0, 1+len(wrapped)+len(sealNonce)+len(sealed))
	blob = append(blob, envelopeVersion)
	blob = append(blob, wrapped...)
	blob = append(blob, sealNonce...)
	blob = append(blob, sealed...)
	return blob, nil
}

func (s *LocalKeyService) Decrypt(_ context.Context, blob []byte, binding Binding) ([]byte, error) {
	wrappedLen := nonceSize + dataKeySize + chacha20poly1305.Overhead
	if len(blob) < 1+wrappedLen+nonceSize || blob[0] != envelopeVersion {
		return nil, errors.New("[LocalKeyService.Decrypt] malformed blob")
	}
	blob = blob[1:]

	dataKey, err := s.unwrapKey(blob[:wrappedLen], binding)
	if err != nil {
		return nil, err
	}
	blob = blob[wrappedLen:]

	aead, err := chacha20poly1305.NewX(dataKey)
	if err != nil {
		return nil, errors.Wrap(err, "[LocalKeyService.Decrypt] aead")
	}
	plaintext, err := aead.Open(nil, blob[:nonceSize], blob[nonceSize:], binding.aad())
	if err != nil {
		return nil, errors.Wrap(err, "[LocalKeyService.Decrypt] open")
	}
	return plaintext, nil
}

// wrapKey seals the data key under an HKDF-derived wrapping key. The binding
// feeds the HKDF info, so a wrapped key is only unwrappable in its original
// purpose/prefix context.
func (s *LocalKeyService) wrapKey(dataKey []byte, binding Binding) ([]byte, error) {
	wrappingKey, err := s.wrappingKey(binding)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(wrappingKey)
	if err != nil {
		return nil, errors.Wrap(err, "[LocalKeyService.wrapKey] aead")
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "[LocalKeyService.wrapKey] nonce")
	}
	return append(nonce, aead.Seal(nil, nonce, dataKey, binding.aad())...), nil
}

func (s *LocalKeyService) unwrapKey(wrapped []byte, binding Binding) ([]byte, error) {
	wrappingKey, err := s.wrappingKey(binding)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(wrappingKey)
	if err != nil {
		return nil, errors.Wrap(err, "[LocalKeyService.unwrapKey] aead")
	}
	dataKey, err := aead.Open(nil, wrapped[:nonceSize], wrapped[nonceSize:], binding.aad())
	if err != nil {
		return nil, errors.Wrap(err, "[LocalKeyService.unwrapKey] open")
	}
	return dataKey, nil
}

func (s *LocalKeyService) wrappingKey(binding Binding) ([]byte, error) {
	kdf := hkdf.New(sha256.New, s.masterKey, nil, append([]byte("authcore/envelope/"), binding.aad()...))
	key := make([]byte, dataKeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "[LocalKeyService.wrappingKey] hkdf")
	}
	return key, nil
}

var _ Encrypter = (*LocalKeyService)(nil)
