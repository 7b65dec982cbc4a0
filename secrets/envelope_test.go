package secrets_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opsdeck/authcore/secrets"
)

func newService(t *testing.T) *secrets.LocalKeyService {
	t.Helper()
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	svc, err := secrets.NewLocalKeyService(masterKey)
	require.NoError(t, err)
	return svc
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := newService(t)
	binding := secrets.Binding{Purpose: "token", KeyPrefix: "abc123def456"}
	plaintext := []byte(`{"email":"alice@example.com"}`)

	blob, err := svc.Encrypt(context.Background(), plaintext, binding)
	require.NoError(t, err)
	require.NotContains(t, string(blob), "alice@example.com")

	decrypted, err := svc.Decrypt(context.Background(), blob, binding)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestDecryptRejectsWrongBinding(t *testing.T) {
	svc := newService(t)
	plaintext := []byte("claims")
	blob, err := svc.Encrypt(context.Background(), plaintext, secrets.Binding{Purpose: "token", KeyPrefix: "aaaa"})
	require.NoError(t, err)

	// Same purpose, different record: replaying the ciphertext under
	// another lookup key must fail.
	_, err = svc.Decrypt(context.Background(), blob, secrets.Binding{Purpose: "token", KeyPrefix: "bbbb"})
	require.Error(t, err)

	// Same record prefix, different purpose domain.
	_, err = svc.Decrypt(context.Background(), blob, secrets.Binding{Purpose: "web_session", KeyPrefix: "aaaa"})
	require.Error(t, err)
}

func TestDecryptRejectsTamperedBlob(t *testing.T) {
	svc := newService(t)
	binding := secrets.Binding{Purpose: "token", KeyPrefix: "aaaa"}
	blob, err := svc.Encrypt(context.Background(), []byte("claims"), binding)
	require.NoError(t, err)

	tampered := bytes.Clone(blob)
	tampered[len(tampered)-1] ^= 0x01
	_, err = svc.Decrypt(context.Background(), tampered, binding)
	require.Error(t, err)

	_, err = svc.Decrypt(context.Background(), blob[:8], binding)
	require.Error(t, err)
}

func TestNewLocalKeyServiceRejectsShortKey(t *testing.T) {
	_, err := secrets.NewLocalKeyService([]byte("too short"))
	require.Error(t, err)
}

func TestPlainCodecRoundTrip(t *testing.T) {
	codec := secrets.PlainCodec{}
	binding := secrets.Binding{Purpose: "token", KeyPrefix: "aaaa"}

	sealed, err := codec.Seal(context.Background(), []byte(`{"scope":"cli"}`), binding)
	require.NoError(t, err)
	require.Empty(t, sealed.Ciphertext)

	payload, err := codec.Open(context.Background(), sealed, binding)
	require.NoError(t, err)
	require.JSONEq(t, `{"scope":"cli"}`, string(payload))
}

func TestPlainCodecRejectsEncryptedRow(t *testing.T) {
	codec := secrets.PlainCodec{}
	_, err := codec.Open(context.Background(), &secrets.Sealed{Ciphertext: []byte{0x01}}, secrets.Binding{})
	require.Error(t, err)
}

func TestEnvelopeCodecRoundTrip(t *testing.T) {
	codec := secrets.EnvelopeCodec{Service: newService(t)}
	binding := secrets.Binding{Purpose: "web_session", KeyPrefix: "cafe"}

	sealed, err := codec.Seal(context.Background(), []byte(`{"email":"bob@example.com"}`), binding)
	require.NoError(t, err)
	require.Empty(t, sealed.Claims)
	require.NotEmpty(t, sealed.Ciphertext)

	payload, err := codec.Open(context.Background(), sealed, binding)
	require.NoError(t, err)
	require.JSONEq(t, `{"email":"bob@example.com"}`, string(payload))
}

func TestEnvelopeCodecOpensLegacyPlaintextRow(t *testing.T) {
	codec := secrets.EnvelopeCodec{Service: newService(t)}
	sealed := &secrets.Sealed{Claims: []byte(`{"email":"old@example.com"}`)}

	payload, err := codec.Open(context.Background(), sealed, secrets.Binding{Purpose: "token", KeyPrefix: "aaaa"})
	require.NoError(t, err)
	require.JSONEq(t, `{"email":"old@example.com"}`, string(payload))
}
