package secrets

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Sealed is the at-rest form of a claim payload. Exactly one of the two
// fields is populated by Seal; Open accepts either so deployments can turn
// encryption on without invalidating rows written before the switch.
type Sealed struct {
	Claims     json.RawMessage `json:"claims,omitempty"`
	Ciphertext []byte          `json:"encrypted,omitempty"`
}

// Codec is the closed two-implementation interface over the at-rest
// encoding. The implementation is chosen once at startup; the hot path never
// branches on an encryption flag.
type Codec interface {
	Seal(ctx context.Context, payload []byte, binding Binding) (*Sealed, error)
	Open(ctx context.Context, sealed *Sealed, binding Binding) ([]byte, error)
}

// PlainCodec stores payloads as-is, for deployments without an encryption
// service.
type PlainCodec struct{}

func (PlainCodec) Seal(_ context.Context, payload []byte, _ Binding) (*Sealed, error) {
	return &Sealed{Claims: json.RawMessage(payload)}, nil
}

func (PlainCodec) Open(_ context.Context, sealed *Sealed, _ Binding) ([]byte, error) {
	if len(sealed.Ciphertext) != 0 {
		return nil, errors.New("[PlainCodec.Open] encrypted payload but no encrypter configured")
	}
	if len(sealed.Claims) == 0 {
		return nil, errors.New("[PlainCodec.Open] empty payload")
	}
	return sealed.Claims, nil
}

// EnvelopeCodec encrypts payloads through the envelope-encryption service.
type EnvelopeCodec struct {
	Service Encrypter
}

func (c EnvelopeCodec) Seal(ctx context.Context, payload []byte, binding Binding) (*Sealed, error) {
	blob, err := c.Service.Encrypt(ctx, payload, binding)
	if err != nil {
		return nil, errors.Wrap(err, "[EnvelopeCodec.Seal]")
	}
	return &Sealed{Ciphertext: blob}, nil
}

func (c EnvelopeCodec) Open(ctx context.Context, sealed *Sealed, binding Binding) ([]byte, error) {
	if len(sealed.Ciphertext) == 0 {
		// Row written before encryption was enabled.
		if len(sealed.Claims) != 0 {
			return sealed.Claims, nil
		}
		return nil, errors.New("[EnvelopeCodec.Open] empty payload")
	}
	payload, err := c.Service.Decrypt(ctx, sealed.Ciphertext, binding)
	if err != nil {
		return nil, errors.Wrap(err, "[EnvelopeCodec.Open]")
	}
	return payload, nil
}

var (
	_ Codec = PlainCodec{}
	_ Codec = EnvelopeCodec{}
)
