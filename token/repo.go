package token

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/opsdeck/authcore/internal/autherrors"
	"github.com/opsdeck/authcore/secrets"
	"github.com/opsdeck/authcore/store"
)

// Row types.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Row is a stored token record, keyed by the SHA-256 digest of the token
// value. The raw token is never persisted; a storage read alone cannot yield
// a usable credential.
type Row struct {
	TokenType string          `json:"token_type"`
	ExpiresAt int64           `json:"expires_at"`
	Payload   *secrets.Sealed `json:"payload"`

	// AccessDigest, on refresh rows, references the access token currently
	// paired with this refresh token so a refresh can invalidate it.
	AccessDigest string `json:"access_digest,omitempty"`
}

type Repo interface {
	Get(ctx context.Context, digest string) (*Row, error) // autherrors.ErrNotFound when absent
	Put(ctx context.Context, digest string, row *Row, ttl time.Duration) error
	Delete(ctx context.Context, digest string) error
}

const tokenKeyPrefix = "token:"

// KVRepo persists token rows in the shared key-value store. TTLs are set for
// garbage collection; expiry is still enforced on read.
type KVRepo struct {
	kv store.KV
}

func NewKVRepo(kv store.KV) *KVRepo {
	return &KVRepo{kv: kv}
}

func (r *KVRepo) Get(ctx context.Context, digest string) (*Row, error) {
	value, err := r.kv.Get(ctx, tokenKeyPrefix+digest)
	if errors.Is(err, store.ErrNotFound) {
		return nil, autherrors.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "[KVRepo.Get]")
	}
	var row Row
	if err := json.Unmarshal(value, &row); err != nil {
		return nil, errors.Wrap(err, "[KVRepo.Get] unmarshal")
	}
	return &row, nil
}

func (r *KVRepo) Put(ctx context.Context, digest string, row *Row, ttl time.Duration) error {
	value, err := json.Marshal(row)
	if err != nil {
		return errors.Wrap(err, "[KVRepo.Put] marshal")
	}
	if err := r.kv.Put(ctx, tokenKeyPrefix+digest, value, ttl); err != nil {
		return errors.Wrap(err, "[KVRepo.Put]")
	}
	return nil
}

func (r *KVRepo) Delete(ctx context.Context, digest string) error {
	return errors.Wrap(r.kv.Delete(ctx, tokenKeyPrefix+digest), "[KVRepo.Delete]")
}

var _ Repo = (*KVRepo)(nil)
