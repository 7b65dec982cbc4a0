package sessions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/opsdeck/authcore/internal/autherrors"
	"github.com/opsdeck/authcore/secrets"
	"github.com/opsdeck/authcore/store"
)

// Row is the at-rest session record keyed by session-id hash.
type Row struct {
	ExpiresAt int64           `json:"expires_at"`
	Payload   *secrets.Sealed `json:"payload"`
}

type Repo interface {
	Get(ctx context.Context, hash string) (*Row, error) // autherrors.ErrNotFound when absent
	Put(ctx context.Context, hash string, row *Row, ttl time.Duration) error
	Delete(ctx context.Context, hash string) error
}

const sessionKeyPrefix = "session:"

type KVRepo struct {
	kv store.KV
}

func NewKVRepo(kv store.KV) *KVRepo {
	return &KVRepo{kv: kv}
}

func (r *KVRepo) Get(ctx context.Context, hash string) (*Row, error) {
	value, err := r.kv.Get(ctx, sessionKeyPrefix+hash)
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

func (r *KVRepo) Put(ctx context.Context, hash string, row *Row, ttl time.Duration) error {
	value, err := json.Marshal(row)
	if err != nil {
		return errors.Wrap(err, "[KVRepo.Put] marshal")
	}
	if err := r.kv.Put(ctx, sessionKeyPrefix+hash, value, ttl); err != nil {
		return errors.Wrap(err, "[KVRepo.Put]")
	}
	return nil
}

func (r *KVRepo) Delete(ctx context.Context, hash string) error {
	return errors.Wrap(r.kv.Delete(ctx, sessionKeyPrefix+hash), "[KVRepo.Delete]")
}

var _ Repo = (*KVRepo)(nil)
