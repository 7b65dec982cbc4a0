package users

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/opsdeck/authcore/internal/autherrors"
	"github.com/opsdeck/authcore/store"
)

type Repo interface {
	GetByEmail(ctx context.Context, email string) (*User, error) // autherrors.ErrNotFound when absent
	Upsert(ctx context.Context, user *User) error
	Delete(ctx context.Context, email string) error
}

const userKeyPrefix = "user:"

// KVRepo persists user records as JSON in the shared key-value store, keyed
// by email.
type KVRepo struct {
	kv store.KV
}

func NewKVRepo(kv store.KV) *KVRepo {
	return &KVRepo{kv: kv}
}

func (r *KVRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	value, err := r.kv.Get(ctx, userKeyPrefix+email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, autherrors.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "[KVRepo.GetByEmail]")
	}
	var user User
	if err := json.Unmarshal(value, &user); err != nil {
		return nil, errors.Wrap(err, "[KVRepo.GetByEmail] unmarshal")
	}
	return &user, nil
}

func (r *KVRepo) Upsert(ctx context.Context, user *User) error {
	value, err := json.Marshal(user)
	if err != nil {
		return errors.Wrap(err, "[KVRepo.Upsert] marshal")
	}
	if err := r.kv.Put(ctx, userKeyPrefix+user.Email, value, 0); err != nil {
		return errors.Wrap(err, "[KVRepo.Upsert]")
	}
	return nil
}

func (r *KVRepo) Delete(ctx context.Context, email string) error {
	return errors.Wrap(r.kv.Delete(ctx, userKeyPrefix+email), "[KVRepo.Delete]")
}

var _ Repo = (*KVRepo)(nil)
