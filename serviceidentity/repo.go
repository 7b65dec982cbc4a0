package serviceidentity

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/opsdeck/authcore/grants"
	"github.com/opsdeck/authcore/internal/autherrors"
	"github.com/opsdeck/authcore/store"
)

// Binding is a stored service record: the grants conferred on callers
// assuming the role, with an enabled flag for fast deactivation.
type Binding struct {
	RoleARN string         `json:"role_arn"`
	Enabled bool           `json:"enabled"`
	Grants  []grants.Grant `json:"grants"`
}

type Repo interface {
	Get(ctx context.Context, roleARN string) (*Binding, error) // autherrors.ErrNotFound when absent
	Put(ctx context.Context, binding *Binding) error
	Delete(ctx context.Context, roleARN string) error
}

const bindingKeyPrefix = "service:"

type KVRepo struct {
	kv store.KV
}

func NewKVRepo(kv store.KV) *KVRepo {
	return &KVRepo{kv: kv}
}

func (r *KVRepo) Get(ctx context.Context, roleARN string) (*Binding, error) {
	value, err := r.kv.Get(ctx, bindingKeyPrefix+roleARN)
	if errors.Is(err, store.ErrNotFound) {
		return nil, autherrors.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "[KVRepo.Get]")
	}
	var binding Binding
	if err := json.Unmarshal(value, &binding); err != nil {
		return nil, errors.Wrap(err, "[KVRepo.Get] unmarshal")
	}
	return &binding, nil
}

func (r *KVRepo) Put(ctx context.Context, binding *Binding) error {
	value, err := json.Marshal(binding)
	if err != nil {
		return errors.Wrap(err, "[KVRepo.Put] marshal")
	}
	if err := r.kv.Put(ctx, bindingKeyPrefix+binding.RoleARN, value, 0); err != nil {
		return errors.Wrap(err, "[KVRepo.Put]")
	}
	return nil
}

func (r *KVRepo) Delete(ctx context.Context, roleARN string) error {
	return errors.Wrap(r.kv.Delete(ctx, bindingKeyPrefix+roleARN), "[KVRepo.Delete]")
}

var _ Repo = (*KVRepo)(nil)
