package grants

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/opsdeck/authcore/store"
)

// Repo stores grant lists keyed by subject (USER#email, GROUP#id,
// SERVICE#arn, or DEFAULT).
type Repo interface {
	// GetForSubject returns the subject's grants; absent subjects yield an
	// empty list, not an error.
	GetForSubject(ctx context.Context, subject string) ([]Grant, error)
	PutForSubject(ctx context.Context, subject string, grants []Grant) error
	DeleteForSubject(ctx context.Context, subject string) error
}

const grantKeyPrefix = "grant:"

// KVRepo persists grant lists as JSON in the shared key-value store.
type KVRepo struct {
	kv store.KV
}

func NewKVRepo(kv store.KV) *KVRepo {
	return &KVRepo{kv: kv}
}

func (r *KVRepo) GetForSubject(ctx context.Context, subject string) ([]Grant, error) {
	value, err := r.kv.Get(ctx, grantKeyPrefix+subject)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[KVRepo.GetForSubject]")
	}
	var grantList []Grant
	if err := json.Unmarshal(value, &grantList); err != nil {
		return nil, errors.Wrap(err, "[KVRepo.GetForSubject] unmarshal")
	}
	return grantList, nil
}

func (r *KVRepo) PutForSubject(ctx context.Context, subject string, grantList []Grant) error {
	value, err := json.Marshal(grantList)
	if err != nil {
		return errors.Wrap(err, "[KVRepo.PutForSubject] marshal")
	}
	if err := r.kv.Put(ctx, grantKeyPrefix+subject, value, 0); err != nil {
		return errors.Wrap(err, "[KVRepo.PutForSubject]")
	}
	return nil
}

func (r *KVRepo) DeleteForSubject(ctx context.Context, subject string) error {
	return errors.Wrap(r.kv.Delete(ctx, grantKeyPrefix+subject), "[KVRepo.DeleteForSubject]")
}

var _ Repo = (*KVRepo)(nil)
