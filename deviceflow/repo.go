package deviceflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/opsdeck/authcore/internal/autherrors"
	"github.com/opsdeck/authcore/store"
)

type Repo interface {
	Get(ctx context.Context, deviceCode string) (*DeviceCode, error) // autherrors.ErrNotFound when absent
	GetByUserCode(ctx context.Context, userCode string) (*DeviceCode, error)
	Put(ctx context.Context, record *DeviceCode, ttl time.Duration) error
	Delete(ctx context.Context, record *DeviceCode) error

	// ClaimExchange marks the record as consumed, reporting whether this
	// caller won. Two clients racing to exchange a single authorization see
	// exactly one true.
	ClaimExchange(ctx context.Context, deviceCode string, ttl time.Duration) (bool, error)
}

const (
	deviceKeyPrefix   = "device:code:"
	userCodeKeyPrefix = "device:user:"
	claimKeyPrefix    = "device:claimed:"
)

// KVRepo stores device-code records plus a reverse index from user code to
// device code for the browser-side human lookup.
type KVRepo struct {
	kv store.KV
}

func NewKVRepo(kv store.KV) *KVRepo {
	return &KVRepo{kv: kv}
}

func (r *KVRepo) Get(ctx context.Context, deviceCode string) (*DeviceCode, error) {
	value, err := r.kv.Get(ctx, deviceKeyPrefix+deviceCode)
	if errors.Is(err, store.ErrNotFound) {
		return nil, autherrors.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "[KVRepo.Get]")
	}
	var record DeviceCode
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, errors.Wrap(err, "[KVRepo.Get] unmarshal")
	}
	return &record, nil
}

func (r *KVRepo) GetByUserCode(ctx context.Context, userCode string) (*DeviceCode, error) {
	deviceCode, err := r.kv.Get(ctx, userCodeKeyPrefix+userCode)
	if errors.Is(err, store.ErrNotFound) {
		return nil, autherrors.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "[KVRepo.GetByUserCode]")
	}
	return r.Get(ctx, string(deviceCode))
}

func (r *KVRepo) Put(ctx context.Context, record *DeviceCode, ttl time.Duration) error {
	value, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "[KVRepo.Put] marshal")
	}
	if err := r.kv.Put(ctx, deviceKeyPrefix+record.DeviceCode, value, ttl); err != nil {
		return errors.Wrap(err, "[KVRepo.Put] record")
	}
	if err := r.kv.Put(ctx, userCodeKeyPrefix+record.UserCode, []byte(record.DeviceCode), ttl); err != nil {
		return errors.Wrap(err, "[KVRepo.Put] user-code index")
	}
	return nil
}

func (r *KVRepo) Delete(ctx context.Context, record *DeviceCode) error {
	if err := r.kv.Delete(ctx, deviceKeyPrefix+record.DeviceCode); err != nil {
		return errors.Wrap(err, "[KVRepo.Delete] record")
	}
	return errors.Wrap(r.kv.Delete(ctx, userCodeKeyPrefix+record.UserCode), "[KVRepo.Delete] user-code index")
}

func (r *KVRepo) ClaimExchange(ctx context.Context, deviceCode string, ttl time.Duration) (bool, error) {
	won, err := r.kv.PutIfAbsent(ctx, claimKeyPrefix+deviceCode, []byte("1"), ttl)
	if err != nil {
		return false, errors.Wrap(err, "[KVRepo.ClaimExchange]")
	}
	return won, nil
}

var _ Repo = (*KVRepo)(nil)
