package cm

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/dynsvc/natsclient"
)

// NATSKVStore adapts natsclient.KVStore (and the JetStream bucket it wraps)
// to the narrow cm.KVStore interface JetStreamAdmin depends on.
type NATSKVStore struct {
	store  *natsclient.KVStore
	bucket jetstream.KeyValue
}

// NewNATSKVStore builds a cm.KVStore backed by store, using bucket directly
// for the key-listing operation natsclient.KVStore doesn't expose.
func NewNATSKVStore(store *natsclient.KVStore, bucket jetstream.KeyValue) *NATSKVStore {
	return &NATSKVStore{store: store, bucket: bucket}
}

func (a *NATSKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := a.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, kvNotFoundErr{}
		}
		return nil, err
	}
	return entry.Value, nil
}

func (a *NATSKVStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := a.store.Put(ctx, key, value)
	return err
}

func (a *NATSKVStore) Delete(ctx context.Context, key string) error {
	return a.store.Delete(ctx, key)
}

func (a *NATSKVStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := a.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}

type kvNotFoundErr struct{}

func (kvNotFoundErr) Error() string  { return "key not found" }
func (kvNotFoundErr) NotFound() bool { return true }
