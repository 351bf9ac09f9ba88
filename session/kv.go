package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/reddust/errors"
	"github.com/c360/reddust/metric"
	"github.com/c360/reddust/natsclient"
	"github.com/c360/reddust/pkg/retry"
)

// BucketName is the JetStream key-value bucket holding sessions
const BucketName = "reddust_sessions"

// DefaultKey is the session key used when none is configured
const DefaultKey = "default"

// bucket is the subset of natsclient.KVStore the session store needs
type bucket interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// KVStore keeps sessions in a NATS key-value bucket, one key per session
type KVStore struct {
	kv      bucket
	key     string
	policy  errors.RetryConfig
	metrics *metric.Metrics
}

// NewKVStore opens (or creates) the sessions bucket and binds key
func NewKVStore(ctx context.Context, client *natsclient.Client, key string, metrics *metric.Metrics) (*KVStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "session", "NewKVStore", "check nats client")
	}
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketName,
		Description: "Red Dust operator sessions",
		History:     10,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "session", "NewKVStore", "create KV bucket")
	}
	return newKVStore(natsclient.NewKVStore(kv, 5*time.Second), key, metrics), nil
}

func newKVStore(kv bucket, key string, metrics *metric.Metrics) *KVStore {
	if key == "" {
		key = DefaultKey
	}
	return &KVStore{kv: kv, key: key, policy: errors.DefaultRetryConfig(), metrics: metrics}
}

// Key is the bound session key
func (s *KVStore) Key() string {
	return s.key
}

// Load fetches and validates the session. A missing key is ErrKeyNotFound.
func (s *KVStore) Load(ctx context.Context) (State, error) {
	attempt := 0
	entry, err := retry.DoWithResult(ctx, s.policy.ToRetryConfig(), func() (*natsclient.KVEntry, error) {
		e, err := s.kv.Get(ctx, s.key)
		if natsclient.IsKVNotFoundError(err) {
			return nil, retry.NonRetryable(err)
		}
		return e, s.retryable(err, &attempt)
	})
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			s.metrics.RecordSession("load", "not_found")
			return State{}, errors.WrapInvalid(errors.ErrKeyNotFound, "KVStore", "Load", "get "+s.key)
		}
		s.metrics.RecordSession("load", "error")
		return State{}, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "KVStore", "Load", "get "+s.key)
	}

	st, err := Decode(entry.Value)
	if err != nil {
		s.metrics.RecordSession("load", "invalid")
		return State{}, err
	}
	s.metrics.RecordSession("load", "ok")
	return st, nil
}

// Save validates and writes the session, retrying transient failures
func (s *KVStore) Save(ctx context.Context, st State) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	st.SavedAt = time.Now().UTC()
	data, err := Encode(st)
	if err != nil {
		s.metrics.RecordSession("save", "invalid")
		return err
	}

	attempt := 0
	err = retry.Do(ctx, s.policy.ToRetryConfig(), func() error {
		_, err := s.kv.Put(ctx, s.key, data)
		return s.retryable(err, &attempt)
	})
	if err != nil {
		s.metrics.RecordSession("save", "error")
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "KVStore", "Save", "put "+s.key)
	}
	s.metrics.RecordSession("save", "ok")
	return nil
}

// retryable stops the retry loop on errors the policy does not retry
func (s *KVStore) retryable(err error, attempt *int) error {
	if err == nil {
		return nil
	}
	if !s.policy.ShouldRetry(err, *attempt) {
		return retry.NonRetryable(err)
	}
	*attempt++
	return err
}
