package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	leaseKey      = "lease"
	pendingPrefix = "pending."
)

// NATSStore implements Store on JetStream key-value buckets. Each sweep
// gets its own bucket whose TTL equals the sweep lease TTL, so the lease,
// the pending set and any other per-sweep keys all expire as one unit.
type NATSStore struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewNATSStore creates a coordination store over the given JetStream context.
func NewNATSStore(js nats.JetStreamContext, logger *zap.Logger) *NATSStore {
	return &NATSStore{
		logger: logger.Named("coord"),
		js:     js,
	}
}

// AcquireLease implements Store.AcquireLease
func (s *NATSStore) AcquireLease(ctx context.Context, sweep, owner string, ttl time.Duration) (bool, error) {
	bucket := bucketName(sweep)

	kv, err := s.js.KeyValue(bucket)
	switch {
	case errors.Is(err, nats.ErrBucketNotFound):
		kv, err = s.createBucket(bucket, ttl)
		if err != nil {
			return false, err
		}
	case err != nil:
		return false, fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	default:
		// Bucket survives from an earlier run. If its lease key is gone the
		// previous owner is dead; reclaim by recreating with the new TTL.
		if _, gerr := kv.Get(leaseKey); gerr != nil {
			if !errors.Is(gerr, nats.ErrKeyNotFound) {
				return false, fmt.Errorf("failed to read lease: %w", gerr)
			}
			s.logger.Warn("Reclaiming expired sweep bucket", zap.String("sweep", sweep))
			if derr := s.js.DeleteKeyValue(bucket); derr != nil {
				return false, fmt.Errorf("failed to reclaim bucket %s: %w", bucket, derr)
			}
			kv, err = s.createBucket(bucket, ttl)
			if err != nil {
				return false, err
			}
		}
	}

	_, err = kv.Create(leaseKey, []byte(owner))
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	s.logger.Info("Acquired sweep lease",
		zap.String("sweep", sweep),
		zap.String("owner", owner),
		zap.Duration("ttl", ttl))
	return true, nil
}

// ReleaseLease implements Store.ReleaseLease
func (s *NATSStore) ReleaseLease(ctx context.Context, sweep, owner string) error {
	bucket := bucketName(sweep)

	kv, err := s.js.KeyValue(bucket)
	if err != nil {
		if errors.Is(err, nats.ErrBucketNotFound) {
			return nil
		}
		return fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	}

	entry, err := kv.Get(leaseKey)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read lease: %w", err)
	}
	if string(entry.Value()) != owner {
		return ErrNotLeaseOwner
	}

	if err := s.js.DeleteKeyValue(bucket); err != nil {
		return fmt.Errorf("failed to delete bucket %s: %w", bucket, err)
	}
	s.logger.Info("Released sweep lease", zap.String("sweep", sweep))
	return nil
}

// AddPending implements Store.AddPending
func (s *NATSStore) AddPending(ctx context.Context, sweep string, members []string) error {
	kv, err := s.js.KeyValue(bucketName(sweep))
	if err != nil {
		return fmt.Errorf("failed to open bucket: %w", err)
	}
	for _, member := range members {
		if _, err := kv.Put(pendingPrefix+member, []byte{1}); err != nil {
			return fmt.Errorf("failed to add pending member %s: %w", member, err)
		}
	}
	return nil
}

// RemovePending implements Store.RemovePending
func (s *NATSStore) RemovePending(ctx context.Context, sweep, member string) (int, error) {
	kv, err := s.js.KeyValue(bucketName(sweep))
	if err != nil {
		if errors.Is(err, nats.ErrBucketNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open bucket: %w", err)
	}
	// Purge drops the key and its history so pending listings never see a
	// delete tombstone.
	if err := kv.Purge(pendingPrefix + member); err != nil {
		return 0, fmt.Errorf("failed to remove pending member %s: %w", member, err)
	}
	members, err := s.pendingKeys(kv)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// PendingCount implements Store.PendingCount
func (s *NATSStore) PendingCount(ctx context.Context, sweep string) (int, error) {
	members, err := s.PendingMembers(ctx, sweep)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// PendingMembers implements Store.PendingMembers
func (s *NATSStore) PendingMembers(ctx context.Context, sweep string) ([]string, error) {
	kv, err := s.js.KeyValue(bucketName(sweep))
	if err != nil {
		if errors.Is(err, nats.ErrBucketNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open bucket: %w", err)
	}
	return s.pendingKeys(kv)
}

func (s *NATSStore) createBucket(bucket string, ttl time.Duration) (nats.KeyValue, error) {
	kv, err := s.js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  bucket,
		TTL:     ttl,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return kv, nil
}

func (s *NATSStore) pendingKeys(kv nats.KeyValue) ([]string, error) {
	keys, err := kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	var members []string
	for _, key := range keys {
		if strings.HasPrefix(key, pendingPrefix) {
			members = append(members, strings.TrimPrefix(key, pendingPrefix))
		}
	}
	return members, nil
}

// bucketName maps a sweep name onto the bucket naming alphabet.
func bucketName(sweep string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, sweep)
	return "sweep-" + mapped
}
