package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const defaultEtcdOpTimeout = 5 * time.Second

// EtcdStore implements Store on top of etcd. Expiring entries are attached to
// a lease; etcd leases have a granularity of one second so TTLs are rounded up.
type EtcdStore struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration
}

// EtcdOption configures an EtcdStore.
type EtcdOption func(*EtcdStore)

// WithEtcdPrefix namespaces every key written by the store.
func WithEtcdPrefix(prefix string) EtcdOption {
	return func(s *EtcdStore) {
		s.prefix = prefix
	}
}

// WithEtcdTimeout sets the per-request timeout.
func WithEtcdTimeout(d time.Duration) EtcdOption {
	return func(s *EtcdStore) {
		s.timeout = d
	}
}

// NewEtcdStore returns a Store using the provided etcd client.
func NewEtcdStore(client *clientv3.Client, opts ...EtcdOption) *EtcdStore {
	s := &EtcdStore{client: client, timeout: defaultEtcdOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func leaseSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// SetIfAbsent implements Store.SetIfAbsent with a lease and a transaction
// guarded on the key not existing yet.
func (s *EtcdStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, ctxErr(err)
	}
	k := s.prefix + key
	var opts []clientv3.OpOption
	var lease clientv3.LeaseID
	if ttl > 0 {
		gctx, cancel := context.WithTimeout(ctx, s.timeout)
		resp, err := s.client.Grant(gctx, leaseSeconds(ttl))
		cancel()
		if err != nil {
			return false, etcdErr(ctx, err)
		}
		lease = resp.ID
		opts = append(opts, clientv3.WithLease(lease))
	}

	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.client.Txn(tctx).
		If(clientv3.Compare(clientv3.Version(k), "=", 0)).
		Then(clientv3.OpPut(k, string(value), opts...)).
		Commit()
	if err != nil || !resp.Succeeded {
		if lease != 0 {
			s.revoke(lease)
		}
	}
	if err != nil {
		return false, etcdErr(ctx, err)
	}
	return resp.Succeeded, nil
}

func (s *EtcdStore) revoke(lease clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, _ = s.client.Revoke(ctx, lease)
}

// Get implements Store.Get.
func (s *EtcdStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, ctxErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.client.Get(cctx, s.prefix+key)
	if err != nil {
		return nil, false, etcdErr(ctx, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

// Set implements Store.Set.
func (s *EtcdStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	var opts []clientv3.OpOption
	if ttl > 0 {
		gctx, cancel := context.WithTimeout(ctx, s.timeout)
		resp, err := s.client.Grant(gctx, leaseSeconds(ttl))
		cancel()
		if err != nil {
			return etcdErr(ctx, err)
		}
		opts = append(opts, clientv3.WithLease(resp.ID))
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.client.Put(cctx, s.prefix+key, string(value), opts...); err != nil {
		return etcdErr(ctx, err)
	}
	return nil
}

// Delete implements Store.Delete.
func (s *EtcdStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, ctxErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.client.Delete(cctx, s.prefix+key)
	if err != nil {
		return false, etcdErr(ctx, err)
	}
	return resp.Deleted > 0, nil
}

// DeleteIfEqual implements CompareDeleter.
func (s *EtcdStore) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, ctxErr(err)
	}
	k := s.prefix + key
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.client.Txn(cctx).
		If(clientv3.Compare(clientv3.Value(k), "=", string(value))).
		Then(clientv3.OpDelete(k)).
		Commit()
	if err != nil {
		return false, etcdErr(ctx, err)
	}
	return resp.Succeeded, nil
}

func etcdErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return ctxErr(cerr)
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", latcherrors.ErrStoreUnavailable, latcherrors.ErrTimeout)
	}
	if stdErrors.Is(err, clientv3.ErrNoAvailableEndpoints) {
		return fmt.Errorf("%w: %w", latcherrors.ErrStoreUnavailable, latcherrors.ErrConnectionClosed)
	}
	return fmt.Errorf("%w: %w", latcherrors.ErrStoreUnavailable, err)
}

var (
	_ Store          = (*EtcdStore)(nil)
	_ CompareDeleter = (*EtcdStore)(nil)
)
