package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// newEtcdStore connects to the cluster listed in LATCH_TEST_ETCD_ENDPOINTS.
// The test is skipped when no cluster is configured.
func newEtcdStore(t *testing.T) *EtcdStore {
	t.Helper()
	endpoints := os.Getenv("LATCH_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("LATCH_TEST_ETCD_ENDPOINTS not set")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("etcd connect: %v", err)
	}
	prefix := "/latch-test/" + uuid.NewString() + "/"
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = client.Delete(ctx, prefix, clientv3.WithPrefix())
		_ = client.Close()
	})
	return NewEtcdStore(client, WithEtcdPrefix(prefix))
}

func TestEtcdStoreConformance(t *testing.T) {
	s := newEtcdStore(t)
	// etcd leases expire in real time.
	conformance(t, s, func(d time.Duration) { time.Sleep(d) })
}

func TestLeaseSeconds(t *testing.T) {
	cases := map[time.Duration]int64{
		0:                       1,
		100 * time.Millisecond:  1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		10 * time.Second:        10,
	}
	for in, want := range cases {
		if got := leaseSeconds(in); got != want {
			t.Errorf("leaseSeconds(%v) = %d, want %d", in, got, want)
		}
	}
}
