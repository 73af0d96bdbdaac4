// Command latch-bench measures lock and cache-aside throughput against the
// supported backends.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-latch/v1/cacheaside"
	"github.com/mirkobrombin/go-latch/v1/key"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 10000, "Requests")
	keys        = flag.Int("k", 16, "Distinct keys (lower means more contention)")
	dataSize    = flag.Int("d", 256, "Payload size for cache benchmarks")
	target      = flag.String("target", "memory", "Targets: memory, redis, etcd (comma separated)")
	mode        = flag.String("mode", "lock,cache", "Benchmarks: lock, cache (comma separated)")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
	etcdAddr    = flag.String("etcd-addr", "localhost:2379", "etcd endpoint")
)

func main() {
	flag.Parse()

	payload := []byte(strings.Repeat("x", *dataSize))

	fmt.Printf("| %-8s | %-6s | %-10s | %-12s | %-12s |\n", "Backend", "Mode", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|:---|")

	for _, t := range strings.Split(*target, ",") {
		for _, m := range strings.Split(*mode, ",") {
			runBenchmark(strings.TrimSpace(t), strings.TrimSpace(m), payload)
		}
	}
}

func openBackend(ctx context.Context, name string) (*presets.Backend, error) {
	switch name {
	case "memory":
		return presets.NewInMemory(), nil
	case "redis":
		return presets.NewRedis(presets.RedisOptions{Addr: *redisAddr}), nil
	case "etcd":
		return presets.NewEtcd(ctx, presets.EtcdOptions{Endpoints: []string{*etcdAddr}, Prefix: "latch-bench/"})
	}
	return nil, fmt.Errorf("unknown target %q", name)
}

func runBenchmark(name, m string, payload []byte) {
	ctx := context.Background()
	b, err := openBackend(ctx, name)
	if err != nil {
		log.Printf("%s: %v", name, err)
		return
	}
	defer b.Close()

	var op func(ctx context.Context, i int) error
	switch m {
	case "lock":
		l := b.Locker(lock.WithBackoff(time.Millisecond), lock.WithTimeout(time.Minute))
		op = func(ctx context.Context, i int) error {
			return l.Lock(ctx, key.New("bench", i%*keys), func(context.Context) error { return nil })
		}
	case "cache":
		c := presets.NewCache[[]byte](b, cacheaside.WithCodec(cacheaside.ByteCodec{}))
		op = func(ctx context.Context, i int) error {
			_, _, err := c.Get(ctx, key.New("/bench", i%*keys), func(context.Context) ([]byte, bool, error) {
				return payload, true, nil
			})
			return err
		}
	default:
		log.Printf("Unknown mode: %s", m)
		return
	}

	var ops int64
	totalReqs := *requests
	latencies := make([]int64, totalReqs)
	chunk := totalReqs / *concurrency

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < *concurrency; w++ {
		offset := w * chunk
		g.Go(func() error {
			for j := 0; j < chunk; j++ {
				reqStart := time.Now()
				if err := op(ctx, offset+j); err != nil {
					return err
				}
				atomic.AddInt64(&ops, 1)
				latencies[offset+j] = time.Since(reqStart).Nanoseconds()
			}
			return nil
		})
	}
	err = g.Wait()
	elapsed := time.Since(start)

	if ops == 0 || err != nil {
		log.Printf("%s/%s: %v", name, m, err)
		fmt.Printf("| %-8s | %-6s | %-10s | %-12s | %-12s |\n", name, m, "ERROR", "-", "-")
		return
	}

	throughput := float64(ops) / elapsed.Seconds()
	avgLat := time.Duration(elapsed.Nanoseconds() / ops * int64(*concurrency))

	valid := make([]int64, 0, ops)
	for _, l := range latencies {
		if l > 0 {
			valid = append(valid, l)
		}
	}
	p99 := "-"
	if len(valid) > 0 {
		sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })
		idx := int(float64(len(valid)) * 0.99)
		if idx >= len(valid) {
			idx = len(valid) - 1
		}
		p99 = time.Duration(valid[idx]).String()
	}

	fmt.Printf("| %-8s | %-6s | %-10.0f | %-12s | %-12s |\n", name, m, throughput, avgLat, p99)
}
