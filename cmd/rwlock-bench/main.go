package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-rwlock/v1/rwmutex"
	"github.com/mirkobrombin/go-rwlock/v1/store"
	"github.com/mirkobrombin/go-rwlock/v1/wakebus"
)

var (
	concurrency = flag.Int("c", 16, "Number of concurrent clients")
	rounds      = flag.Int("n", 100, "Acquire/release rounds per client")
	sleepTime   = flag.Duration("sleep", 10*time.Millisecond, "Retry interval")
	redisAddr   = flag.String("redis", "", "Redis address; empty runs in-memory")
	readers     = flag.Bool("readers", false, "Use shared locks instead of exclusive")
)

func main() {
	flag.Parse()

	var (
		st  store.Store
		bus wakebus.Bus
	)
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer client.Close()
		st = store.NewRedisStore(client)
		bus = wakebus.NewRedisBus(client)
		log.Printf("Benchmarking against Redis at %s", *redisAddr)
	} else {
		st = store.NewInMemoryStore()
		bus = wakebus.NewInMemoryBus()
		log.Print("Benchmarking against the in-memory store")
	}

	ctx := context.Background()
	var ops int64
	start := time.Now()

	var g errgroup.Group
	for i := 0; i < *concurrency; i++ {
		m, err := rwmutex.New(st, "bench", uuid.NewString(),
			rwmutex.WithSleepTime(*sleepTime),
			rwmutex.WithWakeBus(bus))
		if err != nil {
			log.Fatalf("Setup failed: %v", err)
		}
		g.Go(func() error {
			for j := 0; j < *rounds; j++ {
				if *readers {
					if err := m.RLock(ctx); err != nil {
						return err
					}
					if err := m.RUnlock(ctx); err != nil {
						return err
					}
				} else {
					if err := m.Lock(ctx); err != nil {
						return err
					}
					if err := m.Unlock(ctx); err != nil {
						return err
					}
				}
				atomic.AddInt64(&ops, 1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}

	elapsed := time.Since(start)
	mode := "write"
	if *readers {
		mode = "read"
	}
	log.Printf("Finished in %v", elapsed)
	fmt.Printf("%d %s acquire/release pairs, %.2f pairs/s\n",
		ops, mode, float64(ops)/elapsed.Seconds())
}
