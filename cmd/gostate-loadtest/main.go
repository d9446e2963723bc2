package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	goState "github.com/MrEthical07/goState"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		identifiers = flag.Int("identifiers", 1000, "distinct rate-limit identifiers")
		maxRequests = flag.Int("max", 50, "window capacity per identifier")
		principals  = flag.Int("principals", 1000, "principals used by the session phase")
		rooms       = flag.Int("rooms", 100, "rooms used by the presence phase")
		concurrency = flag.Int("concurrency", 256, "concurrent workers")
		ops         = flag.Int("ops", 200000, "operations per phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *identifiers <= 0 || *maxRequests <= 0 || *principals <= 0 || *rooms <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "all counts must be > 0")
		os.Exit(2)
	}

	client, cleanup, err := connect(*redisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cleanup()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	engine, err := goState.New().WithRedis(client).WithLogger(logger).Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx := context.Background()
	window := goState.Window{Name: "loadtest", Length: time.Hour, MaxRequests: *maxRequests}

	rl, overAdmitted, err := runRateLimitPhase(ctx, engine, window, *identifiers, *ops, *concurrency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rate-limit phase: %v\n", err)
		os.Exit(1)
	}
	sess, err := runSessionPhase(ctx, engine, *principals, *ops, *concurrency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "session phase: %v\n", err)
		os.Exit(1)
	}
	pres, err := runPresencePhase(ctx, engine, *rooms, *ops, *concurrency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "presence phase: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("---- results ----")
	printStats("check_rate_limit", rl)
	printStats("session_create_get", sess)
	printStats("join_leave", pres)

	if overAdmitted > 0 {
		fmt.Fprintf(os.Stderr, "FAIL: %d identifiers admitted more than %d requests\n", overAdmitted, *maxRequests)
		os.Exit(1)
	}
	fmt.Println("no identifier exceeded its window")
}

func connect(addr string) (redis.UniversalClient, func(), error) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		fmt.Printf("using redis at %s\n", addr)
		return client, func() { _ = client.Close() }, nil
	}

	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("start miniredis: %w", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	fmt.Printf("using miniredis at %s\n", mr.Addr())
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

// recorder collects per-operation latencies across workers.
type recorder struct {
	mu        sync.Mutex
	latencies []time.Duration
	failures  atomic.Int64
}

func (r *recorder) observe(d time.Duration, err error) {
	if err != nil {
		r.failures.Add(1)
	}
	r.mu.Lock()
	r.latencies = append(r.latencies, d)
	r.mu.Unlock()
}

// runPhase spreads ops across concurrency workers. Operation errors are
// counted, not returned; only ctx cancellation stops the phase.
func runPhase(ctx context.Context, ops, concurrency int, op func(ctx context.Context, r *rand.Rand, i int) error) (phaseStats, error) {
	rec := &recorder{latencies: make([]time.Duration, 0, ops)}
	var cursor atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()
	for w := 0; w < concurrency; w++ {
		seed := uint64(w)*7919 + 1
		g.Go(func() error {
			r := rand.New(rand.NewPCG(seed, uint64(time.Now().UnixNano())))
			for {
				i := int(cursor.Add(1)) - 1
				if i >= ops {
					return nil
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				t0 := time.Now()
				err := op(ctx, r, i)
				rec.observe(time.Since(t0), err)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return phaseStats{}, err
	}
	return computeStats(time.Since(start), rec.latencies, rec.failures.Load()), nil
}

func runRateLimitPhase(ctx context.Context, engine *goState.Engine, w goState.Window, identifiers, ops, concurrency int) (phaseStats, int, error) {
	admitted := make([]atomic.Int64, identifiers)
	stats, err := runPhase(ctx, ops, concurrency, func(ctx context.Context, r *rand.Rand, _ int) error {
		idx := r.IntN(identifiers)
		res, err := engine.CheckRateLimit(ctx, "id-"+strconv.Itoa(idx), w)
		if err == nil && res.Allowed {
			admitted[idx].Add(1)
		}
		return err
	})
	if err != nil {
		return stats, 0, err
	}

	over := 0
	for i := range admitted {
		if admitted[i].Load() > int64(w.MaxRequests) {
			over++
		}
	}
	return stats, over, nil
}

func runSessionPhase(ctx context.Context, engine *goState.Engine, principals, ops, concurrency int) (phaseStats, error) {
	return runPhase(ctx, ops, concurrency, func(ctx context.Context, r *rand.Rand, _ int) error {
		p := goState.Principal{ID: "u-" + strconv.Itoa(r.IntN(principals)), Role: "member"}
		sid, err := engine.CreateSession(ctx, p, nil)
		if err != nil {
			return err
		}
		sess, err := engine.GetSession(ctx, sid)
		if err != nil {
			return err
		}
		if sess == nil || sess.PrincipalID != p.ID {
			return fmt.Errorf("session %s not readable after create", sid)
		}
		return nil
	})
}

func runPresencePhase(ctx context.Context, engine *goState.Engine, rooms, ops, concurrency int) (phaseStats, error) {
	return runPhase(ctx, ops, concurrency, func(ctx context.Context, r *rand.Rand, i int) error {
		id := "conn-" + strconv.Itoa(i)
		room := "room-" + strconv.Itoa(r.IntN(rooms))
		if _, err := engine.RegisterConnection(ctx, id, "", nil); err != nil {
			return err
		}
		if _, err := engine.JoinRoom(ctx, id, room); err != nil {
			return err
		}
		if err := engine.LeaveRoom(ctx, id, room); err != nil {
			return err
		}
		_, err := engine.RemoveConnection(ctx, id)
		return err
	})
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	switch {
	case len(samples) == 0:
		return 0
	case p <= 0:
		return samples[0]
	case p >= 100:
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
