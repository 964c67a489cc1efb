// Load driver for the unlock path. Floods the coordinator with
// concurrent unlock attempts against an in-process Redis and a stub
// chain, then reports latency percentiles and checks the delivery
// guarantees: no failed attempts, every targeted clip ends unlocked,
// and every local charge is backed by an on-chain consume.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Lexiie/KangKlip/internal/store"
	"github.com/Lexiie/KangKlip/internal/unlock"
)

type loadConfig struct {
	Attempts    int
	Concurrency int
	Targets     int
	Wallets     int
	Report      time.Duration
}

type loadStats struct {
	Total    atomic.Uint64
	Charged  atomic.Uint64
	Replays  atomic.Uint64
	Failures atomic.Uint64

	mu        sync.Mutex
	latencies []time.Duration
	min, max  time.Duration
}

type target struct {
	jobID    string
	clipFile string
}

// stubChain answers instantly with a deep balance; the run measures
// the store's scripted primitive, not chain latency.
type stubChain struct {
	consumes atomic.Uint64
}

func (s *stubChain) GetCredits(context.Context, solana.PublicKey) (uint64, error) {
	return 1 << 30, nil
}

func (s *stubChain) ConsumeCredit(context.Context, solana.PublicKey, uint64, string) (solana.Signature, error) {
	s.consumes.Add(1)
	return solana.Signature{1}, nil
}

func main() {
	attempts := flag.Int("attempts", 5000, "Number of unlock attempts")
	concurrency := flag.Int("concurrency", 100, "Concurrent workers")
	targets := flag.Int("targets", 200, "Distinct (job, clip) pairs")
	wallets := flag.Int("wallets", 25, "Distinct wallets")
	report := flag.Duration("report", 2*time.Second, "Progress report interval")
	flag.Parse()

	cfg := loadConfig{
		Attempts:    *attempts,
		Concurrency: *concurrency,
		Targets:     *targets,
		Wallets:     *wallets,
		Report:      *report,
	}

	slog.Info("🚀 starting unlock load test",
		"attempts", cfg.Attempts, "concurrency", cfg.Concurrency,
		"targets", cfg.Targets, "wallets", cfg.Wallets)

	ok, err := runLoadTest(cfg)
	if err != nil {
		log.Fatalf("loadtest: %v", err)
	}
	if !ok {
		os.Exit(1)
	}
}

func runLoadTest(cfg loadConfig) (bool, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return false, fmt.Errorf("start redis: %w", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: cfg.Concurrency})
	defer rdb.Close()
	st := store.NewWithClient(rdb)

	chain := &stubChain{}
	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	coord := unlock.NewCoordinator(st, chain, quiet)

	targets := make([]target, cfg.Targets)
	for i := range targets {
		targets[i] = target{
			jobID:    fmt.Sprintf("kk_load_%04d", i/8),
			clipFile: fmt.Sprintf("clip_%02d.mp4", i%8),
		}
	}
	walletKeys := make([]solana.PublicKey, cfg.Wallets)
	for i := range walletKeys {
		walletKeys[i] = solana.NewWallet().PublicKey()
	}

	stats := &loadStats{min: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportProgress(ctx, stats, cfg.Report)

	work := make(chan int, cfg.Attempts)
	var wg sync.WaitGroup
	startTime := time.Now()
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range work {
				t := targets[n%len(targets)]
				wallet := walletKeys[n%len(walletKeys)]
				runAttempt(ctx, coord, t, wallet, stats)
			}
		}()
	}
	for i := 0; i < cfg.Attempts; i++ {
		work <- i
	}
	close(work)
	wg.Wait()
	elapsed := time.Since(startTime)

	// Every targeted clip must be delivered-eligible when the dust
	// settles, no matter how the attempts raced.
	undelivered := 0
	for _, t := range targets {
		unlocked, err := st.ClipUnlocked(context.Background(), t.jobID, t.clipFile)
		if err != nil {
			return false, fmt.Errorf("verify %s/%s: %w", t.jobID, t.clipFile, err)
		}
		if !unlocked {
			undelivered++
		}
	}

	return printResults(stats, chain, elapsed, len(targets), undelivered), nil
}

func runAttempt(ctx context.Context, coord *unlock.Coordinator, t target, wallet solana.PublicKey, stats *loadStats) {
	start := time.Now()
	res, err := coord.Unlock(ctx, t.jobID, t.clipFile, wallet, uuid.New().String())
	latency := time.Since(start)

	stats.Total.Add(1)
	switch {
	case err != nil:
		stats.Failures.Add(1)
	case res.ChargedCredits > 0:
		stats.Charged.Add(1)
	default:
		stats.Replays.Add(1)
	}

	stats.mu.Lock()
	stats.latencies = append(stats.latencies, latency)
	if latency > stats.max {
		stats.max = latency
	}
	if latency < stats.min {
		stats.min = latency
	}
	stats.mu.Unlock()
}

func reportProgress(ctx context.Context, stats *loadStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			slog.Info("progress",
				"total", stats.Total.Load(),
				"charged", stats.Charged.Load(),
				"replays", stats.Replays.Load(),
				"failures", stats.Failures.Load())
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *loadStats, chain *stubChain, elapsed time.Duration, targets, undelivered int) bool {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	total := stats.Total.Load()
	charged := stats.Charged.Load()
	replays := stats.Replays.Load()
	failures := stats.Failures.Load()
	consumes := chain.consumes.Load()
	throughput := float64(total) / elapsed.Seconds()

	stats.mu.Lock()
	avg := averageLatency(stats.latencies)
	p95 := percentileLatency(stats.latencies, 95)
	p99 := percentileLatency(stats.latencies, 99)
	stats.mu.Unlock()

	fmt.Println("\n" + separator)
	fmt.Println("📊 UNLOCK LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Attempts:               %d\n", total)
	fmt.Printf("Charged unlocks:        %d\n", charged)
	fmt.Printf("Free replays:           %d\n", replays)
	fmt.Printf("Failures:               %d\n", failures)
	fmt.Printf("On-chain consumes:      %d (+%d racing the commit)\n", consumes, consumes-charged)
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", elapsed)
	fmt.Printf("Throughput:             %.2f unlocks/sec\n", throughput)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.min)
	fmt.Printf("Latency (avg):          %v\n", avg)
	fmt.Printf("Latency (p95):          %v\n", p95)
	fmt.Printf("Latency (p99):          %v\n", p99)
	fmt.Printf("Latency (max):          %v\n", stats.max)
	fmt.Println(separator)

	pass := true
	if failures == 0 {
		fmt.Println("✅ PASS: no failed attempts")
	} else {
		pass = false
		fmt.Printf("❌ FAIL: %d attempts errored\n", failures)
	}
	if undelivered == 0 {
		fmt.Printf("✅ PASS: all %d targeted clips delivered\n", targets)
	} else {
		pass = false
		fmt.Printf("❌ FAIL: %d clips never unlocked\n", undelivered)
	}
	if consumes >= charged {
		fmt.Println("✅ PASS: every local charge is backed by a consume")
	} else {
		pass = false
		fmt.Printf("❌ FAIL: %d charges lack an on-chain consume\n", charged-consumes)
	}
	if throughput >= 300 {
		fmt.Println("✅ PASS: throughput meets target (>300 unlocks/sec)")
	} else {
		fmt.Println("⚠️  WARN: throughput below target (<300 unlocks/sec)")
	}
	fmt.Println(separator + "\n")
	return pass
}

func averageLatency(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func percentileLatency(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := len(sorted) * percentile / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
