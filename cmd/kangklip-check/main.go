// Pre-flight diagnostic: verifies every external dependency the API
// needs before it is started. Run it on a new deployment target with
// the production environment loaded.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"

	"github.com/Lexiie/KangKlip/internal/apperr"
	"github.com/Lexiie/KangKlip/internal/config"
	"github.com/Lexiie/KangKlip/internal/credits"
	"github.com/Lexiie/KangKlip/internal/nosana"
	"github.com/Lexiie/KangKlip/internal/objstore"
	"github.com/Lexiie/KangKlip/internal/store"
)

type component struct {
	name string
	test func(ctx context.Context) error
}

func main() {
	_ = godotenv.Load()

	fmt.Println("\033[96mKangKlip API - Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Checking %-28s \033[31m[FAIL]\033[0m\n", "Configuration...")
		fmt.Printf("  >> Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Checking %-28s \033[32m[OK]\033[0m\n", "Configuration...")

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	components := []component{
		{"Job Store (Redis)", func(ctx context.Context) error {
			st, err := store.New(cfg.Redis.URL)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Ping(ctx)
		}},
		{"Object Store (R2)", func(ctx context.Context) error {
			objects, err := objstore.New(ctx, cfg.ObjectStore, quiet)
			if err != nil {
				return err
			}
			// A not-found answer proves the bucket round trip works.
			var v struct{}
			err = objects.GetJSON(ctx, "preflight/.probe", &v)
			if err != nil && apperr.KindOf(err) != apperr.NotFound {
				return err
			}
			return nil
		}},
		{"GPU Fabric (Nosana)", func(ctx context.Context) error {
			fabric := nosana.NewClient(nosana.Config{
				APIBase: cfg.Fabric.APIBase,
				APIKey:  cfg.Fabric.APIKey,
				Market:  cfg.Fabric.Market,
			}, quiet)
			_, err := fabric.ProbeCache(ctx, cfg.Fabric.WorkerImage)
			return err
		}},
		{"Chain RPC (Solana)", func(ctx context.Context) error {
			_, err := rpc.New(cfg.Chain.RPCURL).GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
			return err
		}},
		{"Credits Program", func(ctx context.Context) error {
			// Derives the config account from the spender key and
			// program id; a bad keypair or program id fails here.
			_, err := credits.NewService(rpc.New(cfg.Chain.RPCURL), nil, cfg.Chain, quiet)
			return err
		}},
	}

	failed := 0
	for _, c := range components {
		fmt.Printf("Checking %-28s ", c.name+"...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.test(ctx)
		cancel()
		if err != nil {
			failed++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
			continue
		}
		fmt.Println("\033[32m[OK]\033[0m")
	}

	fmt.Println("---------------------------------------------------------")
	if failed > 0 {
		fmt.Printf("\033[31mStatus: %d check(s) failed.\033[0m\n", failed)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: Ready to serve.\033[0m")
}
