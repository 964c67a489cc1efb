package credits

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lexiie/KangKlip/internal/apperr"
	"github.com/Lexiie/KangKlip/internal/circuitbreaker"
)

func newGuardBreaker(tripAfter uint32) *circuitbreaker.Breaker {
	return circuitbreaker.New(
		circuitbreaker.Config{Name: "solana-test", TripAfter: tripAfter},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func TestGuardPassesResultsThrough(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	inner := &fakeRPC{
		accountInfo: func(solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
			return accountResult(userCreditAccountBytes(wallet, 3, 254)), nil
		},
	}
	guarded := GuardRPC(inner, newGuardBreaker(3))

	out, err := guarded.GetAccountInfo(context.Background(), wallet)
	require.NoError(t, err)
	require.NotNil(t, out.Value)
}

func TestGuardNotFoundNeverTrips(t *testing.T) {
	br := newGuardBreaker(3)
	guarded := GuardRPC(&fakeRPC{}, br)

	// Fresh wallets have no credit account; that answer must never
	// read as a node outage.
	for i := 0; i < 10; i++ {
		_, err := guarded.GetAccountInfo(context.Background(), solana.NewWallet().PublicKey())
		require.ErrorIs(t, err, rpc.ErrNotFound)
	}
	assert.Equal(t, circuitbreaker.Closed, br.State())
}

func TestGuardTripsOnOutage(t *testing.T) {
	calls := 0
	inner := &fakeRPC{
		accountInfo: func(solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
			calls++
			return nil, errors.New("connection refused")
		},
	}
	br := newGuardBreaker(3)
	guarded := GuardRPC(inner, br)

	for i := 0; i < 3; i++ {
		_, err := guarded.GetAccountInfo(context.Background(), solana.NewWallet().PublicKey())
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.Open, br.State())

	_, err := guarded.GetAccountInfo(context.Background(), solana.NewWallet().PublicKey())
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 3, calls, "open circuit must not reach the node")
}

func TestGuardedServiceMapsOpenCircuitToUpstream(t *testing.T) {
	inner := &fakeRPC{
		accountInfo: func(solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
			return nil, errors.New("connection refused")
		},
	}
	br := newGuardBreaker(1)
	svc, _ := newTestService(t, GuardRPC(inner, br))

	wallet := solana.NewWallet().PublicKey()
	_, err := svc.GetCredits(context.Background(), wallet)
	require.Error(t, err)
	require.Equal(t, circuitbreaker.Open, br.State())

	_, err = svc.GetCredits(context.Background(), wallet)
	require.Error(t, err)
	assert.Equal(t, apperr.Upstream, apperr.KindOf(err))
}
