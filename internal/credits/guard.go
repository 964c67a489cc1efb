package credits

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/Lexiie/KangKlip/internal/circuitbreaker"
)

// GuardRPC wraps an RPC client so every node call shares one circuit
// breaker. Errors from the node pass through unchanged; while the
// breaker is open, calls fail fast with circuitbreaker.ErrOpen.
func GuardRPC(inner RPCClient, br *circuitbreaker.Breaker) RPCClient {
	return &guardedRPC{inner: inner, br: br}
}

type guardedRPC struct {
	inner RPCClient
	br    *circuitbreaker.Breaker
}

// call runs fn through the breaker. Not-found answers and context
// cancellation come from a healthy node (or from our own caller giving
// up), so they never count as node failures.
func (g *guardedRPC) call(fn func() error) error {
	var real error
	err := g.br.Call(func() error {
		real = fn()
		if errors.Is(real, rpc.ErrNotFound) ||
			errors.Is(real, context.Canceled) ||
			errors.Is(real, context.DeadlineExceeded) {
			return nil
		}
		return real
	})
	if err != nil {
		return err
	}
	return real
}

func (g *guardedRPC) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	var out *rpc.GetAccountInfoResult
	err := g.call(func() error {
		var e error
		out, e = g.inner.GetAccountInfo(ctx, account)
		return e
	})
	return out, err
}

func (g *guardedRPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	var out *rpc.GetLatestBlockhashResult
	err := g.call(func() error {
		var e error
		out, e = g.inner.GetLatestBlockhash(ctx, commitment)
		return e
	})
	return out, err
}

func (g *guardedRPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	var out solana.Signature
	err := g.call(func() error {
		var e error
		out, e = g.inner.SendTransactionWithOpts(ctx, tx, opts)
		return e
	})
	return out, err
}

func (g *guardedRPC) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	var out *rpc.GetSignatureStatusesResult
	err := g.call(func() error {
		var e error
		out, e = g.inner.GetSignatureStatuses(ctx, searchTransactionHistory, sigs...)
		return e
	})
	return out, err
}

func (g *guardedRPC) GetParsedTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetParsedTransactionOpts) (*rpc.GetParsedTransactionResult, error) {
	var out *rpc.GetParsedTransactionResult
	err := g.call(func() error {
		var e error
		out, e = g.inner.GetParsedTransaction(ctx, sig, opts)
		return e
	})
	return out, err
}
