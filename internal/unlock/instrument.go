package unlock

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/Lexiie/KangKlip/internal/credits"
	"github.com/Lexiie/KangKlip/internal/monitoring"
)

// InstrumentChain wraps a ChainService so every consume attempt lands
// in the chain duration histogram with its result class.
func InstrumentChain(inner ChainService, m *monitoring.Metrics) ChainService {
	return &instrumentedChain{inner: inner, metrics: m}
}

type instrumentedChain struct {
	inner   ChainService
	metrics *monitoring.Metrics
}

func (i *instrumentedChain) GetCredits(ctx context.Context, wallet solana.PublicKey) (uint64, error) {
	return i.inner.GetCredits(ctx, wallet)
}

func (i *instrumentedChain) ConsumeCredit(ctx context.Context, wallet solana.PublicKey, amount uint64, memoNote string) (solana.Signature, error) {
	start := time.Now()
	sig, err := i.inner.ConsumeCredit(ctx, wallet, amount, memoNote)
	i.metrics.RecordChainConsume(consumeResult(err), time.Since(start).Seconds())
	return sig, err
}

func consumeResult(err error) string {
	switch {
	case err == nil:
		return "confirmed"
	case errors.Is(err, credits.ErrSubmitFailed):
		return "submit_failed"
	case errors.Is(err, credits.ErrTxFailed):
		return "tx_failed"
	case errors.Is(err, credits.ErrConfirmTimeout):
		return "timeout"
	default:
		return "error"
	}
}
