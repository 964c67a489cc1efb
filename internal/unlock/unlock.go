// Package unlock drives the credit-spend state machine for clip
// unlocks. Per unlock request id the states are
// Absent -> Pending -> Final(New | Replay | Insufficient); the store's
// scripted primitive plus the set-if-absent claim give at most one New
// outcome per id with no process-local locks.
package unlock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/Lexiie/KangKlip/internal/apperr"
	"github.com/Lexiie/KangKlip/internal/credits"
	"github.com/Lexiie/KangKlip/internal/store"
)

// finalityHorizon is how old a pending marker must be before the
// startup sweep finishes it. Younger markers may belong to an unlock
// still in flight on another node, and their transactions may not have
// reached finality yet.
const finalityHorizon = 60 * time.Second

// ChainService is the slice of the credit service the coordinator
// uses.
type ChainService interface {
	GetCredits(ctx context.Context, wallet solana.PublicKey) (uint64, error)
	ConsumeCredit(ctx context.Context, wallet solana.PublicKey, amount uint64, memoNote string) (solana.Signature, error)
}

// Result is the success body of an unlock. Failures travel as kinded
// errors; replays of stored failures reproduce the original status and
// message.
type Result struct {
	JobID          string `json:"job_id"`
	ClipFile       string `json:"clip_file"`
	Unlocked       bool   `json:"unlocked"`
	ChargedCredits int    `json:"charged_credits"`
	Idempotency    string `json:"idempotency"`
}

type Coordinator struct {
	store *store.Store
	chain ChainService
	log   *slog.Logger
	now   func() time.Time
}

func NewCoordinator(st *store.Store, chain ChainService, log *slog.Logger) *Coordinator {
	return &Coordinator{store: st, chain: chain, log: log, now: time.Now}
}

// Unlock settles one (jobId, clipFile, requestID) attempt for wallet.
// Callers must have authenticated both tokens and verified the clip
// against the job manifest before calling.
func (c *Coordinator) Unlock(ctx context.Context, jobID, clipFile string, wallet solana.PublicKey, requestID string) (*Result, error) {
	walletStr := wallet.String()

	// Crash recovery: a marker for this id matching the target means a
	// consume confirmed but the local commit never ran.
	pending, err := c.store.GetPendingUnlock(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if pending != nil && pending.JobID == jobID && pending.ClipFile == clipFile {
		return c.finishPending(ctx, requestID, pending)
	}

	// Already-unlocked clips replay for free regardless of request id.
	unlocked, err := c.store.ClipUnlocked(ctx, jobID, clipFile)
	if err != nil {
		return nil, err
	}
	if unlocked {
		out := replayOutcome()
		if err := c.store.PutUnlockOutcome(ctx, requestID, out); err != nil {
			return nil, err
		}
		return c.respond(jobID, clipFile, out)
	}

	// Stored outcome for this id wins over everything below.
	out, err := c.store.GetUnlockOutcome(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if out.Final() {
			return c.respond(jobID, clipFile, out)
		}
		return nil, apperr.New(apperr.Conflict, "unlock in progress")
	}

	// Claim the id. Losing the race means another attempt owns it.
	claimed, err := c.store.BeginUnlock(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		out, err := c.store.GetUnlockOutcome(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if out.Final() {
			return c.respond(jobID, clipFile, out)
		}
		return nil, apperr.New(apperr.Conflict, "unlock in progress")
	}

	return c.settle(ctx, jobID, clipFile, wallet, walletStr, requestID)
}

// settle runs the funded path for a freshly claimed request id.
func (c *Coordinator) settle(ctx context.Context, jobID, clipFile string, wallet solana.PublicKey, walletStr, requestID string) (*Result, error) {
	balance, err := c.chain.GetCredits(ctx, wallet)
	if err != nil {
		// Nothing was submitted; release the claim so the client can
		// retry with the same id.
		if derr := c.store.DeleteUnlockOutcome(ctx, requestID); derr != nil {
			c.log.Error("release unlock claim failed", "request_id", requestID, "error", derr)
		}
		return nil, err
	}
	if balance < 1 {
		return c.burn(ctx, jobID, clipFile, requestID, store.ReasonInsufficientCredits)
	}

	sig, err := c.chain.ConsumeCredit(ctx, wallet, 1, requestID)
	if err != nil {
		return c.settleConsumeFailure(ctx, jobID, clipFile, wallet, walletStr, requestID, err)
	}

	marker := &store.PendingUnlock{
		JobID:     jobID,
		ClipFile:  clipFile,
		Wallet:    walletStr,
		TxSig:     sig.String(),
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.PutPendingUnlock(ctx, requestID, marker); err != nil {
		// The consume confirmed; the commit below is still the best
		// path to deliver what was paid for.
		c.log.Error("pending unlock write failed", "request_id", requestID, "error", err)
	}

	res, err := c.store.TryConsumeCredit(ctx, jobID, clipFile, walletStr, requestID, int64(balance))
	if err != nil {
		return nil, err
	}
	if res.Kind == store.ConsumeInsufficient {
		// The spend guard saw the snapshot exhausted by earlier
		// uncertain consumes. The marker stays: a retry with this id
		// recovers the unlock that was just paid for.
		return c.burn(ctx, jobID, clipFile, requestID, store.ReasonInsufficientCredits)
	}

	if _, err := c.store.DeletePendingUnlock(ctx, requestID); err != nil {
		c.log.Error("pending unlock delete failed", "request_id", requestID, "error", err)
	}
	c.log.Info("clip unlocked",
		"job_id", jobID, "clip_file", clipFile, "wallet", walletStr,
		"charged", res.Outcome.ChargedCredits, "sig", sig.String())
	return c.respond(jobID, clipFile, res.Outcome)
}

// settleConsumeFailure classifies a failed consume. Timeouts may have
// charged the wallet, so the local spend counter is reserved; definite
// failures are classified by re-reading the balance.
func (c *Coordinator) settleConsumeFailure(ctx context.Context, jobID, clipFile string, wallet solana.PublicKey, walletStr, requestID string, consumeErr error) (*Result, error) {
	if errors.Is(consumeErr, credits.ErrConfirmTimeout) {
		if _, err := c.store.IncrWalletSpend(ctx, walletStr); err != nil {
			c.log.Error("spend reserve failed", "wallet", walletStr, "error", err)
		}
		c.log.Warn("consume confirmation timed out",
			"job_id", jobID, "clip_file", clipFile, "wallet", walletStr, "error", consumeErr)
		return c.burn(ctx, jobID, clipFile, requestID, store.ReasonChainFailure)
	}

	balance, err := c.chain.GetCredits(ctx, wallet)
	if err == nil && balance < 1 {
		return c.burn(ctx, jobID, clipFile, requestID, store.ReasonInsufficientCredits)
	}
	c.log.Warn("consume failed",
		"job_id", jobID, "clip_file", clipFile, "wallet", walletStr, "error", consumeErr)
	return c.burn(ctx, jobID, clipFile, requestID, store.ReasonChainFailure)
}

// burn finalizes a request id with a failure outcome so retries of the
// same id reproduce it instead of re-charging.
func (c *Coordinator) burn(ctx context.Context, jobID, clipFile, requestID, reason string) (*Result, error) {
	out := &store.UnlockOutcome{
		Unlocked:    false,
		Idempotency: store.IdemNew,
		Status:      store.OutcomeFinal,
		Reason:      reason,
	}
	if err := c.store.PutUnlockOutcome(ctx, requestID, out); err != nil {
		return nil, err
	}
	return c.respond(jobID, clipFile, out)
}

// finishPending completes a recovered marker: the chain already
// debited, so the clip unlocks without a new charge.
func (c *Coordinator) finishPending(ctx context.Context, requestID string, p *store.PendingUnlock) (*Result, error) {
	if err := c.store.SetClipUnlocked(ctx, p.JobID, p.ClipFile); err != nil {
		return nil, err
	}
	if _, err := c.store.DeletePendingUnlock(ctx, requestID); err != nil {
		return nil, err
	}
	out := replayOutcome()
	if err := c.store.PutUnlockOutcome(ctx, requestID, out); err != nil {
		return nil, err
	}
	c.log.Info("recovered pending unlock",
		"job_id", p.JobID, "clip_file", p.ClipFile, "wallet", p.Wallet, "sig", p.TxSig)
	return c.respond(p.JobID, p.ClipFile, out)
}

// RecoverStale sweeps markers older than the finality horizon, letting
// paid-for unlocks land even when no retry ever arrives. Returns how
// many markers were finished.
func (c *Coordinator) RecoverStale(ctx context.Context) (int, error) {
	recovered := 0
	err := c.store.ScanPendingUnlocks(ctx, func(requestID string, p *store.PendingUnlock) error {
		if c.now().Sub(p.CreatedAt) < finalityHorizon {
			return nil
		}
		if _, err := c.finishPending(ctx, requestID, p); err != nil {
			return err
		}
		recovered++
		return nil
	})
	return recovered, err
}

func replayOutcome() *store.UnlockOutcome {
	return &store.UnlockOutcome{
		Unlocked:    true,
		Idempotency: store.IdemReplay,
		Status:      store.OutcomeFinal,
	}
}

// respond maps a stored outcome to the wire: success bodies for
// unlocked outcomes, kinded errors for stored failures.
func (c *Coordinator) respond(jobID, clipFile string, out *store.UnlockOutcome) (*Result, error) {
	if out.Unlocked {
		return &Result{
			JobID:          jobID,
			ClipFile:       clipFile,
			Unlocked:       true,
			ChargedCredits: out.ChargedCredits,
			Idempotency:    out.Idempotency,
		}, nil
	}
	switch out.Reason {
	case store.ReasonInsufficientCredits:
		return nil, apperr.New(apperr.PaymentRequired, "insufficient credits")
	default:
		return nil, apperr.New(apperr.Upstream, "chain failure")
	}
}
