package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/Lexiie/KangKlip/internal/apperr"
	"github.com/Lexiie/KangKlip/internal/config"
	"github.com/Lexiie/KangKlip/internal/store"
)

// Sentinel errors distinguishing where a consume attempt died. Callers
// branch on these: a definite failure never charged the wallet, a
// confirmation timeout may have.
var (
	ErrSubmitFailed   = errors.New("chain submit failed")
	ErrTxFailed       = errors.New("transaction failed on chain")
	ErrConfirmTimeout = errors.New("confirmation deadline exceeded")
)

// RPCClient is the slice of the Solana RPC surface the service uses.
// *rpc.Client satisfies it.
type RPCClient interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetParsedTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetParsedTransactionOpts) (*rpc.GetParsedTransactionResult, error)
}

// Service talks to the credits program. One spender key is shared by
// all handlers; each transaction gets its own recent blockhash.
type Service struct {
	rpc   RPCClient
	store *store.Store
	log   *slog.Logger

	programID solana.PublicKey
	authority solana.PublicKey
	mint      solana.PublicKey
	spender   solana.PrivateKey
	configPDA solana.PublicKey

	confirmTimeout time.Duration
	confirmPoll    time.Duration
}

func NewService(client RPCClient, st *store.Store, chain config.Chain, log *slog.Logger) (*Service, error) {
	configPDA, err := ConfigPDA(chain.ProgramID, chain.Authority)
	if err != nil {
		return nil, fmt.Errorf("derive config account: %w", err)
	}
	return &Service{
		rpc:            client,
		store:          st,
		log:            log,
		programID:      chain.ProgramID,
		authority:      chain.Authority,
		mint:           chain.USDCMint,
		spender:        chain.Spender,
		configPDA:      configPDA,
		confirmTimeout: 45 * time.Second,
		confirmPoll:    2 * time.Second,
	}, nil
}

// GetCredits reads the on-chain balance for a wallet. A missing credit
// account means the wallet never topped up and reads as zero.
func (s *Service) GetCredits(ctx context.Context, wallet solana.PublicKey) (uint64, error) {
	pda, err := UserCreditPDA(s.programID, wallet)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "derive credit account", err)
	}
	out, err := s.rpc.GetAccountInfo(ctx, pda)
	if errors.Is(err, rpc.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.Upstream, "chain unavailable", err)
	}
	if out == nil || out.Value == nil || out.Value.Data == nil {
		return 0, nil
	}
	credits, err := DecodeUserCredit(out.Value.Data.GetBinary(), wallet)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "credit account decode failed", err)
	}
	return credits, nil
}

// Intent builds the client-side purchase package for a wallet.
func (s *Service) Intent(wallet solana.PublicKey, creditsToBuy uint64) (*TopupIntent, error) {
	return BuildTopupIntent(s.programID, s.authority, s.mint, wallet, creditsToBuy)
}

// ConsumeCredit debits amount credits from wallet with the spender key
// and waits for confirmation at commitment confirmed. The returned
// signature is valid whenever the transaction was actually submitted,
// including on ErrConfirmTimeout.
func (s *Service) ConsumeCredit(ctx context.Context, wallet solana.PublicKey, amount uint64, memoNote string) (solana.Signature, error) {
	userCredit, err := UserCreditPDA(s.programID, wallet)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: derive credit account: %v", ErrSubmitFailed, err)
	}

	recent, err := s.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: blockhash: %v", ErrSubmitFailed, err)
	}

	ixs := []solana.Instruction{
		NewMemoInstruction(memoNote),
		NewConsumeCreditInstruction(s.programID, s.spender.PublicKey(), s.configPDA, wallet, userCredit, amount),
	}
	tx, err := solana.NewTransaction(ixs, recent.Value.Blockhash, solana.TransactionPayer(s.spender.PublicKey()))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: build transaction: %v", ErrSubmitFailed, err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.spender.PublicKey()) {
			return &s.spender
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("%w: sign: %v", ErrSubmitFailed, err)
	}

	sig, err := s.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}

	s.log.Info("consume_credit submitted", "wallet", wallet.String(), "amount", amount, "sig", sig.String())
	if err := s.awaitConfirmation(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

func (s *Service) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.confirmPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrConfirmTimeout, sig.String())
		case <-ticker.C:
		}

		out, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			// Transient status-poll errors keep polling until the
			// deadline; the transaction may still confirm.
			s.log.Warn("signature status poll failed", "sig", sig.String(), "error", err)
			continue
		}
		if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
			continue
		}
		st := out.Value[0]
		if st.Err != nil {
			return fmt.Errorf("%w: %v", ErrTxFailed, st.Err)
		}
		switch st.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return nil
		}
	}
}

// ConfirmTopup verifies a client-reported pay_usdc signature and marks
// it observed. The chain stays the ledger of record; the marker only
// prevents re-confirming the same receipt. Returns the fresh balance.
func (s *Service) ConfirmTopup(ctx context.Context, wallet solana.PublicKey, signature string) (uint64, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return 0, apperr.Wrap(apperr.Validation, "invalid transaction signature", err)
	}

	seen, err := s.store.TopupProcessed(ctx, sig.String())
	if err != nil {
		return 0, err
	}
	if seen {
		return s.GetCredits(ctx, wallet)
	}

	maxVersion := uint64(0)
	out, err := s.rpc.GetParsedTransaction(ctx, sig, &rpc.GetParsedTransactionOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return 0, apperr.New(apperr.Validation, "transaction not found")
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.Upstream, "chain unavailable", err)
	}
	if out == nil || out.Transaction == nil || out.Meta == nil {
		return 0, apperr.New(apperr.Validation, "transaction not found")
	}
	if out.Meta.Err != nil {
		return 0, apperr.Newf(apperr.Validation, "transaction failed on chain: %v", out.Meta.Err)
	}
	if !s.touchesProgram(out) {
		return 0, apperr.New(apperr.Validation, "transaction does not invoke the credits program")
	}

	if _, err := s.store.MarkTopupProcessed(ctx, sig.String(), wallet.String()); err != nil {
		return 0, err
	}
	s.log.Info("topup confirmed", "wallet", wallet.String(), "sig", sig.String())
	return s.GetCredits(ctx, wallet)
}

// touchesProgram scans outer and inner instructions for the credits
// program id.
func (s *Service) touchesProgram(out *rpc.GetParsedTransactionResult) bool {
	want := s.programID.String()
	match := func(ix *rpc.ParsedInstruction) bool {
		if ix == nil {
			return false
		}
		return ix.ProgramId.Equals(s.programID) || ix.Program == want
	}

	for _, ix := range out.Transaction.Message.Instructions {
		if match(ix) {
			return true
		}
	}
	for _, inner := range out.Meta.InnerInstructions {
		for _, ix := range inner.Instructions {
			if match(ix) {
				return true
			}
		}
	}
	return false
}
