package credits

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lexiie/KangKlip/internal/apperr"
	"github.com/Lexiie/KangKlip/internal/config"
	"github.com/Lexiie/KangKlip/internal/store"
)

type fakeRPC struct {
	accountInfo func(solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	sendTx      func(*solana.Transaction) (solana.Signature, error)
	statuses    func(solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	parsedTx    func(solana.Signature) (*rpc.GetParsedTransactionResult, error)

	parsedCalls int
}

func (f *fakeRPC) GetAccountInfo(_ context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if f.accountInfo == nil {
		return nil, rpc.ErrNotFound
	}
	return f.accountInfo(account)
}

func (f *fakeRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	var h solana.Hash
	copy(h[:], []byte("test-blockhash-test-blockhash-00"))
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: h},
	}, nil
}

func (f *fakeRPC) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	if f.sendTx == nil {
		return solana.Signature{}, errors.New("send not wired")
	}
	return f.sendTx(tx)
}

func (f *fakeRPC) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	if f.statuses == nil {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	return f.statuses(sigs[0])
}

func (f *fakeRPC) GetParsedTransaction(_ context.Context, sig solana.Signature, _ *rpc.GetParsedTransactionOpts) (*rpc.GetParsedTransactionResult, error) {
	f.parsedCalls++
	if f.parsedTx == nil {
		return nil, rpc.ErrNotFound
	}
	return f.parsedTx(sig)
}

func newTestService(t *testing.T, client RPCClient) (*Service, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.NewWithClient(rdb)

	spender, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	chain := config.Chain{
		USDCMint:  solana.NewWallet().PublicKey(),
		Authority: solana.NewWallet().PublicKey(),
		ProgramID: solana.NewWallet().PublicKey(),
		Spender:   spender,
	}
	svc, err := NewService(client, st, chain, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	svc.confirmTimeout = 200 * time.Millisecond
	svc.confirmPoll = 5 * time.Millisecond
	return svc, st
}

func accountResult(data []byte) *rpc.GetAccountInfoResult {
	d := rpc.DataBytesOrJSONFromBytes(data)
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{Data: d}}
}

func TestGetCredits(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	client := &fakeRPC{
		accountInfo: func(solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
			return accountResult(userCreditAccountBytes(wallet, 7, 254)), nil
		},
	}
	svc, _ := newTestService(t, client)

	credits, err := svc.GetCredits(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), credits)
}

func TestGetCreditsMissingAccountIsZero(t *testing.T) {
	svc, _ := newTestService(t, &fakeRPC{})
	credits, err := svc.GetCredits(context.Background(), solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), credits)
}

func TestGetCreditsForeignOwnerIsZero(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	querier := solana.NewWallet().PublicKey()
	client := &fakeRPC{
		accountInfo: func(solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
			return accountResult(userCreditAccountBytes(owner, 7, 254)), nil
		},
	}
	svc, _ := newTestService(t, client)

	credits, err := svc.GetCredits(context.Background(), querier)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), credits)
}

func TestGetCreditsRPCErrorIsUpstream(t *testing.T) {
	client := &fakeRPC{
		accountInfo: func(solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
			return nil, errors.New("rpc down")
		},
	}
	svc, _ := newTestService(t, client)

	_, err := svc.GetCredits(context.Background(), solana.NewWallet().PublicKey())
	require.Error(t, err)
	assert.Equal(t, apperr.Upstream, apperr.KindOf(err))
}

func confirmedStatus() *rpc.GetSignatureStatusesResult {
	return &rpc.GetSignatureStatusesResult{
		Value: []*rpc.SignatureStatusesResult{
			{ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
		},
	}
}

func TestConsumeCreditBuildsSpenderTransaction(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	var sent *solana.Transaction
	client := &fakeRPC{
		sendTx: func(tx *solana.Transaction) (solana.Signature, error) {
			sent = tx
			var sig solana.Signature
			copy(sig[:], []byte("sig"))
			return sig, nil
		},
		statuses: func(solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
			return confirmedStatus(), nil
		},
	}
	svc, _ := newTestService(t, client)

	sig, err := svc.ConsumeCredit(context.Background(), wallet, 1, "req-123")
	require.NoError(t, err)
	assert.False(t, sig.IsZero())
	require.NotNil(t, sent)

	// Fee payer is the spender and the transaction is signed once.
	assert.Equal(t, svc.spender.PublicKey(), sent.Message.AccountKeys[0])
	assert.Len(t, sent.Signatures, 1)

	// Memo rides first, consume_credit second.
	require.Len(t, sent.Message.Instructions, 2)
	memoProgram, err := sent.Message.Program(sent.Message.Instructions[0].ProgramIDIndex)
	require.NoError(t, err)
	assert.Equal(t, solana.MemoProgramID, memoProgram)
	assert.Equal(t, []byte("req-123"), []byte(sent.Message.Instructions[0].Data))

	consumeProgram, err := sent.Message.Program(sent.Message.Instructions[1].ProgramIDIndex)
	require.NoError(t, err)
	assert.Equal(t, svc.programID, consumeProgram)
}

func TestConsumeCreditSubmitFailure(t *testing.T) {
	client := &fakeRPC{
		sendTx: func(*solana.Transaction) (solana.Signature, error) {
			return solana.Signature{}, errors.New("blockhash not found")
		},
	}
	svc, _ := newTestService(t, client)

	_, err := svc.ConsumeCredit(context.Background(), solana.NewWallet().PublicKey(), 1, "r")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubmitFailed))
}

func TestConsumeCreditOnChainFailure(t *testing.T) {
	client := &fakeRPC{
		sendTx: func(*solana.Transaction) (solana.Signature, error) {
			var sig solana.Signature
			copy(sig[:], []byte("sig"))
			return sig, nil
		},
		statuses: func(solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
			return &rpc.GetSignatureStatusesResult{
				Value: []*rpc.SignatureStatusesResult{
					{Err: map[string]interface{}{"InstructionError": []interface{}{1, "Custom"}}},
				},
			}, nil
		},
	}
	svc, _ := newTestService(t, client)

	_, err := svc.ConsumeCredit(context.Background(), solana.NewWallet().PublicKey(), 1, "r")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTxFailed))
}

func TestConsumeCreditConfirmationTimeout(t *testing.T) {
	client := &fakeRPC{
		sendTx: func(*solana.Transaction) (solana.Signature, error) {
			var sig solana.Signature
			copy(sig[:], []byte("sig"))
			return sig, nil
		},
	}
	svc, _ := newTestService(t, client)

	sig, err := svc.ConsumeCredit(context.Background(), solana.NewWallet().PublicKey(), 1, "r")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfirmTimeout))
	assert.False(t, sig.IsZero(), "submitted signature is reported on timeout")
}

func parsedWithProgram(programID solana.PublicKey, inner bool) *rpc.GetParsedTransactionResult {
	ix := &rpc.ParsedInstruction{ProgramId: programID}
	out := &rpc.GetParsedTransactionResult{
		Transaction: &rpc.ParsedTransaction{Message: rpc.ParsedMessage{}},
		Meta:        &rpc.ParsedTransactionMeta{},
	}
	if inner {
		out.Meta.InnerInstructions = []rpc.ParsedInnerInstruction{
			{Instructions: []*rpc.ParsedInstruction{ix}},
		}
	} else {
		out.Transaction.Message.Instructions = []*rpc.ParsedInstruction{ix}
	}
	return out
}

func testTopupSig(t *testing.T) solana.Signature {
	t.Helper()
	kp := solana.NewWallet()
	sig, err := kp.PrivateKey.Sign([]byte("topup"))
	require.NoError(t, err)
	return sig
}

func TestConfirmTopup(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	sig := testTopupSig(t)

	client := &fakeRPC{
		accountInfo: func(solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
			return accountResult(userCreditAccountBytes(wallet, 5, 254)), nil
		},
	}
	svc, st := newTestService(t, client)
	programID := svc.programID
	client.parsedTx = func(solana.Signature) (*rpc.GetParsedTransactionResult, error) {
		return parsedWithProgram(programID, false), nil
	}

	balance, err := svc.ConfirmTopup(context.Background(), wallet, sig.String())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), balance)

	seen, err := st.TopupProcessed(context.Background(), sig.String())
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestConfirmTopupIdempotent(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	sig := testTopupSig(t)

	client := &fakeRPC{
		accountInfo: func(solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
			return accountResult(userCreditAccountBytes(wallet, 5, 254)), nil
		},
	}
	svc, _ := newTestService(t, client)
	programID := svc.programID
	client.parsedTx = func(solana.Signature) (*rpc.GetParsedTransactionResult, error) {
		return parsedWithProgram(programID, false), nil
	}

	first, err := svc.ConfirmTopup(context.Background(), wallet, sig.String())
	require.NoError(t, err)
	second, err := svc.ConfirmTopup(context.Background(), wallet, sig.String())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, client.parsedCalls, "already-marked signatures skip the chain lookup")
}

func TestConfirmTopupMatchesInnerInstructions(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	sig := testTopupSig(t)

	client := &fakeRPC{
		accountInfo: func(solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
			return accountResult(userCreditAccountBytes(wallet, 3, 254)), nil
		},
	}
	svc, _ := newTestService(t, client)
	programID := svc.programID
	client.parsedTx = func(solana.Signature) (*rpc.GetParsedTransactionResult, error) {
		return parsedWithProgram(programID, true), nil
	}

	balance, err := svc.ConfirmTopup(context.Background(), wallet, sig.String())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), balance)
}

func TestConfirmTopupRejections(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	svc, _ := newTestService(t, &fakeRPC{})
	ctx := context.Background()

	t.Run("garbage signature", func(t *testing.T) {
		_, err := svc.ConfirmTopup(ctx, wallet, "!!nope!!")
		require.Error(t, err)
		assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	})

	t.Run("unknown transaction", func(t *testing.T) {
		_, err := svc.ConfirmTopup(ctx, wallet, testTopupSig(t).String())
		require.Error(t, err)
		assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	})

	t.Run("failed transaction", func(t *testing.T) {
		client := &fakeRPC{}
		svc2, _ := newTestService(t, client)
		programID := svc2.programID
		client.parsedTx = func(solana.Signature) (*rpc.GetParsedTransactionResult, error) {
			out := parsedWithProgram(programID, false)
			out.Meta.Err = map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}
			return out, nil
		}
		_, err := svc2.ConfirmTopup(ctx, wallet, testTopupSig(t).String())
		require.Error(t, err)
		assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	})

	t.Run("wrong program", func(t *testing.T) {
		client := &fakeRPC{
			parsedTx: func(solana.Signature) (*rpc.GetParsedTransactionResult, error) {
				return parsedWithProgram(solana.NewWallet().PublicKey(), false), nil
			},
		}
		svc2, st2 := newTestService(t, client)
		sig := testTopupSig(t)
		_, err := svc2.ConfirmTopup(ctx, wallet, sig.String())
		require.Error(t, err)
		assert.Equal(t, apperr.Validation, apperr.KindOf(err))

		seen, err := st2.TopupProcessed(ctx, sig.String())
		require.NoError(t, err)
		assert.False(t, seen, "rejected signatures are never marked")
	})
}
