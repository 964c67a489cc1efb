package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Lexiie/KangKlip/internal/apperr"
)

// Idempotency tags and outcome states stored per unlock request id.
const (
	IdemNew    = "new"
	IdemReplay = "replay"

	OutcomePending = "pending"
	OutcomeFinal   = "final"

	ReasonInsufficientCredits = "insufficient_credits"
	ReasonChainFailure        = "chain_failure"
)

// UnlockOutcome is the authoritative result of an unlock attempt,
// keyed by unlock request id. Replays of the same id must reproduce
// the original response byte for byte, so everything needed to rebuild
// it is stored here.
type UnlockOutcome struct {
	Unlocked       bool   `json:"unlocked"`
	ChargedCredits int    `json:"charged_credits"`
	Idempotency    string `json:"idempotency"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
}

// Final reports whether the outcome is terminal.
func (o *UnlockOutcome) Final() bool {
	return o != nil && o.Status == OutcomeFinal
}

// PendingUnlock is the crash-recovery marker written between on-chain
// submit and the local unlock commit.
type PendingUnlock struct {
	JobID     string    `json:"job_id"`
	ClipFile  string    `json:"clip_file"`
	Wallet    string    `json:"wallet"`
	TxSig     string    `json:"tx_sig"`
	CreatedAt time.Time `json:"created_at"`
}

func unlockKey(jobID, clipFile string) string {
	return unlockKeyPrefix + jobID + ":" + clipFile
}

// ---------------------------------------------------------------------------
// Clip unlock flags and wallet spend counters
// ---------------------------------------------------------------------------

// ClipUnlocked reports whether the clip has been delivered-eligible.
func (s *Store) ClipUnlocked(ctx context.Context, jobID, clipFile string) (bool, error) {
	n, err := s.rdb.Exists(ctx, unlockKey(jobID, clipFile)).Result()
	if err != nil {
		return false, upstream("clip unlocked", err)
	}
	return n > 0, nil
}

// SetClipUnlocked marks the clip delivered-eligible. The flag is
// monotonic: once set it is never cleared.
func (s *Store) SetClipUnlocked(ctx context.Context, jobID, clipFile string) error {
	if err := s.rdb.Set(ctx, unlockKey(jobID, clipFile), "1", 0).Err(); err != nil {
		return upstream("set clip unlocked", err)
	}
	return nil
}

// WalletSpend returns the monotonic local debit counter for a wallet.
func (s *Store) WalletSpend(ctx context.Context, wallet string) (int64, error) {
	n, err := s.rdb.Get(ctx, spendKeyPrefix+wallet).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, upstream("wallet spend", err)
	}
	return n, nil
}

// IncrWalletSpend reserves one credit against the wallet. Used when a
// consume was submitted but its outcome is unknown; the counter is
// never decremented.
func (s *Store) IncrWalletSpend(ctx context.Context, wallet string) (int64, error) {
	n, err := s.rdb.Incr(ctx, spendKeyPrefix+wallet).Result()
	if err != nil {
		return 0, upstream("incr wallet spend", err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Idempotency results
// ---------------------------------------------------------------------------

// GetUnlockOutcome returns the stored outcome for a request id, or nil.
func (s *Store) GetUnlockOutcome(ctx context.Context, requestID string) (*UnlockOutcome, error) {
	raw, err := s.rdb.Get(ctx, idemKeyPrefix+requestID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, upstream("get unlock outcome", err)
	}
	var out UnlockOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "internal error", fmt.Errorf("decode unlock outcome %s: %w", requestID, err))
	}
	return &out, nil
}

// PutUnlockOutcome stores or overwrites the outcome for a request id.
func (s *Store) PutUnlockOutcome(ctx context.Context, requestID string, out *UnlockOutcome) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "internal error", fmt.Errorf("encode unlock outcome: %w", err))
	}
	if err := s.rdb.Set(ctx, idemKeyPrefix+requestID, raw, IdempotencyTTL).Err(); err != nil {
		return upstream("put unlock outcome", err)
	}
	return nil
}

// BeginUnlock claims a request id by writing a pending outcome if and
// only if none exists. Returns false when another attempt holds the id.
func (s *Store) BeginUnlock(ctx context.Context, requestID string) (bool, error) {
	raw, err := json.Marshal(&UnlockOutcome{Status: OutcomePending})
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "internal error", err)
	}
	ok, err := s.rdb.SetNX(ctx, idemKeyPrefix+requestID, raw, IdempotencyTTL).Result()
	if err != nil {
		return false, upstream("begin unlock", err)
	}
	return ok, nil
}

// DeleteUnlockOutcome releases a claimed request id. Only used when the
// attempt failed before anything was submitted on chain, so the client
// may retry with the same id immediately.
func (s *Store) DeleteUnlockOutcome(ctx context.Context, requestID string) error {
	if err := s.rdb.Del(ctx, idemKeyPrefix+requestID).Err(); err != nil {
		return upstream("delete unlock outcome", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Pending unlock markers
// ---------------------------------------------------------------------------

// PutPendingUnlock records a submitted consume before the local commit.
func (s *Store) PutPendingUnlock(ctx context.Context, requestID string, p *PendingUnlock) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "internal error", err)
	}
	if err := s.rdb.Set(ctx, pendingKeyPrefix+requestID, raw, PendingUnlockTTL).Err(); err != nil {
		return upstream("put pending unlock", err)
	}
	return nil
}

// GetPendingUnlock returns the marker for a request id, or nil.
func (s *Store) GetPendingUnlock(ctx context.Context, requestID string) (*PendingUnlock, error) {
	raw, err := s.rdb.Get(ctx, pendingKeyPrefix+requestID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, upstream("get pending unlock", err)
	}
	var p PendingUnlock
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "internal error", fmt.Errorf("decode pending unlock %s: %w", requestID, err))
	}
	return &p, nil
}

// DeletePendingUnlock removes the marker and reports whether this call
// deleted it, so concurrent finishers can tell who won.
func (s *Store) DeletePendingUnlock(ctx context.Context, requestID string) (bool, error) {
	n, err := s.rdb.Del(ctx, pendingKeyPrefix+requestID).Result()
	if err != nil {
		return false, upstream("delete pending unlock", err)
	}
	return n > 0, nil
}

// ScanPendingUnlocks walks all pending markers. Used by the startup
// sweep; the scan is cursor-based and safe against concurrent writes.
func (s *Store) ScanPendingUnlocks(ctx context.Context, fn func(requestID string, p *PendingUnlock) error) error {
	iter := s.rdb.Scan(ctx, 0, pendingKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		requestID := key[len(pendingKeyPrefix):]
		p, err := s.GetPendingUnlock(ctx, requestID)
		if err != nil || p == nil {
			continue
		}
		if err := fn(requestID, p); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return upstream("scan pending unlocks", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Scripted unlock primitive
// ---------------------------------------------------------------------------

// tryConsumeCreditScript is the single serialization point of the
// unlock path. Branches, in order: replay a final outcome; observe an
// already-unlocked clip; refuse when the spend counter would exceed
// the balance snapshot; otherwise debit, unlock and record the outcome.
// A pending outcome owned by the calling request falls through to the
// commit branches.
const tryConsumeCreditScript = `
local cur = redis.call('GET', KEYS[1])
if cur then
  local rec = cjson.decode(cur)
  if rec['status'] == 'final' then
    return {'replay', cur}
  end
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  redis.call('SET', KEYS[1], ARGV[3], 'EX', ARGV[2])
  return {'replay', ARGV[3]}
end
local spent = tonumber(redis.call('GET', KEYS[3]) or '0')
if spent + 1 > tonumber(ARGV[1]) then
  return {'insufficient', ''}
end
redis.call('INCRBY', KEYS[3], 1)
redis.call('SET', KEYS[2], '1')
redis.call('SET', KEYS[1], ARGV[4], 'EX', ARGV[2])
return {'new', ARGV[4]}
`

// ConsumeKind tags the branch the scripted primitive took.
type ConsumeKind int

const (
	ConsumeNew ConsumeKind = iota
	ConsumeReplay
	ConsumeInsufficient
)

// ConsumeResult is the outcome of TryConsumeCredit. Outcome is nil for
// ConsumeInsufficient, which mutates nothing.
type ConsumeResult struct {
	Kind    ConsumeKind
	Outcome *UnlockOutcome
}

// TryConsumeCredit atomically settles an unlock against local state:
// replay detection, per-clip dedup, and the per-wallet spend guard in a
// single round trip. available is the on-chain balance snapshot taken
// by the caller before submitting the consume.
func (s *Store) TryConsumeCredit(ctx context.Context, jobID, clipFile, wallet, requestID string, available int64) (*ConsumeResult, error) {
	replayJSON, err := json.Marshal(&UnlockOutcome{
		Unlocked:    true,
		Idempotency: IdemReplay,
		Status:      OutcomeFinal,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "internal error", err)
	}
	newJSON, err := json.Marshal(&UnlockOutcome{
		Unlocked:       true,
		ChargedCredits: 1,
		Idempotency:    IdemNew,
		Status:         OutcomeFinal,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "internal error", err)
	}

	keys := []string{
		idemKeyPrefix + requestID,
		unlockKey(jobID, clipFile),
		spendKeyPrefix + wallet,
	}
	args := []interface{}{
		available,
		int(IdempotencyTTL / time.Second),
		string(replayJSON),
		string(newJSON),
	}

	raw, err := s.consumeScript.Run(ctx, s.rdb, keys, args...).Result()
	if err != nil {
		return nil, upstream("try consume credit", err)
	}
	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, apperr.Wrap(apperr.Internal, "internal error", fmt.Errorf("unexpected script reply %T", raw))
	}
	kind, _ := reply[0].(string)
	payload, _ := reply[1].(string)

	switch kind {
	case "insufficient":
		return &ConsumeResult{Kind: ConsumeInsufficient}, nil
	case "replay", "new":
		var out UnlockOutcome
		if err := json.Unmarshal([]byte(payload), &out); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "internal error", fmt.Errorf("decode script outcome: %w", err))
		}
		k := ConsumeReplay
		if kind == "new" {
			k = ConsumeNew
		}
		return &ConsumeResult{Kind: k, Outcome: &out}, nil
	default:
		return nil, apperr.Wrap(apperr.Internal, "internal error", fmt.Errorf("unexpected script branch %q", kind))
	}
}
