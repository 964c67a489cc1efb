package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Lexiie/KangKlip/internal/apperr"
)

// AuthNonce is the stored challenge state, keyed by nonce.
type AuthNonce struct {
	Wallet    string    `json:"wallet"`
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PutNonce stores a freshly issued challenge under its nonce.
func (s *Store) PutNonce(ctx context.Context, nonce string, rec *AuthNonce) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "internal error", err)
	}
	if err := s.rdb.Set(ctx, nonceKeyPrefix+nonce, raw, NonceTTL).Err(); err != nil {
		return upstream("put nonce", err)
	}
	return nil
}

// GetNonce returns the challenge state for a nonce, or nil if it was
// never issued or already expired.
func (s *Store) GetNonce(ctx context.Context, nonce string) (*AuthNonce, error) {
	raw, err := s.rdb.Get(ctx, nonceKeyPrefix+nonce).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, upstream("get nonce", err)
	}
	var rec AuthNonce
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "internal error", fmt.Errorf("decode nonce: %w", err))
	}
	return &rec, nil
}

// ConsumeNonce deletes a nonce and reports whether this call removed
// it. Exactly one concurrent verifier observes true, which keeps
// nonces single-use.
func (s *Store) ConsumeNonce(ctx context.Context, nonce string) (bool, error) {
	n, err := s.rdb.Del(ctx, nonceKeyPrefix+nonce).Result()
	if err != nil {
		return false, upstream("consume nonce", err)
	}
	return n > 0, nil
}

// PutAuthToken binds a bearer token to a wallet for AuthTokenTTL.
func (s *Store) PutAuthToken(ctx context.Context, token, wallet string) error {
	if err := s.rdb.Set(ctx, tokenKeyPrefix+token, wallet, AuthTokenTTL).Err(); err != nil {
		return upstream("put auth token", err)
	}
	return nil
}

// WalletForToken resolves a bearer token to its wallet, or "" when the
// token is unknown or expired.
func (s *Store) WalletForToken(ctx context.Context, token string) (string, error) {
	wallet, err := s.rdb.Get(ctx, tokenKeyPrefix+token).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", upstream("wallet for token", err)
	}
	return wallet, nil
}

// TopupProcessed reports whether a topup signature was already
// credited.
func (s *Store) TopupProcessed(ctx context.Context, signature string) (bool, error) {
	n, err := s.rdb.Exists(ctx, topupKeyPrefix+signature).Result()
	if err != nil {
		return false, upstream("topup processed", err)
	}
	return n > 0, nil
}

// MarkTopupProcessed records a confirmed topup signature. Returns false
// when the signature was already marked, making confirm idempotent.
func (s *Store) MarkTopupProcessed(ctx context.Context, signature, wallet string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, topupKeyPrefix+signature, wallet, TopupSignatureTTL).Result()
	if err != nil {
		return false, upstream("mark topup", err)
	}
	return ok, nil
}
