// Package auth implements the wallet challenge/verify flow: a nonce'd
// challenge string, a detached Ed25519 signature check against the
// wallet public key, and opaque bearer tokens bound to the wallet.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/Lexiie/KangKlip/internal/apperr"
	"github.com/Lexiie/KangKlip/internal/store"
)

// ChallengePrefix anchors every challenge string. The signature is
// computed over the exact UTF-8 bytes of the composed challenge; no
// message envelope or off-chain signing standard is applied on top.
const ChallengePrefix = "KANGKLIP_AUTH"

// Service issues challenges and verifies wallet signatures.
type Service struct {
	store *store.Store
	log   *slog.Logger
	now   func() time.Time
}

func NewService(st *store.Store, log *slog.Logger) *Service {
	return &Service{store: st, log: log, now: time.Now}
}

// ChallengeResponse is the wire shape of a freshly issued challenge.
type ChallengeResponse struct {
	WalletAddress string `json:"wallet_address"`
	Challenge     string `json:"challenge"`
	Nonce         string `json:"nonce"`
	ExpiresIn     int    `json:"expires_in"`
}

// VerifyResponse carries the bearer token for a verified wallet.
type VerifyResponse struct {
	AuthToken string `json:"auth_token"`
	ExpiresIn int    `json:"expires_in"`
}

func composeChallenge(wallet, nonce, timestamp string) string {
	return ChallengePrefix + ":" + wallet + ":" + nonce + ":" + timestamp
}

func newNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func newBearerToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Challenge validates the wallet address and issues a single-use
// challenge with a 300 second window.
func (s *Service) Challenge(ctx context.Context, walletAddress string) (*ChallengeResponse, error) {
	walletAddress = strings.TrimSpace(walletAddress)
	if _, err := solana.PublicKeyFromBase58(walletAddress); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "invalid wallet address", err)
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "internal error", err)
	}

	now := s.now().UTC()
	challenge := composeChallenge(walletAddress, nonce, now.Format(time.RFC3339))
	rec := &store.AuthNonce{
		Wallet:    walletAddress,
		Challenge: challenge,
		ExpiresAt: now.Add(store.NonceTTL),
	}
	if err := s.store.PutNonce(ctx, nonce, rec); err != nil {
		return nil, err
	}

	return &ChallengeResponse{
		WalletAddress: walletAddress,
		Challenge:     challenge,
		Nonce:         nonce,
		ExpiresIn:     int(store.NonceTTL / time.Second),
	}, nil
}

// Verify checks a detached Ed25519 signature of the stored challenge
// bytes. The nonce is consumed exactly once; only the consumer that
// actually deleted it may mint a token.
func (s *Service) Verify(ctx context.Context, walletAddress, nonce, signature string) (*VerifyResponse, error) {
	walletAddress = strings.TrimSpace(walletAddress)
	nonce = strings.TrimSpace(nonce)
	signature = strings.TrimSpace(signature)
	if walletAddress == "" || nonce == "" || signature == "" {
		return nil, apperr.New(apperr.Validation, "wallet_address, nonce and signature are required")
	}

	rec, err := s.store.GetNonce(ctx, nonce)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.New(apperr.Validation, "unknown or expired challenge")
	}
	if rec.Wallet != walletAddress {
		return nil, apperr.New(apperr.Validation, "challenge was issued for a different wallet")
	}
	if s.now().After(rec.ExpiresAt) {
		// TTL should have removed it already; clean up on discovery.
		_, _ = s.store.ConsumeNonce(ctx, nonce)
		return nil, apperr.New(apperr.Validation, "challenge expired")
	}

	pub, err := solana.PublicKeyFromBase58(walletAddress)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "invalid wallet address", err)
	}
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "invalid signature format", err)
	}

	if !ed25519.Verify(ed25519.PublicKey(pub.Bytes()), []byte(rec.Challenge), sig[:]) {
		return nil, apperr.New(apperr.Unauthorized, "signature verification failed")
	}

	consumed, err := s.store.ConsumeNonce(ctx, nonce)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, apperr.New(apperr.Unauthorized, "challenge already used")
	}

	token, err := newBearerToken()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "internal error", err)
	}
	if err := s.store.PutAuthToken(ctx, token, walletAddress); err != nil {
		return nil, err
	}

	s.log.Info("wallet verified", "wallet", walletAddress)
	return &VerifyResponse{
		AuthToken: token,
		ExpiresIn: int(store.AuthTokenTTL / time.Second),
	}, nil
}

// WalletForToken resolves an auth token to its bound wallet. An empty
// result means the token is unknown or expired.
func (s *Service) WalletForToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", nil
	}
	return s.store.WalletForToken(ctx, token)
}
