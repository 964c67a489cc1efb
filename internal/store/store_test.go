package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lexiie/KangKlip/internal/apperr"
	"github.com/Lexiie/KangKlip/internal/jobs"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewWithClient(rdb), mr
}

func TestJobRoundtrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec, err := jobs.New("https://example.test/v", 2, 45, jobs.LanguageAuto, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.PutJob(ctx, rec))

	got, err := s.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Token, got.Token)
	assert.Equal(t, jobs.StatusQueued, got.Status)
	assert.Equal(t, "https://example.test/v", got.VideoURL)
}

func TestGetJob_NotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.GetJob(context.Background(), "kk_01HGW2N7EHJVJ4QJ6B5P2XR9T0")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestGetJob_CorruptRecord(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Set(jobKeyPrefix+"kk_x", `{"status":42}`)

	_, err := s.GetJob(context.Background(), "kk_x")
	require.Error(t, err)
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))
}

func TestUpdateJob(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec, err := jobs.New("https://example.test/v", 1, 30, jobs.LanguageEnglish, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.PutJob(ctx, rec))

	updated, err := s.UpdateJob(ctx, rec.ID, func(r *jobs.Record) error {
		return r.Apply(jobs.Callback{Status: "RUNNING", Stage: "DOWNLOAD"}, time.Now())
	})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, updated.Status)

	got, err := s.GetJob(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, got.Status)
	assert.Equal(t, jobs.StageDownload, got.Stage)
}

func TestClipUnlockFlag(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.ClipUnlocked(ctx, "kk_a", "clip_01.mp4")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetClipUnlocked(ctx, "kk_a", "clip_01.mp4"))

	ok, err = s.ClipUnlocked(ctx, "kk_a", "clip_01.mp4")
	require.NoError(t, err)
	assert.True(t, ok)

	// Other clips of the same job stay locked.
	ok, err = s.ClipUnlocked(ctx, "kk_a", "clip_02.mp4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWalletSpend(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.WalletSpend(ctx, "W1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = s.IncrWalletSpend(ctx, "W1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.WalletSpend(ctx, "W1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestBeginUnlock_SetIfAbsent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.BeginUnlock(ctx, "R1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.BeginUnlock(ctx, "R1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim of the same id must lose")

	out, err := s.GetUnlockOutcome(ctx, "R1")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, OutcomePending, out.Status)
	assert.False(t, out.Final())
}

func TestUnlockOutcomeExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := s.BeginUnlock(ctx, "R1")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(IdempotencyTTL + time.Second)

	out, err := s.GetUnlockOutcome(ctx, "R1")
	require.NoError(t, err)
	assert.Nil(t, out, "expired outcomes read as absent")

	ok, err = s.BeginUnlock(ctx, "R1")
	require.NoError(t, err)
	assert.True(t, ok, "the id is claimable again after expiry")
}

func TestPendingUnlockLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	p := &PendingUnlock{JobID: "kk_a", ClipFile: "clip_01.mp4", Wallet: "W1", TxSig: "sig1"}
	require.NoError(t, s.PutPendingUnlock(ctx, "R1", p))

	got, err := s.GetPendingUnlock(ctx, "R1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *p, *got)

	deleted, err := s.DeletePendingUnlock(ctx, "R1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeletePendingUnlock(ctx, "R1")
	require.NoError(t, err)
	assert.False(t, deleted, "only the first deleter wins")

	got, err = s.GetPendingUnlock(ctx, "R1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestScanPendingUnlocks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutPendingUnlock(ctx, "R1", &PendingUnlock{JobID: "kk_a", ClipFile: "clip_01.mp4", Wallet: "W1", TxSig: "s1"}))
	require.NoError(t, s.PutPendingUnlock(ctx, "R2", &PendingUnlock{JobID: "kk_b", ClipFile: "clip_02.mp4", Wallet: "W2", TxSig: "s2"}))

	seen := make(map[string]string)
	err := s.ScanPendingUnlocks(ctx, func(requestID string, p *PendingUnlock) error {
		seen[requestID] = p.JobID
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"R1": "kk_a", "R2": "kk_b"}, seen)
}

func TestNonceSingleUse(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := &AuthNonce{Wallet: "W1", Challenge: "KANGKLIP_AUTH:W1:abc:2026-01-01T00:00:00Z", ExpiresAt: time.Now().Add(NonceTTL)}
	require.NoError(t, s.PutNonce(ctx, "abc", rec))

	got, err := s.GetNonce(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Challenge, got.Challenge)

	ok, err := s.ConsumeNonce(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ConsumeNonce(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok, "a nonce is consumed exactly once")

	got, err = s.GetNonce(ctx, "abc")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNonceExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutNonce(ctx, "abc", &AuthNonce{Wallet: "W1", Challenge: "c"}))
	mr.FastForward(NonceTTL + time.Second)

	got, err := s.GetNonce(ctx, "abc")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAuthToken(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutAuthToken(ctx, "tok", "W1"))

	wallet, err := s.WalletForToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "W1", wallet)

	wallet, err = s.WalletForToken(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, "", wallet)

	mr.FastForward(AuthTokenTTL + time.Second)
	wallet, err = s.WalletForToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "", wallet)
}

func TestMarkTopupProcessed(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.MarkTopupProcessed(ctx, "sig1", "W1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.MarkTopupProcessed(ctx, "sig1", "W1")
	require.NoError(t, err)
	assert.False(t, again, "a signature is marked at most once")
}
