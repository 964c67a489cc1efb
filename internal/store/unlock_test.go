package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryConsumeCredit_New(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	res, err := s.TryConsumeCredit(ctx, "kk_a", "clip_01.mp4", "W1", "R1", 5)
	require.NoError(t, err)
	assert.Equal(t, ConsumeNew, res.Kind)
	require.NotNil(t, res.Outcome)
	assert.True(t, res.Outcome.Unlocked)
	assert.Equal(t, 1, res.Outcome.ChargedCredits)
	assert.Equal(t, IdemNew, res.Outcome.Idempotency)
	assert.Equal(t, OutcomeFinal, res.Outcome.Status)

	spend, err := s.WalletSpend(ctx, "W1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, spend)

	unlocked, err := s.ClipUnlocked(ctx, "kk_a", "clip_01.mp4")
	require.NoError(t, err)
	assert.True(t, unlocked)

	stored, err := s.GetUnlockOutcome(ctx, "R1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, *res.Outcome, *stored)
}

func TestTryConsumeCredit_ReplaySameID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.TryConsumeCredit(ctx, "kk_a", "clip_01.mp4", "W1", "R1", 5)
	require.NoError(t, err)
	require.Equal(t, ConsumeNew, first.Kind)

	second, err := s.TryConsumeCredit(ctx, "kk_a", "clip_01.mp4", "W1", "R1", 5)
	require.NoError(t, err)
	assert.Equal(t, ConsumeReplay, second.Kind)
	assert.Equal(t, *first.Outcome, *second.Outcome, "replays reproduce the stored outcome")

	spend, err := s.WalletSpend(ctx, "W1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, spend, "replay must not debit again")
}

func TestTryConsumeCredit_AlreadyUnlockedClip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.TryConsumeCredit(ctx, "kk_a", "clip_01.mp4", "W1", "R1", 5)
	require.NoError(t, err)

	res, err := s.TryConsumeCredit(ctx, "kk_a", "clip_01.mp4", "W1", "R2", 5)
	require.NoError(t, err)
	assert.Equal(t, ConsumeReplay, res.Kind)
	assert.True(t, res.Outcome.Unlocked)
	assert.Equal(t, 0, res.Outcome.ChargedCredits)
	assert.Equal(t, IdemReplay, res.Outcome.Idempotency)

	spend, err := s.WalletSpend(ctx, "W1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, spend, "the second id must not debit")

	stored, err := s.GetUnlockOutcome(ctx, "R2")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, *res.Outcome, *stored, "the replay outcome is recorded under its own id")
}

func TestTryConsumeCredit_Insufficient(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.TryConsumeCredit(ctx, "kk_a", "clip_01.mp4", "W1", "R1", 1)
	require.NoError(t, err)

	res, err := s.TryConsumeCredit(ctx, "kk_a", "clip_02.mp4", "W1", "R2", 1)
	require.NoError(t, err)
	assert.Equal(t, ConsumeInsufficient, res.Kind)
	assert.Nil(t, res.Outcome)

	spend, err := s.WalletSpend(ctx, "W1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, spend, "a refused consume mutates nothing")

	unlocked, err := s.ClipUnlocked(ctx, "kk_a", "clip_02.mp4")
	require.NoError(t, err)
	assert.False(t, unlocked)

	stored, err := s.GetUnlockOutcome(ctx, "R2")
	require.NoError(t, err)
	assert.Nil(t, stored, "the refused id stays unclaimed")
}

func TestTryConsumeCredit_OwnPendingFallsThrough(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.BeginUnlock(ctx, "R1")
	require.NoError(t, err)
	require.True(t, ok)

	res, err := s.TryConsumeCredit(ctx, "kk_a", "clip_01.mp4", "W1", "R1", 3)
	require.NoError(t, err)
	assert.Equal(t, ConsumeNew, res.Kind, "a pending outcome owned by the caller must commit")

	stored, err := s.GetUnlockOutcome(ctx, "R1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, OutcomeFinal, stored.Status, "commit finalizes the pending record")
	assert.Equal(t, 1, stored.ChargedCredits)
}

func TestTryConsumeCredit_SpendGuardAcrossWallets(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// W1 exhausts its snapshot; W2 is unaffected.
	_, err := s.TryConsumeCredit(ctx, "kk_a", "clip_01.mp4", "W1", "R1", 1)
	require.NoError(t, err)

	res, err := s.TryConsumeCredit(ctx, "kk_b", "clip_01.mp4", "W2", "R2", 1)
	require.NoError(t, err)
	assert.Equal(t, ConsumeNew, res.Kind)
}
