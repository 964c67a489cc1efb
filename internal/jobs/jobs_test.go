package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_Format(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.True(t, ValidID(id), "id %q should match the kk_ pattern", id)
		assert.False(t, seen[id], "ids must not repeat")
		seen[id] = true
	}
}

func TestValidID_Rejects(t *testing.T) {
	cases := []string{
		"",
		"kk_",
		"kk_short",
		"job_01HGW2N7EHJVJ4QJ6B5P2XR9T0",
		"kk_01hgw2n7ehjvj4qj6b5p2xr9t0",  // lowercase
		"kk_01HGW2N7EHJVJ4QJ6B5P2XR9TU",  // U not in Crockford set
		"kk_01HGW2N7EHJVJ4QJ6B5P2XR9T00", // too long
	}
	for _, c := range cases {
		assert.False(t, ValidID(c), "expected %q to be rejected", c)
	}
}

func TestNewToken_Format(t *testing.T) {
	tok, err := NewToken()
	require.NoError(t, err)
	assert.Len(t, tok, 64)
	assert.True(t, ValidToken(tok))

	other, err := NewToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusSucceeded, true},
		{StatusQueued, StatusFailed, true},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusRunning, true},
		{StatusSucceeded, StatusSucceeded, true},
		{StatusRunning, StatusQueued, false},
		{StatusSucceeded, StatusRunning, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusFailed, StatusSucceeded, false},
		{StatusFailed, StatusRunning, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestStageOrdering(t *testing.T) {
	order := []Stage{StageDownload, StageTranscript, StageChunk, StageSelect, StageRender, StageUpload, StageDone}
	for i := 1; i < len(order); i++ {
		assert.True(t, order[i-1].Before(order[i]), "%s should precede %s", order[i-1], order[i])
		assert.False(t, order[i].Before(order[i-1]))
	}
}

func newTestRecord(t *testing.T) *Record {
	t.Helper()
	rec, err := New("https://example.test/v", 2, 45, LanguageAuto, time.Now())
	require.NoError(t, err)
	return rec
}

func TestApply_RunningProgress(t *testing.T) {
	rec := newTestRecord(t)
	p := 40
	err := rec.Apply(Callback{JobID: rec.ID, Status: "RUNNING", Stage: "RENDER", Progress: &p}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Equal(t, StageRender, rec.Stage)
	assert.Equal(t, 40, rec.Progress)
}

func TestApply_LowercaseStatusAccepted(t *testing.T) {
	rec := newTestRecord(t)
	err := rec.Apply(Callback{JobID: rec.ID, Status: "running", Stage: "download"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Equal(t, StageDownload, rec.Stage)
}

func TestApply_FailedFillsTerminalDefaults(t *testing.T) {
	rec := newTestRecord(t)
	err := rec.Apply(Callback{JobID: rec.ID, Status: "FAILED", Error: "asr_timeout"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, StageDone, rec.Stage)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, "asr_timeout", rec.Error)
}

func TestApply_SucceededSetsPrefix(t *testing.T) {
	rec := newTestRecord(t)
	require.NoError(t, rec.Apply(Callback{Status: "RUNNING", Stage: "UPLOAD"}, time.Now()))
	err := rec.Apply(Callback{Status: "SUCCEEDED", R2Prefix: "jobs/" + rec.ID + "/"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, rec.Status)
	assert.Equal(t, "jobs/"+rec.ID+"/", rec.R2Prefix)
	assert.Equal(t, StageDone, rec.Stage)
	assert.Equal(t, 100, rec.Progress)
}

func TestApply_RejectsRegressions(t *testing.T) {
	rec := newTestRecord(t)
	require.NoError(t, rec.Apply(Callback{Status: "SUCCEEDED", R2Prefix: "jobs/x/"}, time.Now()))

	err := rec.Apply(Callback{Status: "RUNNING"}, time.Now())
	assert.Error(t, err, "terminal jobs must reject status changes")

	rec2 := newTestRecord(t)
	require.NoError(t, rec2.Apply(Callback{Status: "RUNNING", Stage: "RENDER"}, time.Now()))
	err = rec2.Apply(Callback{Status: "RUNNING", Stage: "DOWNLOAD"}, time.Now())
	assert.Error(t, err, "stages must not move backwards")
}

func TestApply_UnknownTokens(t *testing.T) {
	rec := newTestRecord(t)
	assert.Error(t, rec.Apply(Callback{Status: "EXPLODED"}, time.Now()))
	assert.Error(t, rec.Apply(Callback{Status: "RUNNING", Stage: "PAINT"}, time.Now()))
}

func TestApply_ClampsProgress(t *testing.T) {
	rec := newTestRecord(t)
	over := 250
	require.NoError(t, rec.Apply(Callback{Status: "RUNNING", Progress: &over}, time.Now()))
	assert.Equal(t, 100, rec.Progress)

	under := -5
	require.NoError(t, rec.Apply(Callback{Status: "RUNNING", Progress: &under}, time.Now()))
	assert.Equal(t, 0, rec.Progress)
}

func TestSubmitRequest_Validate(t *testing.T) {
	ok := SubmitRequest{VideoURL: "https://example.test/v", ClipDurationSeconds: 45, ClipCount: 2, Language: "auto"}
	require.NoError(t, ok.Validate())

	defaulted := SubmitRequest{VideoURL: "https://example.test/v", ClipDurationSeconds: 30, ClipCount: 1}
	require.NoError(t, defaulted.Validate())
	assert.Equal(t, LanguageAuto, defaulted.Language)

	bad := []SubmitRequest{
		{VideoURL: "", ClipDurationSeconds: 45, ClipCount: 2, Language: "auto"},
		{VideoURL: "ftp://example.test/v", ClipDurationSeconds: 45, ClipCount: 2, Language: "auto"},
		{VideoURL: "not a url", ClipDurationSeconds: 45, ClipCount: 2, Language: "auto"},
		{VideoURL: "https://example.test/v", ClipDurationSeconds: 29, ClipCount: 2, Language: "auto"},
		{VideoURL: "https://example.test/v", ClipDurationSeconds: 61, ClipCount: 2, Language: "auto"},
		{VideoURL: "https://example.test/v", ClipDurationSeconds: 45, ClipCount: 0, Language: "auto"},
		{VideoURL: "https://example.test/v", ClipDurationSeconds: 45, ClipCount: 6, Language: "auto"},
		{VideoURL: "https://example.test/v", ClipDurationSeconds: 45, ClipCount: 2, Language: "fr"},
	}
	for i, req := range bad {
		r := req
		assert.Error(t, r.Validate(), "case %d should fail", i)
	}
}
