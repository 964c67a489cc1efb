package objstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lexiie/KangKlip/internal/apperr"
)

// s3Stub serves a bucket out of a map, honoring single byte ranges the
// way R2 does.
type s3Stub struct {
	objects map[string]stubObject
}

type stubObject struct {
	body        []byte
	contentType string
}

func (s *s3Stub) handler(bucket string) http.HandlerFunc {
	prefix := "/" + bucket + "/"
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, prefix)
		obj, ok := s.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message><Key>%s</Key></Error>`, key)
			return
		}

		w.Header().Set("Content-Type", obj.contentType)
		w.Header().Set("Accept-Ranges", "bytes")

		if rng := r.Header.Get("Range"); strings.HasPrefix(rng, "bytes=") {
			var start, end int
			if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err == nil && start <= end && end < len(obj.body) {
				w.Header().Set("Content-Range",
					fmt.Sprintf("bytes %d-%d/%d", start, end, len(obj.body)))
				w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
				w.WriteHeader(http.StatusPartialContent)
				_, _ = w.Write(obj.body[start : end+1])
				return
			}
		}

		w.Header().Set("Content-Length", strconv.Itoa(len(obj.body)))
		_, _ = w.Write(obj.body)
	}
}

func newTestClient(t *testing.T) (*Client, *s3Stub) {
	t.Helper()
	stub := &s3Stub{objects: map[string]stubObject{}}
	ts := httptest.NewServer(stub.handler("clips"))
	t.Cleanup(ts.Close)

	s3Client := s3.New(s3.Options{
		Region:       "auto",
		Credentials:  credentials.NewStaticCredentialsProvider("test-key", "test-secret", ""),
		BaseEndpoint: aws.String(ts.URL),
		UsePathStyle: true,
	})
	return NewWithS3(s3Client, "clips", slog.New(slog.NewTextHandler(io.Discard, nil))), stub
}

func TestGetJSON(t *testing.T) {
	client, stub := newTestClient(t)
	stub.objects["jobs/kk_1/manifest.json"] = stubObject{
		body:        []byte(`{"job_id":"kk_1","clips":[{"file":"clip_01.mp4"}]}`),
		contentType: "application/json",
	}

	var manifest struct {
		JobID string `json:"job_id"`
		Clips []struct {
			File string `json:"file"`
		} `json:"clips"`
	}
	err := client.GetJSON(context.Background(), "jobs/kk_1/manifest.json", &manifest)
	require.NoError(t, err)
	assert.Equal(t, "kk_1", manifest.JobID)
	require.Len(t, manifest.Clips, 1)
	assert.Equal(t, "clip_01.mp4", manifest.Clips[0].File)
}

func TestGetJSONMissingKey(t *testing.T) {
	client, _ := newTestClient(t)

	var v map[string]any
	err := client.GetJSON(context.Background(), "jobs/kk_none/manifest.json", &v)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestGetJSONMalformedBody(t *testing.T) {
	client, stub := newTestClient(t)
	stub.objects["broken.json"] = stubObject{body: []byte("{nope"), contentType: "application/json"}

	var v map[string]any
	err := client.GetJSON(context.Background(), "broken.json", &v)
	require.Error(t, err)
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))
}

func TestPresignGet(t *testing.T) {
	client, _ := newTestClient(t)

	url, err := client.PresignGet(context.Background(), "jobs/kk_1/clips/clip_01.mp4", 600*time.Second)
	require.NoError(t, err)
	assert.Contains(t, url, "jobs/kk_1/clips/clip_01.mp4")
	assert.Contains(t, url, "X-Amz-Expires=600")
	assert.Contains(t, url, "X-Amz-Signature=")
}

func TestGetRangePartial(t *testing.T) {
	client, stub := newTestClient(t)
	body := make([]byte, 100)
	for i := range body {
		body[i] = byte(i)
	}
	stub.objects["jobs/kk_1/clips/clip_01.mp4"] = stubObject{body: body, contentType: "video/mp4"}

	res, err := client.GetRange(context.Background(), "jobs/kk_1/clips/clip_01.mp4", "bytes=10-19")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.True(t, res.Partial)
	assert.Equal(t, "bytes 10-19/100", res.ContentRange)
	assert.Equal(t, "video/mp4", res.ContentType)
	assert.Equal(t, int64(10), res.ContentLength)

	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, body[10:20], got)
}

func TestGetRangeWholeObject(t *testing.T) {
	client, stub := newTestClient(t)
	stub.objects["whole.mp4"] = stubObject{body: []byte("abcdef"), contentType: "video/mp4"}

	res, err := client.GetRange(context.Background(), "whole.mp4", "")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.False(t, res.Partial)
	assert.Empty(t, res.ContentRange)

	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), got)
}

func TestGetRangeMissingKey(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.GetRange(context.Background(), "gone.mp4", "bytes=0-1")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}
