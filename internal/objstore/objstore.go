// Package objstore wraps the R2 bucket holding worker output. R2 talks
// the S3 protocol, so the client is aws-sdk-go-v2 pointed at the
// account endpoint with path-style addressing and region "auto".
package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/Lexiie/KangKlip/internal/apperr"
	"github.com/Lexiie/KangKlip/internal/config"
)

type Client struct {
	s3     *s3.Client
	signer *s3.PresignClient
	bucket string
	log    *slog.Logger
}

func New(ctx context.Context, cfg config.ObjectStore, log *slog.Logger) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("object store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	log.Info("Object store configured", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return &Client{
		s3:     client,
		signer: s3.NewPresignClient(client),
		bucket: cfg.Bucket,
		log:    log,
	}, nil
}

// NewWithS3 wires an existing S3 client, used by tests.
func NewWithS3(client *s3.Client, bucket string, log *slog.Logger) *Client {
	return &Client{
		s3:     client,
		signer: s3.NewPresignClient(client),
		bucket: bucket,
		log:    log,
	}
}

// GetJSON fetches an object and decodes it into v.
func (c *Client) GetJSON(ctx context.Context, key string, v any) error {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return apperr.Newf(apperr.NotFound, "object %s not found", key)
		}
		return apperr.Wrap(apperr.Upstream, "object store unavailable", err)
	}
	defer out.Body.Close()

	if err := json.NewDecoder(out.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.Internal, "object decode failed", fmt.Errorf("decode %s: %w", key, err))
	}
	return nil
}

// PresignGet mints a signed GET URL for key valid for ttl.
func (c *Client) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := c.signer.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", apperr.Wrap(apperr.Upstream, "object store unavailable", err)
	}
	return req.URL, nil
}

// RangeResult carries one ranged (or whole) object read. Partial is
// true when the store honored a byte range.
type RangeResult struct {
	Body          io.ReadCloser
	ContentType   string
	ContentRange  string
	ContentLength int64
	Partial       bool
}

// GetRange streams an object, forwarding the client's Range header
// verbatim when present.
func (c *Client) GetRange(ctx context.Context, key, rangeHeader string) (*RangeResult, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if rangeHeader != "" {
		in.Range = aws.String(rangeHeader)
	}

	out, err := c.s3.GetObject(ctx, in)
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, apperr.Newf(apperr.NotFound, "object %s not found", key)
		}
		return nil, apperr.Wrap(apperr.Upstream, "object store unavailable", err)
	}

	res := &RangeResult{
		Body:        out.Body,
		ContentType: aws.ToString(out.ContentType),
	}
	if out.ContentLength != nil {
		res.ContentLength = *out.ContentLength
	}
	if out.ContentRange != nil {
		res.ContentRange = *out.ContentRange
		res.Partial = true
	}
	return res, nil
}
