// Package sink implements StorageSink over S3-compatible object storage.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/UniQw/mediarelay"
)

// Config holds the object storage settings.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// PathStyle addresses buckets as endpoint/bucket/key, as MinIO expects.
	PathStyle bool
	// Prefix is prepended to every object key.
	Prefix string
}

var (
	loadDefaultAWSConfig  = config.LoadDefaultConfig
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// S3 stores every owner's files under "<prefix>/<ownerID>/<name>".
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// New builds an S3 client with static credentials.
func New(ctx context.Context, cfg Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("sink: bucket is required")
	}
	awsCfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("sink: load aws config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3) key(name string, ownerID int64) string {
	return path.Join(s.prefix, strconv.FormatInt(ownerID, 10), path.Base(name))
}

// Stat returns nil, nil when the object does not exist.
func (s *S3) Stat(ctx context.Context, name string, ownerID int64) (*mediarelay.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name, ownerID)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sink: head %s: %w", name, err)
	}
	return &mediarelay.ObjectInfo{Name: name, Size: aws.ToInt64(out.ContentLength)}, nil
}

// Upload streams localPath to the bucket. An error returned by onProgress
// aborts the request.
func (s *S3) Upload(ctx context.Context, localPath, name string, ownerID int64, onProgress mediarelay.ProgressFunc) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("sink: open %s: %w", localPath, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("sink: stat %s: %w", localPath, err)
	}

	body := &progressReader{r: f, total: fi.Size(), fn: onProgress}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(name, ownerID)),
		Body:          body,
		ContentLength: aws.Int64(fi.Size()),
	})
	if err != nil {
		if body.err != nil {
			return body.err
		}
		return fmt.Errorf("sink: put %s: %w", name, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// progressReader reports bytes read. The SDK may read a seekable body once
// to sign it and rewind, so Seek resets the counter.
type progressReader struct {
	r     io.ReadSeeker
	total int64
	done  int64
	fn    mediarelay.ProgressFunc
	err   error
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.done += int64(n)
	if p.fn != nil && n > 0 {
		if cbErr := p.fn(p.done, p.total); cbErr != nil {
			p.err = cbErr
			return n, cbErr
		}
	}
	return n, err
}

func (p *progressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := p.r.Seek(offset, whence)
	if err == nil {
		p.done = pos
	}
	return pos, err
}
