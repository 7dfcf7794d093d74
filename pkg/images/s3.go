package images

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/offsvc/wimforge/internal/logger"
)

// S3Options configures an S3-backed image source.
type S3Options struct {
	// ScratchDir is where downloaded images are staged.
	ScratchDir string

	// Region is the bucket region.
	Region string

	// Endpoint overrides the S3 endpoint (MinIO, localstack). Empty for AWS.
	Endpoint string

	// AccessKeyID/SecretAccessKey are static credentials. When empty the
	// default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Source stages s3:// references into a local scratch directory. Local
// paths pass through untouched, so mixed batches work against one source.
//
// Downloads are cached per reference for the lifetime of the source: two
// targets naming the same s3 object share one staged copy, and concurrent
// Stage calls for the same reference share one download.
type S3Source struct {
	client     *s3.Client
	scratchDir string

	mu     sync.Mutex
	staged map[string]*staging // ref -> download, completed or in flight
}

// staging is one download. done is closed when local and err are set; a
// failed download is removed from the cache so a later Stage can retry.
type staging struct {
	done  chan struct{}
	local string
	err   error
}

// NewS3Source builds the S3 client and prepares the scratch directory.
func NewS3Source(ctx context.Context, opts S3Options) (*S3Source, error) {
	if opts.ScratchDir == "" {
		return nil, fmt.Errorf("s3 image source: scratch_dir is required")
	}
	if err := os.MkdirAll(opts.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Source{
		client:     client,
		scratchDir: opts.ScratchDir,
		staged:     make(map[string]*staging),
	}, nil
}

// parseRef splits an s3://bucket/key reference.
func parseRef(ref string) (bucket, key string, err error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "s3" || u.Host == "" || len(u.Path) <= 1 {
		return "", "", fmt.Errorf("invalid s3 reference %q, want s3://bucket/key", ref)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// stagePath derives the local path for one object. Distinct keys can share a
// basename (win10/install.wim, win11/install.wim), so the name carries a
// digest of the full bucket/key pair.
func stagePath(scratchDir, bucket, key string) string {
	sum := sha256.Sum256([]byte(bucket + "/" + key))
	return filepath.Join(scratchDir, fmt.Sprintf("%x-%s", sum[:8], filepath.Base(key)))
}

func (s *S3Source) Stage(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "s3://") {
		return NewFilesystemSource().Stage(ctx, ref)
	}

	bucket, key, err := parseRef(ref)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if st, ok := s.staged[ref]; ok {
		s.mu.Unlock()
		select {
		case <-st.done:
			return st.local, st.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	st := &staging{done: make(chan struct{})}
	s.staged[ref] = st
	s.mu.Unlock()

	st.local, st.err = s.download(ctx, ref, bucket, key)
	if st.err != nil {
		s.mu.Lock()
		delete(s.staged, ref)
		s.mu.Unlock()
	}
	close(st.done)
	return st.local, st.err
}

func (s *S3Source) download(ctx context.Context, ref, bucket, key string) (string, error) {
	local := stagePath(s.scratchDir, bucket, key)
	logger.Info("Staging %s to %s", ref, local)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", ref, err)
	}
	defer out.Body.Close()

	f, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		os.Remove(local)
		return "", fmt.Errorf("failed to download %s: %w", ref, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(local)
		return "", fmt.Errorf("failed to finalize staging file: %w", err)
	}
	return local, nil
}

// Close removes every completed staged download. In-flight downloads clean
// up through their own error path.
func (s *S3Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for ref, st := range s.staged {
		select {
		case <-st.done:
		default:
			continue
		}
		if err := os.Remove(st.local); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to remove staged image %s: %v", st.local, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(s.staged, ref)
	}
	return firstErr
}
