//go:build integration

package s3_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/offsvc/wimforge/pkg/images"
)

// endpoint returns the S3-compatible endpoint for integration tests.
//
// Prerequisites:
//   - Localstack or MinIO on LOCALSTACK_ENDPOINT (default http://localhost:4566)
//   - Run with: go test -tags=integration ./test/integration/s3/...
func endpoint() string {
	if ep := os.Getenv("LOCALSTACK_ENDPOINT"); ep != "" {
		return ep
	}
	return "http://localhost:4566"
}

// setupBucket creates a test bucket with one image object and returns a
// cleanup function.
func setupBucket(t *testing.T, bucket, key, content string) func() {
	t.Helper()
	ctx := context.Background()

	cfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion("us-east-1"),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		t.Fatalf("Failed to load AWS config: %v", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint())
		o.UsePathStyle = true
	})

	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Fatalf("Failed to create test bucket: %v", err)
	}
	if _, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(content),
	}); err != nil {
		t.Fatalf("Failed to upload test object: %v", err)
	}

	return func() {
		_, _ = client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		_, _ = client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	}
}

func TestS3Source_Integration(t *testing.T) {
	ctx := context.Background()
	cleanup := setupBucket(t, "wimforge-test", "win11/install.wim", "fake wim payload")
	defer cleanup()

	source, err := images.NewS3Source(ctx, images.S3Options{
		ScratchDir:      t.TempDir(),
		Region:          "us-east-1",
		Endpoint:        endpoint(),
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	if err != nil {
		t.Fatalf("Failed to create s3 source: %v", err)
	}
	defer source.Close()

	// Concurrent first stages of one reference share a single download.
	var wg sync.WaitGroup
	locals := make([]string, 4)
	errs := make([]error, 4)
	for i := range locals {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			locals[i], errs[i] = source.Stage(ctx, "s3://wimforge-test/win11/install.wim")
		}(i)
	}
	wg.Wait()

	local := locals[0]
	for i := range locals {
		if errs[i] != nil {
			t.Fatalf("Stage %d failed: %v", i, errs[i])
		}
		if locals[i] != local {
			t.Fatalf("concurrent stages diverged: %s vs %s", locals[i], local)
		}
	}

	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("Failed to read staged file: %v", err)
	}
	if string(data) != "fake wim payload" {
		t.Errorf("staged content mismatch: %q", data)
	}

	// Staging the same reference again reuses the cached copy.
	again, err := source.Stage(ctx, "s3://wimforge-test/win11/install.wim")
	if err != nil {
		t.Fatalf("Second stage failed: %v", err)
	}
	if again != local {
		t.Errorf("expected cached path %s, got %s", local, again)
	}

	// Close removes the staged copy.
	if err := source.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Errorf("staged file should be removed on close")
	}
}

// TestS3SourceSharedBasenames_Integration stages two objects whose keys share
// a basename and expects two distinct staged files with the right contents.
func TestS3SourceSharedBasenames_Integration(t *testing.T) {
	ctx := context.Background()
	cleanupA := setupBucket(t, "wimforge-win10", "win10/install.wim", "win10 payload")
	defer cleanupA()
	cleanupB := setupBucket(t, "wimforge-win11", "win11/install.wim", "win11 payload")
	defer cleanupB()

	source, err := images.NewS3Source(ctx, images.S3Options{
		ScratchDir:      t.TempDir(),
		Region:          "us-east-1",
		Endpoint:        endpoint(),
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	if err != nil {
		t.Fatalf("Failed to create s3 source: %v", err)
	}
	defer source.Close()

	pathA, err := source.Stage(ctx, "s3://wimforge-win10/win10/install.wim")
	if err != nil {
		t.Fatalf("Stage of first image failed: %v", err)
	}
	pathB, err := source.Stage(ctx, "s3://wimforge-win11/win11/install.wim")
	if err != nil {
		t.Fatalf("Stage of second image failed: %v", err)
	}
	if pathA == pathB {
		t.Fatalf("images sharing a basename staged to the same file: %s", pathA)
	}

	dataA, err := os.ReadFile(pathA)
	if err != nil {
		t.Fatalf("Failed to read first staged file: %v", err)
	}
	if string(dataA) != "win10 payload" {
		t.Errorf("first staged content clobbered: %q", dataA)
	}
	dataB, err := os.ReadFile(pathB)
	if err != nil {
		t.Fatalf("Failed to read second staged file: %v", err)
	}
	if string(dataB) != "win11 payload" {
		t.Errorf("second staged content mismatch: %q", dataB)
	}
}
