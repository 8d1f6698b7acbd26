package upload

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/staticpublish/pkg/config"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultContentType = "application/octet-stream"
	writeTestKey       = ".staticpublish-write-test"
)

// s3Uploader implements Uploader for S3-compatible storage.
type s3Uploader struct {
	log     logrus.FieldLogger
	cfg     *config.S3Config
	client  *s3.Client
	limiter *rate.Limiter
}

// Ensure interface compliance.
var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates a new S3 uploader from the given configuration.
// Static credentials are used when both keys are set, otherwise the default
// AWS credential chain is consulted.
func NewS3Uploader(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.S3Config,
) (Uploader, error) {
	region := cfg.Region
	if region == "" {
		region = config.DefaultRegion
	}

	opts := func(o *s3.Options) {
		o.Region = region

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}

		if cfg.MaxAttempts > 0 {
			o.RetryMaxAttempts = cfg.MaxAttempts
		}
	}

	var client *s3.Client

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		client = s3.New(s3.Options{
			Credentials: credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			),
		}, opts)
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("loading default aws config: %w", err)
		}

		client = s3.NewFromConfig(awsCfg, opts)
	}

	u := &s3Uploader{
		log:    log.WithField("component", "s3-uploader"),
		cfg:    cfg,
		client: client,
	}

	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}

		u.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return u, nil
}

// Preflight verifies S3 connectivity by writing a small test object.
func (u *s3Uploader) Preflight(ctx context.Context, bucket string) error {
	content := fmt.Sprintf("staticpublish write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(u.resolveKey(writeTestKey)),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", bucket, newFailure(bucket, writeTestKey, err))
	}

	return nil
}

// Upload copies a single file to S3 and reports the outcome.
func (u *s3Uploader) Upload(ctx context.Context, localPath, bucket, key string) Result {
	key = u.resolveKey(key)
	res := Result{Key: key}

	fail := func(err error) Result {
		res.Failure = newFailure(bucket, key, err)

		return res
	}

	f, err := os.Open(localPath) //nolint:gosec // paths come from the archive ledger
	if err != nil {
		return fail(fmt.Errorf("opening file: %w", err))
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fail(fmt.Errorf("stat file: %w", err))
	}

	if info.IsDir() {
		return fail(fmt.Errorf("%s is a directory", localPath))
	}

	res.Bytes = info.Size()
	res.ContentType = detectContentType(localPath)

	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			return fail(fmt.Errorf("waiting for rate limiter: %w", err))
		}
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(res.Bytes),
		ContentType:   aws.String(res.ContentType),
	}

	if u.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(u.cfg.StorageClass)
	}

	if u.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(u.cfg.ACL)
	}

	u.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": bucket,
	}).Debug("Uploading file")

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return fail(fmt.Errorf("PutObject: %w", err))
	}

	return res
}

// resolveKey joins the configured prefix with a file path and normalizes
// separators. Leading slashes are dropped.
func (u *s3Uploader) resolveKey(filePath string) string {
	key := strings.TrimLeft(filepath.ToSlash(filePath), "/")

	prefix := strings.Trim(u.cfg.Prefix, "/")
	if prefix == "" {
		return key
	}

	return prefix + "/" + key
}

// detectContentType returns a MIME type based on file extension, falling
// back to sniffing the file contents.
func detectContentType(path string) string {
	if ext := filepath.Ext(path); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil || mt == nil {
		return defaultContentType
	}

	return mt.String()
}
