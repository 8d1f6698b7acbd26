package upload

import (
	"context"
	"fmt"
)

// Uploader copies single local files into object storage.
type Uploader interface {
	// Preflight verifies that the bucket is reachable and writable by
	// writing a small test object.
	Preflight(ctx context.Context, bucket string) error

	// Upload copies localPath to bucket under key. It never returns a bare
	// error: every failure is reported through Result.Failure.
	Upload(ctx context.Context, localPath, bucket, key string) Result
}

// Result is the outcome of one upload.
type Result struct {
	Key         string
	Bytes       int64
	ContentType string
	// Failure is nil when the object is retrievable under Key.
	Failure *Failure
}

// OK reports whether the upload succeeded.
func (r Result) OK() bool {
	return r.Failure == nil
}

// Reason classifies an upload failure.
type Reason string

// Failure reasons.
const (
	ReasonMissingFile    Reason = "missing_file"
	ReasonInvalidPath    Reason = "invalid_path"
	ReasonAuth           Reason = "auth"
	ReasonBucketNotFound Reason = "bucket_not_found"
	ReasonThrottled      Reason = "throttled"
	ReasonNetwork        Reason = "network"
	ReasonCanceled       Reason = "canceled"
	ReasonUnknown        Reason = "unknown"
)

// Failure describes why an upload did not complete.
type Failure struct {
	Reason Reason
	Bucket string
	Key    string
	Err    error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s: s3://%s/%s: %v", f.Reason, f.Bucket, f.Key, f.Err)
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error {
	return f.Err
}
