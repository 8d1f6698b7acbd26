package upload

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/aws/smithy-go"
)

// S3 error codes grouped by failure reason.
var (
	authCodes = map[string]struct{}{
		"AccessDenied":          {},
		"InvalidAccessKeyId":    {},
		"SignatureDoesNotMatch": {},
		"ExpiredToken":          {},
		"InvalidToken":          {},
		"AccountProblem":        {},
		"AllAccessDisabled":     {},
	}
	bucketCodes = map[string]struct{}{
		"NoSuchBucket": {},
	}
	throttleCodes = map[string]struct{}{
		"SlowDown":             {},
		"Throttling":           {},
		"ThrottlingException":  {},
		"RequestLimitExceeded": {},
		"ServiceUnavailable":   {},
		"QuotaExceeded":        {},
		"TooManyRequests":      {},
	}
)

// classify maps an error from opening or uploading a file to a Reason.
func classify(err error) Reason {
	if err == nil {
		return ""
	}

	if errors.Is(err, os.ErrNotExist) {
		return ReasonMissingFile
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonCanceled
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()

		if _, ok := authCodes[code]; ok {
			return ReasonAuth
		}

		if _, ok := bucketCodes[code]; ok {
			return ReasonBucketNotFound
		}

		if _, ok := throttleCodes[code]; ok {
			return ReasonThrottled
		}

		return ReasonUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ReasonNetwork
	}

	return ReasonUnknown
}

// newFailure wraps err with its classification.
func newFailure(bucket, key string, err error) *Failure {
	return &Failure{
		Reason: classify(err),
		Bucket: bucket,
		Key:    key,
		Err:    err,
	}
}
