package publish

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// Status message keys.
const (
	// StatusKeyProgress is the task's own status message key.
	StatusKeyProgress = "publish_to_s3"
	// StatusKeyDestinationURL holds the destination link once complete.
	StatusKeyDestinationURL = "destination_url"
)

// StatusSink receives human-readable status messages. A message replaces
// the previous one saved under the same key.
type StatusSink interface {
	SaveStatusMessage(ctx context.Context, key, message string) error
}

// LogSink writes status messages to a logger.
type LogSink struct {
	Log logrus.FieldLogger
}

// SaveStatusMessage implements StatusSink.
func (s LogSink) SaveStatusMessage(_ context.Context, key, message string) error {
	s.Log.WithField("key", key).Info(message)

	return nil
}

// MultiSink fans a message out to every sink and joins their errors.
type MultiSink []StatusSink

// SaveStatusMessage implements StatusSink.
func (m MultiSink) SaveStatusMessage(ctx context.Context, key, message string) error {
	var errs []error

	for _, sink := range m {
		if err := sink.SaveStatusMessage(ctx, key, message); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
