package publish

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Option keys read by the transfer task.
const (
	OptionS3Bucket           = "aws_s3_bucket"
	OptionAccessKeyID        = "aws_access_key_id"
	OptionSecretAccessKey    = "aws_secret_access_key"
	OptionArchiveStartTime   = "archive_start_time"
	OptionArchiveDir         = "archive_dir"
	OptionDestinationURLType = "destination_url_type"
	OptionDestinationURL     = "destination_url"
)

// DestinationURLAbsolute is the destination url type that triggers the
// destination link message on completion.
const DestinationURLAbsolute = "absolute"

// timeLayouts are accepted for archive_start_time, in order.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// Options is the opaque key/value source the task reads its settings from.
type Options map[string]any

// Settings are the decoded task options.
type Settings struct {
	Bucket             string    `mapstructure:"aws_s3_bucket"`
	AccessKeyID        string    `mapstructure:"aws_access_key_id"`
	SecretAccessKey    string    `mapstructure:"aws_secret_access_key"`
	ArchiveStartTime   time.Time `mapstructure:"archive_start_time"`
	ArchiveDir         string    `mapstructure:"archive_dir"`
	DestinationURLType string    `mapstructure:"destination_url_type"`
	DestinationURL     string    `mapstructure:"destination_url"`
}

// DecodeSettings converts options into Settings. An unset or empty
// archive_start_time decodes to the zero time. Naive timestamps are read
// as UTC.
func DecodeSettings(opts Options) (*Settings, error) {
	var settings Settings

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       stringToTimeHook,
		WeaklyTypedInput: true,
		Result:           &settings,
	})
	if err != nil {
		return nil, fmt.Errorf("creating options decoder: %w", err)
	}

	if err := decoder.Decode(map[string]any(opts)); err != nil {
		return nil, fmt.Errorf("decoding options: %w", err)
	}

	if settings.Bucket == "" {
		return nil, fmt.Errorf("option %s is required", OptionS3Bucket)
	}

	return &settings, nil
}

// Target returns the part of the settings the engine needs.
func (s *Settings) Target() Target {
	return Target{
		ArchiveDir:         s.ArchiveDir,
		Bucket:             s.Bucket,
		RunStart:           s.ArchiveStartTime,
		DestinationURLType: s.DestinationURLType,
		DestinationURL:     s.DestinationURL,
	}
}

func stringToTimeHook(_, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}

	switch v := data.(type) {
	case time.Time:
		return v, nil
	case string:
		return parseTime(v)
	case int, int32, int64:
		return time.Unix(reflect.ValueOf(v).Int(), 0).UTC(), nil
	case float64:
		// Numbers decoded from JSON arrive as float64 epoch seconds.
		sec, frac := math.Modf(v)

		return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
	case nil:
		return time.Time{}, nil
	}

	return nil, fmt.Errorf("unsupported %s value of type %T", OptionArchiveStartTime, data)
}

func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}

	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized %s %q", OptionArchiveStartTime, value)
}
