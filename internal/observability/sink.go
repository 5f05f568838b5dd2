// Package observability reports unexpected pipeline errors to an error sink.
package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/stellar-lineage/internal/config"
	"github.com/stellar-lineage/internal/logging"
)

// ErrorSink receives errors nobody upstream handles
type ErrorSink interface {
	Capture(ctx context.Context, err error, tags map[string]string)
	CapturePanic(ctx context.Context, recovered any, tags map[string]string)
	Flush(timeout time.Duration)
}

// NewErrorSink returns a Sentry sink when a DSN is configured and a logging
// sink otherwise
func NewErrorSink(cfg config.SentryConfig) (ErrorSink, error) {
	if cfg.DSN == "" {
		return NewLogSink(), nil
	}
	return NewSentrySink(cfg)
}

// SentrySink sends errors to Sentry
type SentrySink struct {
	hub *sentry.Hub
}

// NewSentrySink initialises a Sentry client
func NewSentrySink(cfg config.SentryConfig) (*SentrySink, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialise sentry: %w", err)
	}
	return &SentrySink{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Capture sends err with tags
func (s *SentrySink) Capture(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := s.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		hub.CaptureException(err)
	})
	logging.FromContext(ctx).WithFields(tagFields(tags)).WithError(err).Debug("Error sent to sentry")
}

// CapturePanic sends a recovered panic with tags
func (s *SentrySink) CapturePanic(ctx context.Context, recovered any, tags map[string]string) {
	hub := s.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		hub.Recover(recovered)
	})
}

// Flush waits for buffered events
func (s *SentrySink) Flush(timeout time.Duration) {
	s.hub.Flush(timeout)
}

// LogSink writes errors to the structured log
type LogSink struct{}

// NewLogSink creates a logging sink
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Capture logs err with tags
func (s *LogSink) Capture(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	logging.FromContext(ctx).WithFields(tagFields(tags)).WithError(err).Error("Unexpected error")
}

// CapturePanic logs a recovered panic with tags
func (s *LogSink) CapturePanic(ctx context.Context, recovered any, tags map[string]string) {
	logging.FromContext(ctx).WithFields(tagFields(tags)).WithField("panic", fmt.Sprint(recovered)).Error("Recovered from panic")
}

// Flush is a no-op
func (s *LogSink) Flush(time.Duration) {}

func tagFields(tags map[string]string) map[string]interface{} {
	fields := make(map[string]interface{}, len(tags))
	for k, v := range tags {
		fields[k] = v
	}
	return fields
}
