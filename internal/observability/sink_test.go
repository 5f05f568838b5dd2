package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar-lineage/internal/config"
	"github.com/stellar-lineage/internal/logging"
)

type recordingTransport struct {
	events []*sentry.Event
}

func (t *recordingTransport) Configure(sentry.ClientOptions)        {}
func (t *recordingTransport) SendEvent(event *sentry.Event)         { t.events = append(t.events, event) }
func (t *recordingTransport) Flush(time.Duration) bool              { return true }
func (t *recordingTransport) FlushWithContext(context.Context) bool { return true }
func (t *recordingTransport) Close()                                {}

func TestNewErrorSink_NoDSNUsesLogs(t *testing.T) {
	sink, err := NewErrorSink(config.SentryConfig{})
	require.NoError(t, err)
	assert.IsType(t, &LogSink{}, sink)
}

func TestLogSink_Capture(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLoggerWithOutput(logging.LevelDebug, logging.FormatJSON, &buf)
	ctx := logging.WithLogger(testContext(t), logger)

	NewLogSink().Capture(ctx, errors.New("boom"), map[string]string{"stage": "extracting_creator"})

	assert.Contains(t, buf.String(), `"stage":"extracting_creator"`)
	assert.Contains(t, buf.String(), "boom")
}

func TestSentrySink_CaptureTags(t *testing.T) {
	transport := &recordingTransport{}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:       "https://public@sentry.example/1",
		Transport: transport,
	})
	require.NoError(t, err)
	sink := &SentrySink{hub: sentry.NewHub(client, sentry.NewScope())}

	sink.Capture(testContext(t), errors.New("boom"), map[string]string{"stage": "horizon_api_datasets"})
	sink.Capture(testContext(t), nil, nil)

	require.Len(t, transport.events, 1)
	assert.Equal(t, "horizon_api_datasets", transport.events[0].Tags["stage"])
}
