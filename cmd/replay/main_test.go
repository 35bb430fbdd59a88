package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signals-backend/internal/events"
)

type recordingPublisher struct {
	sent []events.Envelope
	err  error
}

func (p *recordingPublisher) PublishEnvelope(ctx context.Context, e events.Envelope) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, e)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const fixture = `{"event_type":"error","occurred_at":"2025-01-15T10:00:00Z","message":"timeout","severity":"error","attributes":{"error_code":"TIMEOUT","route":"/api"}}

{"event_type":"signup","occurred_at":"2025-01-15T10:00:02Z","message":"User signed up"}
not json
{"event_type":"bogus","occurred_at":"2025-01-15T10:00:03Z","message":"x"}
{"event_type":"signup","occurred_at":"2025-01-15T10:00:06Z","message":"User signed up"}
`

func TestReplayFillsEnvelopesAndPaces(t *testing.T) {
	ref := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	pub := &recordingPublisher{}
	var slept []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	opts := options{OrgID: "org", ProjectID: "proj", Environment: "staging", Speed: 2}

	sent, err := replay(context.Background(), strings.NewReader(fixture), pub, opts, func() time.Time { return ref }, sleep, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	require.Len(t, pub.sent, 3)

	first := pub.sent[0]
	assert.Equal(t, events.SchemaVersion, first.SchemaVersion)
	assert.Equal(t, "staging", first.Environment)
	assert.Equal(t, ref, first.OccurredAt)
	assert.NotEqual(t, first.EventID, pub.sent[1].EventID)
	assert.Equal(t, "info", pub.sent[1].Severity)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestReplayStampsAfterPacingDelay(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	start := clock
	pub := &recordingPublisher{}
	sleep := func(ctx context.Context, d time.Duration) error {
		clock = clock.Add(d)
		return nil
	}
	opts := options{OrgID: "org", ProjectID: "proj", Environment: "prod", Speed: 1}

	_, err := replay(context.Background(), strings.NewReader(fixture), pub, opts, func() time.Time { return clock }, sleep, discardLogger())
	require.NoError(t, err)
	require.Len(t, pub.sent, 3)
	assert.Equal(t, start, pub.sent[0].OccurredAt)
	assert.Equal(t, start.Add(2*time.Second), pub.sent[1].OccurredAt)
	assert.Equal(t, start.Add(6*time.Second), pub.sent[2].OccurredAt)
	assert.Equal(t, pub.sent[2].OccurredAt, pub.sent[2].ReceivedAt)
}

func TestReplayStopsOnPublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats down")}
	noSleep := func(context.Context, time.Duration) error { return nil }
	sent, err := replay(context.Background(), strings.NewReader(fixture), pub, options{OrgID: "o", ProjectID: "p", Environment: "prod"}, time.Now, noSleep, discardLogger())
	assert.Error(t, err)
	assert.Equal(t, 0, sent)
}

func TestReplayDelayBounds(t *testing.T) {
	base := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	assert.Zero(t, replayDelay(time.Time{}, base, 1))
	assert.Zero(t, replayDelay(base, base.Add(-time.Second), 1))
	assert.Zero(t, replayDelay(base, base.Add(2*time.Minute), 1))
	assert.Equal(t, 500*time.Millisecond, replayDelay(base, base.Add(time.Second), 2))
	assert.Equal(t, time.Second, replayDelay(base, base.Add(time.Second), 0))
}
