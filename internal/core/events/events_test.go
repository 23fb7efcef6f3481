package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/markdave123-py/pdfrag/internal/logger"
)

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(ctx context.Context, _ Event) error {
	f.calls++
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("broker down")
}

func (f *failingPublisher) Close() error { return nil }

func TestEmitLogsAndSwallowsErrors(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	pub := &failingPublisher{}

	Emit(context.Background(), pub, logger.FromZap(zap.New(core)), Event{Type: DocumentCompleted, DocumentID: "d1"})

	assert.Equal(t, 1, pub.calls)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "broker down", logs.All()[0].ContextMap()["error"])
}

func TestEmitIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	core, logs := observer.New(zapcore.WarnLevel)
	Emit(ctx, &failingPublisher{}, logger.FromZap(zap.New(core)), Event{Type: QueryAnswered})

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "broker down", logs.All()[0].ContextMap()["error"])
}

func TestEmitNilPublisher(t *testing.T) {
	assert.NotPanics(t, func() {
		Emit(context.Background(), nil, logger.NewNop(), Event{Type: DocumentUploaded})
	})
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "topic")
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "pdfrag.events")
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}
