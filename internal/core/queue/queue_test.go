package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/logger"
)

type processorFunc func(ctx context.Context, docID string) error

func (f processorFunc) ProcessOne(ctx context.Context, docID string) error { return f(ctx, docID) }

func TestIngestTaskPayload(t *testing.T) {
	task, err := NewIngestTask("doc-1")
	require.NoError(t, err)
	assert.Equal(t, TaskDocumentIngest, task.Type())
	assert.JSONEq(t, `{"document_id":"doc-1"}`, string(task.Payload()))
}

func TestHandleIngest(t *testing.T) {
	var got string
	h := HandleIngest(processorFunc(func(_ context.Context, id string) error {
		got = id
		return nil
	}), logger.NewNop())

	task, _ := NewIngestTask("doc-7")
	require.NoError(t, h.ProcessTask(context.Background(), task))
	assert.Equal(t, "doc-7", got)
}

func TestHandleIngestErrors(t *testing.T) {
	boom := errors.New("pipeline failed")
	tests := []struct {
		name    string
		payload []byte
		procErr error
		wantErr error
	}{
		{"bad json", []byte("{"), nil, asynq.SkipRetry},
		{"missing id", []byte(`{}`), nil, asynq.SkipRetry},
		{"unknown document", []byte(`{"document_id":"x"}`), fmt.Errorf("%w: x", core.ErrNotFound), nil},
		{"pipeline error", []byte(`{"document_id":"x"}`), boom, boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := HandleIngest(processorFunc(func(context.Context, string) error { return tt.procErr }), logger.NewNop())
			err := h.ProcessTask(context.Background(), asynq.NewTask(TaskDocumentIngest, tt.payload))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
