package objectclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/pdfrag/internal/core"
)

func TestMemoryClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()

	url, err := m.UploadFile(ctx, "bucket", "users/u1/2024/05/d1/my report.pdf", []byte("%PDF-1.4"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "mem://bucket/users/u1/2024/05/d1/my%20report.pdf", url)

	data, err := m.GetFile(ctx, "bucket", "users/u1/2024/05/d1/my report.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4"), data)

	require.NoError(t, m.DeleteFile(ctx, "bucket", "users/u1/2024/05/d1/my report.pdf"))
	_, err = m.GetFile(ctx, "bucket", "users/u1/2024/05/d1/my report.pdf")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Zero(t, m.Len())
}

func TestEscapeKey(t *testing.T) {
	assert.Equal(t, "a/b%20c/d.pdf", escapeKey("a/b c/d.pdf"))
}
