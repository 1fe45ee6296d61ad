package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	uri, err := store.PutObject(ctx, "2024/05.06.2024_1.xls", "application/vnd.ms-excel", bytes.NewReader([]byte("content")))
	require.NoError(t, err)
	assert.Equal(t, "memory://2024/05.06.2024_1.xls", uri)

	ok, err := store.Exists(ctx, "2024/05.06.2024_1.xls")
	require.NoError(t, err)
	assert.True(t, ok)

	got, ok := store.Get("2024/05.06.2024_1.xls")
	require.True(t, ok)
	got[0] = 'C'
	again, _ := store.Get("2024/05.06.2024_1.xls")
	assert.Equal(t, "content", string(again))
	assert.Equal(t, []string{"2024/05.06.2024_1.xls"}, store.Keys())
}
