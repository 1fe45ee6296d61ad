package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	pub := New(zaptest.NewLogger(t))
	id, err := pub.Publish(context.Background(), "spimex-loads", map[string]int{"inserted": 3})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "spimex-loads", msgs[0].Topic)
	assert.JSONEq(t, `{"inserted":3}`, string(msgs[0].Data))

	var decoded map[string]int
	require.NoError(t, pub.Decode(0, &decoded))
	assert.Equal(t, 3, decoded["inserted"])
	require.Error(t, pub.Decode(1, &decoded))

	msgs[0].Topic = "modified"
	assert.Equal(t, "spimex-loads", pub.Messages()[0].Topic)
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New(nil)
	pub.FailWith(errors.New("unavailable"))
	_, err := pub.Publish(context.Background(), "t", "x")
	require.EqualError(t, err, "unavailable")
	assert.Empty(t, pub.Messages())
}
