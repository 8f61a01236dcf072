package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "scan-completions", map[string]string{"job_id": "a"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "scan-completions", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "memory-2", msgs[1].ID)

	msgs[0].Topic = "modified"
	require.Equal(t, "scan-completions", pub.Messages()[0].Topic, "Messages returns a copy")
}

func TestWaitFor(t *testing.T) {
	t.Parallel()

	pub := New()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = pub.Publish(context.Background(), "t", 1)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msgs, err := pub.WaitFor(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = pub.WaitFor(short, 5)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
