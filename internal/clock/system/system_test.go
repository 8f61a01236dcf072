package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowIsUTCAndCurrent(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()

	require.Equal(t, time.UTC, got.Location())
	require.WithinRange(t, got, before, time.Now().Add(time.Second))
}

func TestZeroValueUsable(t *testing.T) {
	t.Parallel()

	var c Clock
	first := c.Now()
	require.False(t, c.Now().Before(first))
}
