package timertest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualOrdering(t *testing.T) {
	clock := NewManual()
	var order []string
	clock.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	clock.AfterFunc(time.Second, func() {
		order = append(order, "a")
		clock.AfterFunc(500*time.Millisecond, func() { order = append(order, "a2") })
	})
	stopped := clock.AfterFunc(time.Second, func() { order = append(order, "never") })
	require.True(t, stopped.Stop())
	require.False(t, stopped.Stop())

	assert.ElementsMatch(t, []time.Duration{2 * time.Second, time.Second}, clock.Pending())

	clock.Advance(3 * time.Second)
	assert.Equal(t, []string{"a", "a2", "b"}, order)
	assert.Equal(t, int64(3), clock.Now().Unix())
}
