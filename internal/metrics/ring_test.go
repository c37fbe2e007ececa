package metrics

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_SnapshotEmpty(t *testing.T) {
	rg := newRing(4)

	assert.Empty(t, rg.snapshot())
	assert.Equal(t, 0, rg.len())
}

func TestRing_SnapshotBeforeWrap(t *testing.T) {
	rg := newRing(4)
	for i := 0; i < 3; i++ {
		rg.append(&Sample{Name: "latency", Value: float64(i)})
	}

	window := rg.snapshot()
	require.Len(t, window, 3)
	for i, s := range window {
		assert.Equal(t, float64(i), s.Value)
	}
}

func TestRing_WrapEvictsOldestFirst(t *testing.T) {
	rg := newRing(4)
	for i := 0; i < 10; i++ {
		rg.append(&Sample{Name: "latency", Value: float64(i)})
	}

	window := rg.snapshot()
	require.Len(t, window, 4)
	assert.Equal(t, 4, rg.len())

	// Only the last four survive, oldest first.
	for i, s := range window {
		assert.Equal(t, float64(6+i), s.Value, "slot %d", i)
	}
}

func TestRing_ConcurrentAppend(t *testing.T) {
	rg := newRing(64)

	done := make(chan struct{})
	for w := 0; w < 8; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				rg.append(&Sample{Name: fmt.Sprintf("w%d", w), Value: float64(i)})
			}
		}(w)
	}
	for w := 0; w < 8; w++ {
		<-done
	}

	window := rg.snapshot()
	assert.Len(t, window, 64)
	for _, s := range window {
		require.NotEmpty(t, s.Name)
	}
}
