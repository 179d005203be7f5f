package batchsize

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	_, err := New(10, 0, 10)
	require.Error(t, err)
	_, err = New(4, 5, 10)
	require.Error(t, err)

	a, err := New(50, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 50, a.Size())
	assert.Equal(t, 1.0, a.SuccessRate())
}

func TestShrinksOnFailuresAndFloorsAtMin(t *testing.T) {
	a, err := New(60, 10, 10)
	require.NoError(t, err)

	a.Record(0.2)
	assert.Equal(t, 40, a.Size())
	a.Record(0.0)
	assert.Equal(t, 26, a.Size())
	for range 10 {
		a.Record(-3)
	}
	assert.Equal(t, 10, a.Size())
	assert.Equal(t, 0.0, a.SuccessRate())
}

func TestGrowsBackCappedAtInitial(t *testing.T) {
	a, err := New(60, 10, 4)
	require.NoError(t, err)
	a.Record(0)
	a.Record(0)
	require.Equal(t, 26, a.Size())

	// The first success still leaves the rate below half.
	a.Record(1.5)
	assert.Equal(t, 17, a.Size())
	a.Record(1)
	a.Record(1)
	assert.Equal(t, 17, a.Size())
	a.Record(1)
	assert.Equal(t, 25, a.Size())
	a.Record(1)
	assert.Equal(t, 37, a.Size())
	a.Record(0.95)
	assert.Equal(t, 55, a.Size())
	a.Record(1)
	assert.Equal(t, 60, a.Size())
}

func TestMixedRateHolds(t *testing.T) {
	a, err := New(30, 5, 10)
	require.NoError(t, err)
	a.Record(1)
	a.Record(0.5)
	a.Record(1)
	a.Record(0.1)
	assert.Equal(t, 30, a.Size())
}

func TestConcurrentRecordStaysInBounds(t *testing.T) {
	a, err := New(40, 8, 10)
	require.NoError(t, err)
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Record(float64(i%3) / 2)
			size := a.Size()
			assert.GreaterOrEqual(t, size, 8)
			assert.LessOrEqual(t, size, 40)
		}()
	}
	wg.Wait()
}
