// Package batchsize adapts the number of words sent per inference call to
// how well recent batches came back.
package batchsize

import (
	"fmt"
	"sync"
)

const (
	// DefaultWindow is how many recent outcomes feed the success rate.
	DefaultWindow = 10

	successRatio = 0.9
	shrinkBelow  = 0.5
	growAbove    = 0.9
)

// Adapter shrinks the batch size when batches come back incomplete and grows
// it back toward the initial size when they succeed. Safe for concurrent use.
type Adapter struct {
	mu      sync.Mutex
	initial int
	min     int
	current int
	window  int
	recent  []bool
}

// New returns an adapter starting at initial. It requires
// initial >= minSize >= 1. A window below 1 uses DefaultWindow.
func New(initial, minSize, window int) (*Adapter, error) {
	if minSize < 1 {
		return nil, fmt.Errorf("batchsize: min size must be >= 1, got %d", minSize)
	}
	if initial < minSize {
		return nil, fmt.Errorf("batchsize: initial size %d below min size %d", initial, minSize)
	}
	if window < 1 {
		window = DefaultWindow
	}
	return &Adapter{initial: initial, min: minSize, current: initial, window: window}, nil
}

// Size returns the current batch size.
func (a *Adapter) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Record notes the fraction of a batch that was resolved and adjusts the
// size. Ratios outside [0,1] are clamped.
func (a *Adapter) Record(ratio float64) {
	ratio = min(max(ratio, 0), 1)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.recent = append(a.recent, ratio >= successRatio)
	if len(a.recent) > a.window {
		a.recent = a.recent[len(a.recent)-a.window:]
	}

	rate := a.successRateLocked()
	switch {
	case rate < shrinkBelow:
		a.current = max(a.min, a.current*2/3)
	case rate > growAbove:
		a.current = min(a.initial, a.current*3/2)
	}
}

// SuccessRate is the share of successes in the window, 1.0 when empty.
func (a *Adapter) SuccessRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.successRateLocked()
}

func (a *Adapter) successRateLocked() float64 {
	if len(a.recent) == 0 {
		return 1.0
	}
	ok := 0
	for _, s := range a.recent {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(a.recent))
}
