package core

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Clock supplies creation and audit timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// RandomSource supplies the uniform draws behind temperatures, random
// currents and random chemistry picks. *rand.Rand from math/rand/v2
// satisfies it.
type RandomSource interface {
	Float64() float64
	IntN(n int) int
}

// NewSeededRandom returns a deterministic source for the given seed.
func NewSeededRandom(seed uint64) RandomSource {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func newDefaultRandom() RandomSource {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// lockedRandom serializes access to a source that is not safe for
// concurrent use.
type lockedRandom struct {
	mu  sync.Mutex
	src RandomSource
}

func newLockedRandom(src RandomSource) *lockedRandom {
	if lr, ok := src.(*lockedRandom); ok {
		return lr
	}
	if src == nil {
		src = newDefaultRandom()
	}
	return &lockedRandom{src: src}
}

func (l *lockedRandom) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}

func (l *lockedRandom) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.IntN(n)
}

// uniform draws from [lo, hi].
func uniform(src RandomSource, lo, hi float64) float64 {
	return lo + src.Float64()*(hi-lo)
}
