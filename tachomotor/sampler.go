package tachomotor

import (
	"sync"
	"sync/atomic"
)

// tachoSamples is the capacity of the edge timestamp ring.
const tachoSamples = 128

// clockHz is the rate of the free-running hardware timestamp counter the
// edge source reports in. All ring arithmetic is 32-bit and relies on
// unsigned wraparound.
const clockHz = 33000000

// bounceTicks is the shortest believable gap between two genuine encoder
// edges: 400 usec at the 33 MHz clock. Anything faster is treated as bounce
// from the previous edge.
const bounceTicks = 400 * 33

type direction int

const (
	directionUnknown direction = iota
	directionForward
	directionReverse
)

// highSpeedBracket is the speed bracket above which edge filtering is
// skipped entirely. At speed, bounce is negligible relative to edge
// throughput and filtering would cost useful samples.
const highSpeedBracket = 35

// edgeSampler captures encoder transitions from the edge-stream context into
// a fixed-size timestamp ring, resolving instantaneous direction and
// rejecting bounce from slow/noisy transitions.
//
// Two execution contexts touch this struct: the edge stream writes on every
// encoder transition and the engine's 2 ms tick reads (and occasionally
// resets) the accumulated state. mu guards the multi-field edge record so a
// tick never observes a half-written update. The scalars the edge context
// only reads (speed bracket, polarity flags) are atomics so edge handling
// stays short and single-lock.
type edgeSampler struct {
	mu sync.Mutex

	samples     [tachoSamples]uint32
	samplesHead int

	gotNewSample  bool
	dirChgSamples int
	runDirection  direction
	irqTacho      int

	// speedBracket is the latest estimated speed on the 0..100 bracket
	// scale, signed. Published by the estimator once per tick.
	speedBracket atomic.Int32

	// polarityInverted and encoderInverted flip the edge-to-direction
	// mapping independently; both inverted cancels out.
	polarityInverted atomic.Bool
	encoderInverted  atomic.Bool
}

// handleEdge records one encoder transition. intLevel and dirLevel are the
// two line levels sampled at the edge, now is the hardware timestamp.
//
// When int == dir the encoder is turning forward (before polarity
// correction). Slow transitions bounce: if this edge lands within
// bounceTicks of the previous one, the pair is merged into a single ring
// slot and the previous position increment is undone, so a noisy transition
// wavers by one count instead of drifting.
func (s *edgeSampler) handleEdge(intLevel, dirLevel bool, now uint32) {
	speed := int(s.speedBracket.Load())
	polarityInverted := s.polarityInverted.Load()
	encoderInverted := s.encoderInverted.Load()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.samples[s.samplesHead]
	nextSample := (s.samplesHead + 1) % tachoSamples
	nextDirection := s.runDirection

	if speed > highSpeedBracket || speed < -highSpeedBracket {
		// Fast path: trust the current direction, just bump confidence.
		if s.dirChgSamples < tachoSamples-1 {
			s.dirChgSamples++
		}
	} else {
		forward := intLevel == dirLevel
		if polarityInverted != encoderInverted {
			forward = !forward
		}
		if forward {
			nextDirection = directionForward
		} else {
			nextDirection = directionReverse
		}

		if now-prev < bounceTicks {
			// Bounce: merge this edge into the previous ring slot and undo
			// the previous increment rather than writing a new one.
			s.samples[s.samplesHead] = now
			if s.runDirection == directionForward {
				s.irqTacho--
			} else {
				s.irqTacho++
			}
			nextSample = s.samplesHead
		} else if s.runDirection == nextDirection {
			if s.dirChgSamples < tachoSamples-1 {
				s.dirChgSamples++
			}
		} else {
			s.dirChgSamples = 0
		}
	}

	s.runDirection = nextDirection

	s.samples[nextSample] = now
	s.samplesHead = nextSample

	if s.runDirection == directionForward {
		s.irqTacho++
	} else {
		s.irqTacho--
	}

	s.gotNewSample = true
}

// liveTacho returns the position delta accumulated since the last settle.
func (s *edgeSampler) liveTacho() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.irqTacho
}

// takeTacho returns the live delta and zeroes it in one step, so edges
// arriving mid-settle are never lost.
func (s *edgeSampler) takeTacho() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.irqTacho
	s.irqTacho = 0
	return t
}

// adjustTacho shifts the live delta by a known amount. Used by the
// positional settle, which rebases the settled position onto the exact
// target and folds the residual into the live delta.
func (s *edgeSampler) adjustTacho(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.irqTacho += delta
}

func (s *edgeSampler) setPolarity(polarityInverted, encoderInverted bool) {
	s.polarityInverted.Store(polarityInverted)
	s.encoderInverted.Store(encoderInverted)
}

// reset returns the sampler to its attach-time state.
func (s *edgeSampler) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = [tachoSamples]uint32{}
	s.samplesHead = 0
	s.gotNewSample = false
	s.dirChgSamples = 0
	s.runDirection = directionUnknown
	s.irqTacho = 0
	s.speedBracket.Store(0)
}
