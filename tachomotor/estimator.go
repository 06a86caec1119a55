package tachomotor

// speedEstimator derives pulses per second from the sampler's timestamp
// ring, once per control tick.
//
// The estimate is two-stage. A coarse instantaneous period from the two
// newest samples picks the averaging window (more samples at higher speed,
// scaled by motor type), then the fine estimate divides the elapsed time
// across that many edges. The window only applies once enough edges have
// accumulated in the same direction, which is what keeps a direction change
// from polluting the average.
type speedEstimator struct {
	profile typeProfile

	samplesPerSpeed int
	pulsesPerSecond int
}

func newSpeedEstimator(profile typeProfile) *speedEstimator {
	return &speedEstimator{
		profile:         profile,
		samplesPerSpeed: profile.samplesPerSpeed[0],
	}
}

// update recomputes the speed estimate. now is the current hardware
// timestamp, used for stall detection. Reports whether a new estimate was
// produced; the control loop does not gate on it, it exists for telemetry.
func (e *speedEstimator) update(s *edgeSampler, now uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	head := s.samplesHead
	updated := false

	// Coarse estimate from the two most recent edges. The OR with 1 keeps
	// the period nonzero without special-casing a wrapped difference.
	if s.dirChgSamples >= 1 {
		diff := s.samples[head] - s.samples[(head+tachoSamples-1)%tachoSamples]
		diff |= 1
		e.samplesPerSpeed = e.profile.samplesFor(e.profile.countsPerPulse / int(diff))
	}

	if s.gotNewSample && s.dirChgSamples >= e.samplesPerSpeed {
		diff := s.samples[head] - s.samples[(head+tachoSamples-e.samplesPerSpeed)%tachoSamples]
		diff |= 1

		pps := (clockHz * e.samplesPerSpeed) / int(diff)
		if s.runDirection == directionReverse {
			pps = -pps
		}
		e.pulsesPerSecond = pps
		updated = true
		s.gotNewSample = false
	} else if uint32(e.profile.countsPerPulse) < now-s.samples[head] {
		// No edge for longer than one pulse period at minimum speed: the
		// motor has stopped. This is the only path that brings the speed
		// back to exactly zero.
		s.dirChgSamples = 0
		e.pulsesPerSecond = 0
		updated = true
	}

	// Publish the speed bracket the sampler's fast path gates on.
	s.speedBracket.Store(int32((e.pulsesPerSecond * 100) / e.profile.maxPulsesPerSec))

	return updated
}

// reset returns the estimator to its attach-time state. The estimator's
// fields are written by update under the sampler's lock, so reset takes the
// same lock: a reset racing the tick loop must not tear them.
func (e *speedEstimator) reset(s *edgeSampler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.samplesPerSpeed = e.profile.samplesPerSpeed[0]
	e.pulsesPerSecond = 0
}
