package traffic

import (
	"fmt"
	"time"
)

// Profile names a time-varying target-rate shape.
type Profile string

const (
	// ProfileSteady holds the base rate for the whole run.
	ProfileSteady Profile = "steady"
	// ProfileBurst triples the base rate for 10s out of every 30s cycle.
	ProfileBurst Profile = "burst"
	// ProfileSurge ramps 1k -> 15k req/s over 30s, holds 30s, ramps down
	// over 30s, then idles.
	ProfileSurge Profile = "surge"
)

// Burst and surge shape constants.
const (
	burstCycle      = 30 * time.Second
	burstWindow     = 10 * time.Second
	burstMultiplier = 3

	surgeRampUp   = 30 * time.Second
	surgeHold     = 30 * time.Second
	surgeRampDown = 30 * time.Second
	surgeFloor    = 1000.0
	surgePeak     = 15000.0
)

// Valid reports whether p names a known profile.
func (p Profile) Valid() bool {
	switch p {
	case ProfileSteady, ProfileBurst, ProfileSurge:
		return true
	}
	return false
}

// RateAt computes the instantaneous target rate (req/s) for the profile
// at the given elapsed time into the run.
func (p Profile) RateAt(elapsed time.Duration, baseRate float64) (float64, error) {
	switch p {
	case ProfileSteady:
		return baseRate, nil

	case ProfileBurst:
		if elapsed%burstCycle < burstWindow {
			return baseRate * burstMultiplier, nil
		}
		return baseRate, nil

	case ProfileSurge:
		switch {
		case elapsed < surgeRampUp:
			frac := float64(elapsed) / float64(surgeRampUp)
			return surgeFloor + (surgePeak-surgeFloor)*frac, nil
		case elapsed < surgeRampUp+surgeHold:
			return surgePeak, nil
		case elapsed < surgeRampUp+surgeHold+surgeRampDown:
			frac := float64(elapsed-surgeRampUp-surgeHold) / float64(surgeRampDown)
			return surgePeak - (surgePeak-surgeFloor)*frac, nil
		default:
			return 0, nil
		}

	default:
		return 0, fmt.Errorf("traffic: unknown profile %q", p)
	}
}
