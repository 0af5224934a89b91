package frames

import (
	"time"

	"github.com/hazyhaar/splatpipe/stage"
)

// Policy selects the keyframe sampling strategy. Exactly one of FixedCount
// or FixedInterval must be set.
type Policy struct {
	// FixedCount samples exactly N frames evenly spaced across the video
	// duration, endpoints included.
	FixedCount int
	// FixedInterval samples one frame every T, starting at 0.
	FixedInterval time.Duration
}

// Validate rejects conflicting or absent policies.
func (p Policy) Validate() error {
	switch {
	case p.FixedCount > 0 && p.FixedInterval > 0:
		return stage.Errf(stage.KindConfig, "sampling policy: fixed_count and fixed_interval are mutually exclusive")
	case p.FixedCount <= 0 && p.FixedInterval <= 0:
		return stage.Errf(stage.KindConfig, "sampling policy: set fixed_count or fixed_interval")
	case p.FixedCount < 0:
		return stage.Errf(stage.KindConfig, "sampling policy: fixed_count must be positive")
	}
	return nil
}

// Timestamps computes the sample positions for a video of the given
// duration, strictly increasing. A video too short for the policy is an
// extraction fault, never a silently smaller frame set.
func (p Policy) Timestamps(duration time.Duration) ([]time.Duration, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, stage.Errf(stage.KindExtraction, "video has no duration")
	}

	if p.FixedCount > 0 {
		n := p.FixedCount
		if n == 1 {
			return []time.Duration{0}, nil
		}
		ts := make([]time.Duration, n)
		step := duration / time.Duration(n-1)
		if step <= 0 {
			return nil, stage.Errf(stage.KindExtraction,
				"video too short for %d evenly spaced frames", n)
		}
		for i := 0; i < n; i++ {
			ts[i] = time.Duration(i) * step
		}
		ts[n-1] = duration // avoid rounding drift at the endpoint
		return ts, nil
	}

	if p.FixedInterval > duration {
		return nil, stage.Errf(stage.KindExtraction,
			"video (%s) shorter than sampling interval (%s)", duration, p.FixedInterval)
	}
	var ts []time.Duration
	for t := time.Duration(0); t <= duration; t += p.FixedInterval {
		ts = append(ts, t)
	}
	return ts, nil
}

// Interval returns the effective spacing between samples for a duration,
// recorded on the FrameSet.
func (p Policy) Interval(duration time.Duration) time.Duration {
	if p.FixedInterval > 0 {
		return p.FixedInterval
	}
	if p.FixedCount > 1 {
		return duration / time.Duration(p.FixedCount-1)
	}
	return 0
}
