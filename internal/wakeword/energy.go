package wakeword

import (
	"context"
	"math"
	"sync"

	"github.com/loqalabs/loqa-wake/internal/audio"
)

// EnergyOptions tunes the energy detector.
type EnergyOptions struct {
	// HoldFrames is how many consecutive loud frames make a detection.
	HoldFrames int
	// RefractoryFrames suppresses detections after a hit.
	RefractoryFrames int
}

// NewEnergyLoader returns a loader for the built-in reference detector. It
// fires when the frame RMS stays above Threshold(sensitivity) for HoldFrames
// consecutive frames. It is not a keyword model; any built-in keyword is
// accepted and reported as index 0.
func NewEnergyLoader(opts EnergyOptions) Loader {
	if opts.HoldFrames <= 0 {
		opts.HoldFrames = 3
	}
	if opts.RefractoryFrames < 0 {
		opts.RefractoryFrames = 0
	}
	return LoaderFunc(func(_ context.Context, cfg Config) (Detector, error) {
		cfg = cfg.Normalize()
		if !IsBuiltin(cfg.Keyword) {
			return nil, unsupported(cfg.Keyword)
		}
		if cfg.FrameLength <= 0 || cfg.SampleRate <= 0 {
			return nil, &ModelError{Kind: ErrFormatMismatch, Keyword: cfg.Keyword}
		}
		return &energyDetector{
			threshold:  Threshold(cfg.Sensitivity),
			hold:       opts.HoldFrames,
			refractory: opts.RefractoryFrames,
		}, nil
	})
}

type energyDetector struct {
	mu         sync.Mutex
	threshold  float64
	hold       int
	refractory int

	run      int
	cooldown int
	unloaded bool
}

func (d *energyDetector) Process(frame audio.Frame) Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unloaded {
		return NoMatch
	}
	if d.cooldown > 0 {
		d.cooldown--
		d.run = 0
		return NoMatch
	}
	if rms(frame) < d.threshold {
		d.run = 0
		return NoMatch
	}
	d.run++
	if d.run < d.hold {
		return NoMatch
	}
	d.run = 0
	d.cooldown = d.refractory
	return Match(0)
}

func (d *energyDetector) Unload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unloaded = true
	return nil
}

func rms(frame audio.Frame) float64 {
	n := frame.Len()
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(frame.At(i))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
