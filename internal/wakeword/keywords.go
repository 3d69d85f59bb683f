package wakeword

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
)

// DefaultKeyword is substituted when a requested keyword has no model.
const DefaultKeyword = "jarvis"

var builtinKeywords = []string{
	"jarvis", "computer", "ok google", "hey google", "terminator",
	"picovoice", "porcupine", "alexa", "americano", "blueberry",
	"bumblebee", "grapefruit", "grasshopper", "hey siri",
}

// BuiltinKeywords returns the keywords every backend without its own model
// catalog accepts, sorted.
func BuiltinKeywords() []string {
	out := append([]string(nil), builtinKeywords...)
	sort.Strings(out)
	return out
}

// IsBuiltin reports whether keyword is in the built-in catalog.
func IsBuiltin(keyword string) bool {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	for _, k := range builtinKeywords {
		if k == keyword {
			return true
		}
	}
	return false
}

// LoadWithFallback loads cfg and, if the keyword is unsupported, retries once
// with fallback. It returns the config that was actually loaded. Errors other
// than ErrUnsupportedKeyword are returned unchanged.
func LoadWithFallback(ctx context.Context, loader Loader, cfg Config, fallback string, log *slog.Logger) (Detector, Config, error) {
	cfg = cfg.Normalize()
	det, err := loader.Load(ctx, cfg)
	if err == nil {
		return det, cfg, nil
	}
	fallback = strings.ToLower(strings.TrimSpace(fallback))
	if !errors.Is(err, ErrUnsupportedKeyword) || fallback == "" || fallback == cfg.Keyword {
		return nil, cfg, err
	}
	if log != nil {
		log.Warn("wake word unavailable, using fallback",
			slog.String("requested", cfg.Keyword),
			slog.String("fallback", fallback))
	}
	alt := cfg
	alt.Keyword = fallback
	det, err = loader.Load(ctx, alt)
	if err != nil {
		return nil, alt, err
	}
	return det, alt, nil
}

const (
	minThreshold = 200.0
	maxThreshold = 6000.0
)

// Threshold maps sensitivity in [0,1] to an RMS level in int16 units. It is
// strictly decreasing: a more sensitive detector triggers on quieter input.
func Threshold(sensitivity float64) float64 {
	switch {
	case sensitivity < 0:
		sensitivity = 0
	case sensitivity > 1:
		sensitivity = 1
	}
	return minThreshold + (maxThreshold-minThreshold)*(1-sensitivity)
}
