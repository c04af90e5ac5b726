// Package quality maps compression settings to a render scale and JPEG quality.
package quality

import (
	"fmt"
	"strconv"
	"strings"
)

// Setting is a named compression level.
type Setting string

const (
	Max         Setting = "max"
	Recommended Setting = "recommended"
	Low         Setting = "low"
)

// Default is used when the caller does not pick a level.
const Default = Recommended

const (
	// LowScale is used by the most aggressive level; resolution drops too.
	LowScale = 1.0
	// HighScale keeps resolution and lets encoder quality carry the tradeoff.
	HighScale = 1.5

	// aggressiveThreshold is the highest slider value still rendered at LowScale.
	aggressiveThreshold = 0.4
)

// Profile is the render scale and encoder quality for one setting.
type Profile struct {
	Scale   float64
	Quality float64
}

var profiles = map[Setting]Profile{
	Max:         {Scale: LowScale, Quality: 0.4},
	Recommended: {Scale: HighScale, Quality: 0.6},
	Low:         {Scale: HighScale, Quality: 0.8},
}

// Settings lists the known levels, most aggressive first.
func Settings() []Setting { return []Setting{Max, Recommended, Low} }

// Resolve returns the profile for s. Unknown settings resolve as Default.
func Resolve(s Setting) Profile {
	if p, ok := profiles[s]; ok {
		return p
	}
	return profiles[Default]
}

// ParseSetting accepts a level name (case-insensitive; "extreme" is an alias
// for max) and returns ok=false for anything else. An empty string is Default.
func ParseSetting(v string) (Setting, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return Default, true
	case "max", "extreme":
		return Max, true
	case "recommended":
		return Recommended, true
	case "low":
		return Low, true
	}
	return "", false
}

// FromQuality builds a profile from a raw slider value in (0, 1].
func FromQuality(q float64) (Profile, error) {
	if q <= 0 || q > 1 {
		return Profile{}, fmt.Errorf("quality %.2f outside (0, 1]", q)
	}
	scale := HighScale
	if q <= aggressiveThreshold {
		scale = LowScale
	}
	return Profile{Scale: scale, Quality: q}, nil
}

// Parse resolves either a level name or a numeric slider value such as "0.2".
func Parse(v string) (Profile, error) {
	if s, ok := ParseSetting(v); ok {
		return Resolve(s), nil
	}
	q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return Profile{}, fmt.Errorf("unknown quality %q", v)
	}
	return FromQuality(q)
}
