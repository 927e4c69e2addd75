// Package dvfs picks the DSP performance level: a background loop maps the
// measured busy percentage onto a level through a two-band hysteresis table,
// and explicit client votes override the loop.
package dvfs

import "fmt"

// Level is a discrete DSP operating point
type Level int

const (
	// LevelAuto means no vote: the feedback loop decides
	LevelAuto Level = iota
	LevelMin
	Level2
	Level3
	Level4
	Level5
	LevelMax

	NumLevels = int(LevelMax) + 1
)

func (l Level) String() string {
	switch l {
	case LevelAuto:
		return "auto"
	case LevelMin:
		return "min"
	case LevelMax:
		return "max"
	default:
		return fmt.Sprintf("L%d", int(l))
	}
}

// Valid reports whether l is a selectable level
func (l Level) Valid() bool {
	return l >= LevelAuto && l <= LevelMax
}

// HintToLevel converts a client power hint: -1 is auto, 0 through 5 select
// the minimum through maximum level, anything else is treated as maximum.
func HintToLevel(hint int) Level {
	switch {
	case hint == -1:
		return LevelAuto
	case hint >= 0 && hint <= 5:
		return LevelMin + Level(hint)
	default:
		return LevelMax
	}
}

// Hint flags
const (
	HintAcquire = 0
	HintRelease = 1
)

// Usage thresholds of the hysteresis table, in percent
const (
	HighThreshold = 50
	LowThreshold  = 20
)

// Strategy maps the current busy percentage onto a level. The previous
// sample selects the band: coming from a busy period, moderate load keeps a
// higher level than it would coming from an idle one.
func Strategy(percent, last int) Level {
	if last > LowThreshold {
		switch {
		case percent > HighThreshold:
			return LevelMax
		case percent > LowThreshold:
			return LevelMax - 2
		default:
			return LevelMax - 3
		}
	}
	if percent > HighThreshold {
		return LevelMax
	}
	return LevelMax - 3
}

// Hysteresis carries the table state between samples
type Hysteresis struct {
	last    int
	started bool
}

// Step feeds one sample. The first sample has no history and selects the
// maximum level without recording itself.
func (h *Hysteresis) Step(percent int) Level {
	if !h.started {
		h.started = true
		return LevelMax
	}
	l := Strategy(percent, h.last)
	h.last = percent
	return l
}

// Replay runs a usage trace through a fresh table
func Replay(percents []int) []Level {
	var h Hysteresis
	out := make([]Level, len(percents))
	for i, p := range percents {
		out[i] = h.Step(p)
	}
	return out
}
