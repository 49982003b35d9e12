// Package evaluator maps a metric value onto a performance zone using a
// rule's threshold bands. It is pure: no I/O, no clock, no side effects.
package evaluator

import (
	"fmt"

	"github.com/proppulse/backend/internal/models"
)

// Zone is the qualitative performance bucket for a metric value.
type Zone string

const (
	ZoneGreen  Zone = "green"
	ZoneYellow Zone = "yellow"
	ZoneRed    Zone = "red"
)

// Bands are the six optional threshold boundaries of a rule. A nil
// boundary never matches. Comparisons are strict: a value exactly equal
// to a boundary does not violate it.
type Bands struct {
	GreenMin  *float64
	GreenMax  *float64
	YellowMin *float64
	YellowMax *float64
	RedMin    *float64
	RedMax    *float64
}

// BandsFromRule extracts the threshold bands of a rule.
func BandsFromRule(r *models.AlertRule) Bands {
	return Bands{
		GreenMin:  r.GreenMin,
		GreenMax:  r.GreenMax,
		YellowMin: r.YellowMin,
		YellowMax: r.YellowMax,
		RedMin:    r.RedMin,
		RedMax:    r.RedMax,
	}
}

// Evaluate resolves the zone for value. Most severe band wins: red
// boundaries are checked before yellow so a value violating both is red.
func Evaluate(value float64, b Bands) Zone {
	if b.RedMin != nil && value < *b.RedMin {
		return ZoneRed
	}
	if b.RedMax != nil && value > *b.RedMax {
		return ZoneRed
	}
	if b.YellowMin != nil && value < *b.YellowMin {
		return ZoneYellow
	}
	if b.YellowMax != nil && value > *b.YellowMax {
		return ZoneYellow
	}
	return ZoneGreen
}

// Level converts a zone to the persisted alert level. Green yields "".
func (z Zone) Level() string {
	switch z {
	case ZoneRed:
		return models.LevelRed
	case ZoneYellow:
		return models.LevelYellow
	default:
		return ""
	}
}

// Fires reports whether the zone produces an alert instance.
func (z Zone) Fires() bool {
	return z == ZoneYellow || z == ZoneRed
}

// Message builds the human-readable alert message for a rule and value.
func Message(ruleName string, value float64, z Zone) string {
	var prefix string
	switch z {
	case ZoneRed:
		prefix = "Critical"
	case ZoneYellow:
		prefix = "Warning"
	default:
		prefix = "Normal"
	}
	return fmt.Sprintf("%s: %s - Value: %g", prefix, ruleName, value)
}

// BandRange describes one band's configured boundaries for display.
type BandRange struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

// Explanation carries the three band ranges and which boundary matched.
// Used by the rule preview/testing endpoint, not by the firing path.
type Explanation struct {
	Zone    Zone      `json:"zone"`
	Matched string    `json:"matched"` // e.g. "red_min", "yellow_max", "" for green
	Green   BandRange `json:"green"`
	Yellow  BandRange `json:"yellow"`
	Red     BandRange `json:"red"`
}

// Explain evaluates value against the bands and reports which boundary
// matched, with the same resolution order as Evaluate.
func Explain(value float64, b Bands) Explanation {
	e := Explanation{
		Zone:   ZoneGreen,
		Green:  BandRange{Min: b.GreenMin, Max: b.GreenMax},
		Yellow: BandRange{Min: b.YellowMin, Max: b.YellowMax},
		Red:    BandRange{Min: b.RedMin, Max: b.RedMax},
	}
	switch {
	case b.RedMin != nil && value < *b.RedMin:
		e.Zone, e.Matched = ZoneRed, "red_min"
	case b.RedMax != nil && value > *b.RedMax:
		e.Zone, e.Matched = ZoneRed, "red_max"
	case b.YellowMin != nil && value < *b.YellowMin:
		e.Zone, e.Matched = ZoneYellow, "yellow_min"
	case b.YellowMax != nil && value > *b.YellowMax:
		e.Zone, e.Matched = ZoneYellow, "yellow_max"
	}
	return e
}
