package types

import (
	"encoding/json"
	"fmt"

	"github.com/robproject/lre-sendes/pkg/uncertain"
	"github.com/robproject/lre-sendes/pkg/units"
)

// NotAnalyzed is what an unanalyzed statistic serializes to.
const NotAnalyzed = "not analyzed"

// WindowStats holds the windowed voltage statistics of a test.
// VP1 and VP2 are channel0/channel1 means, VDX is the mean per-scan
// change of channel2. All three are independent quantities in volts.
type WindowStats struct {
	VP1 uncertain.Quantity
	VP2 uncertain.Quantity
	VDX uncertain.Quantity
	// Usable scans in the window.
	N int
}

type windowStatsJSON struct {
	VP1 string `json:"vp1"`
	VP2 string `json:"vp2"`
	VDX string `json:"vdx"`
	N   int    `json:"n"`
}

func (w WindowStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(windowStatsJSON{
		VP1: w.VP1.String(),
		VP2: w.VP2.String(),
		VDX: w.VDX.String(),
		N:   w.N,
	})
}

func (w *WindowStats) UnmarshalJSON(data []byte) error {
	var raw windowStatsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseWindowStats(raw.VP1, raw.VP2, raw.VDX)
	if err != nil {
		return err
	}
	parsed.N = raw.N
	*w = *parsed
	return nil
}

// ParseWindowStats rebuilds stats from their "<nominal>+/-<std>" strings.
func ParseWindowStats(vp1, vp2, vdx string) (*WindowStats, error) {
	p1, err := uncertain.Parse("vp1", vp1, units.Volt)
	if err != nil {
		return nil, fmt.Errorf("vp1: %w", err)
	}
	p2, err := uncertain.Parse("vp2", vp2, units.Volt)
	if err != nil {
		return nil, fmt.Errorf("vp2: %w", err)
	}
	dx, err := uncertain.Parse("vdx", vdx, units.Volt)
	if err != nil {
		return nil, fmt.Errorf("vdx: %w", err)
	}
	return &WindowStats{VP1: p1, VP2: p2, VDX: dx}, nil
}
