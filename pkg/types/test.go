package types

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidWindow = errors.New("invalid analysis window")

// Test is one acquisition run with every read and scan it produced.
type Test struct {
	ID             int64        `db:"id" json:"id"`
	RunID          string       `db:"run_id" json:"run_id"`
	Start          time.Time    `db:"start" json:"start"`
	Finish         time.Time    `db:"finish" json:"finish"`
	Duration       float64      `db:"duration" json:"duration"`
	ScanRateActual float64      `db:"scan_rate_actual" json:"scan_rate_actual"`
	WindowStart    int          `db:"window_start" json:"window_start"`
	WindowFinish   int          `db:"window_finish" json:"window_finish"`
	ConfigID       int64        `db:"config_id" json:"config_id"`
	ConstantsID    int64        `db:"constants_id" json:"constants_id"`
	Live           bool         `db:"live" json:"live"`
	Stats          *WindowStats `json:"stats,omitempty"`
	Reads          []StreamRead `json:"reads,omitempty"`
}

// Samples returns every scan of the test in acquisition order.
func (t *Test) Samples() []Sample {
	out := make([]Sample, 0, t.ScanCount())
	for _, r := range t.Reads {
		out = append(out, r.Samples...)
	}
	return out
}

func (t *Test) ScanCount() int {
	n := 0
	for _, r := range t.Reads {
		n += len(r.Samples)
	}
	return n
}

func (t *Test) SkippedCount() int {
	n := 0
	for _, r := range t.Reads {
		n += r.Skipped
	}
	return n
}

func (t *Test) Analyzed() bool {
	return t.Stats != nil
}

// CheckWindow enforces 0 <= start < finish <= total.
func CheckWindow(start, finish, total int) error {
	if start < 0 {
		return fmt.Errorf("%w: start %d is negative", ErrInvalidWindow, start)
	}
	if finish <= start {
		return fmt.Errorf("%w: finish %d must be after start %d", ErrInvalidWindow, finish, start)
	}
	if finish > total {
		return fmt.Errorf("%w: finish %d beyond the %d recorded scans", ErrInvalidWindow, finish, total)
	}
	return nil
}

// ClampWindow fits a proposed window into a record of total scans. When the
// proposed window is empty after clamping, the whole record is used.
func ClampWindow(start, finish, total int) (int, int) {
	start = max(0, min(start, total))
	finish = max(0, min(finish, total))
	if finish <= start {
		return 0, total
	}
	return start, finish
}
