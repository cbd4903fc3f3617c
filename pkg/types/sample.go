package types

// InvalidSample marks a scan value the device dropped after a buffer overflow.
const InvalidSample = -9999.0

// ChannelCount is the number of analog inputs in every scan (AIN0..AIN2).
const ChannelCount = 3

// Sample is one scan: P1 transducer, P2 transducer and piston position voltages.
type Sample struct {
	ID       int64   `db:"id" json:"id"`
	Channel0 float64 `db:"channel0" json:"channel0"`
	Channel1 float64 `db:"channel1" json:"channel1"`
	Channel2 float64 `db:"channel2" json:"channel2"`
}

// Skipped reports whether any channel of the scan carries the sentinel.
// A partially dropped scan is unusable, so it counts as one whole skipped scan.
func (s Sample) Skipped() bool {
	return s.Channel0 == InvalidSample ||
		s.Channel1 == InvalidSample ||
		s.Channel2 == InvalidSample
}

type StreamRead struct {
	ID            int64    `db:"id" json:"id"`
	TestID        int64    `db:"test_id" json:"test_id"`
	Index         int      `db:"stream_index" json:"index"`
	Skipped       int      `db:"skipped" json:"skipped"`
	DeviceBacklog int      `db:"device_backlog" json:"device_backlog"`
	HostBacklog   int      `db:"host_backlog" json:"host_backlog"`
	Samples       []Sample `json:"samples,omitempty"`
}

// SplitScans turns a channel-interleaved chunk into scans. Trailing values
// that do not fill a whole scan are dropped.
func SplitScans(values []float64) []Sample {
	samples := make([]Sample, 0, len(values)/ChannelCount)
	for k := 0; k+ChannelCount <= len(values); k += ChannelCount {
		samples = append(samples, Sample{
			Channel0: values[k],
			Channel1: values[k+1],
			Channel2: values[k+2],
		})
	}
	return samples
}

// CountSkipped returns the number of skipped scans in samples.
func CountSkipped(samples []Sample) int {
	n := 0
	for _, s := range samples {
		if s.Skipped() {
			n++
		}
	}
	return n
}
