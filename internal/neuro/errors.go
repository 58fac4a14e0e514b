package neuro

import "fmt"

// ConfigError reports an invalid or inconsistent configuration: an
// unknown track label, a binning mismatch between a tuning-curve store
// and a decoder, or a selection that leaves no data. Configuration
// errors propagate to the caller immediately.
type ConfigError struct {
	Op     string // the configuration surface at fault, e.g. "binning"
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Op, e.Reason)
}

// RangeError reports a requested time window falling outside the
// recorded behaviour coverage, e.g. an event to decode that starts
// before position tracking began.
type RangeError struct {
	Start, End float64 // requested window, seconds
	Reason     string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("window [%.3f, %.3f] out of range: %s", e.Start, e.End, e.Reason)
}
