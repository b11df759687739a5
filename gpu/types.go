package gpu

import "time"

// Direction selects the transform direction.
type Direction int

const (
	Forward Direction = iota
	Inverse
)

func (d Direction) String() string {
	if d == Inverse {
		return "inverse"
	}
	return "forward"
}

// PreKind identifies the element-wise callback fused in front of a
// transform. The callback replaces the first pass's load, so the raw
// input buffer never needs a separate conversion kernel.
type PreKind int

const (
	PreNone PreKind = iota

	// PreConvert reads one int32 per element and produces
	// (value*scale, 0). Each batch window reads its own contiguous
	// block of the input buffer.
	PreConvert

	// PreConvertRotate is PreConvert with a per-window rotated read
	// index: window w at position i reads sample (i+w) mod N of the
	// single shared input block. This is how one reference signal
	// fans out into a bank of cyclic shifts without being stored
	// numShifts times.
	PreConvertRotate

	// PreMultiply reads two precomputed spectra from the callback's
	// combined parameter region (header, then the full reference
	// table, then the full input table) and emits their product.
	// The formal transform input buffer is validated but never read.
	PreMultiply
)

// PostKind identifies the element-wise callback fused after a transform.
// The callback replaces the final pass's store.
type PostKind int

const (
	PostNone PostKind = iota

	// PostConjugate stores (re, -im).
	PostConjugate

	// PostPeaks stores the (scaled) time-domain sample and writes the
	// sample's magnitude into the peaks region of the callback's
	// parameter buffer, per the plan's PeakPolicy.
	PostPeaks
)

// PeakPolicy selects what PostPeaks writes per correlation window.
type PeakPolicy int

const (
	// PeakFixedWindow writes the first PointsPerWindow magnitudes of
	// each window verbatim, without comparison.
	PeakFixedWindow PeakPolicy = iota

	// PeakRunningMax keeps only the maximum magnitude over the first
	// half of each window in slot 0; remaining slots stay zero.
	PeakRunningMax
)

func (p PeakPolicy) String() string {
	if p == PeakRunningMax {
		return "running-max"
	}
	return "fixed-window"
}

// PlanSpec fully describes a batched 1-D transform before bake. Plans
// are immutable once built; callbacks and their parameter buffers must
// be attached here, there is no way to add one later.
type PlanSpec struct {
	Label     string
	Length    int // N, power of two
	Batch     int
	Direction Direction

	Pre        PreKind
	Post       PostKind
	PreParams  Buffer // callback parameter region for Pre (nil if unused)
	PostParams Buffer // callback parameter region for Post (nil if unused)
	Policy     PeakPolicy

	// Input and Output are bound at bake. Enqueue re-validates against
	// them; a baked plan holding live buffer references is why plans
	// must be closed before buffers during teardown.
	Input  Buffer
	Output Buffer
}

// DeviceInfo describes the device a context runs on. Diagnostic only,
// never consulted by the pipeline.
type DeviceInfo struct {
	Name          string `json:"name"`
	Vendor        string `json:"vendor"`
	DriverVersion string `json:"driver_version"`
	APIVersion    string `json:"api_version"`
	Backend       string `json:"backend"`
}

// EventTiming carries the four per-operation instants a completed event
// exposes. The CPU backend records real instants around execution; the
// WebGPU backend approximates device time with host-clock instants
// (queued at encode, submitted after queue submit, started at submit,
// ended when completion is observed).
type EventTiming struct {
	Queued    time.Time
	Submitted time.Time
	Started   time.Time
	Ended     time.Time
}
