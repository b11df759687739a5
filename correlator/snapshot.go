package correlator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Step identifies which stage most recently updated the snapshot.
type Step int

const (
	StepNone Step = iota
	StepReference
	StepInput
	StepPeaks
)

func (s Step) String() string {
	switch s {
	case StepNone:
		return "none"
	case StepReference:
		return "reference_spectra"
	case StepInput:
		return "input_spectra"
	case StepPeaks:
		return "correlation_peaks"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// ComplexSample is one complex bin split into parts so exports stay
// portable; encoding/json has no native complex representation.
type ComplexSample struct {
	Real float32 `json:"real"`
	Imag float32 `json:"imag"`
}

func complexView(v []complex64) []ComplexSample {
	out := make([]ComplexSample, len(v))
	for i, c := range v {
		out[i] = ComplexSample{Real: real(c), Imag: imag(c)}
	}
	return out
}

// Snapshot holds host copies of the intermediate results as the steps
// produce them. Saves keep their own copy of the data, so callers may
// reuse the slices they pass in.
type Snapshot struct {
	referenceSpectra []complex64
	inputSpectra     []complex64
	peaks            []float32

	numShifts  int
	numSignals int
	signalLen  int
	points     int

	step      Step
	timestamp time.Time
}

func NewSnapshot() *Snapshot {
	return &Snapshot{timestamp: time.Now()}
}

// SaveReferenceSpectra captures the step-1 output and its geometry.
func (s *Snapshot) SaveReferenceSpectra(data []complex64, numShifts, signalLen int) {
	s.referenceSpectra = append([]complex64(nil), data...)
	s.numShifts = numShifts
	s.signalLen = signalLen
	s.step = StepReference
	s.timestamp = time.Now()
}

// SaveInputSpectra captures the step-2 output and its geometry.
func (s *Snapshot) SaveInputSpectra(data []complex64, numSignals, signalLen int) {
	s.inputSpectra = append([]complex64(nil), data...)
	s.numSignals = numSignals
	s.signalLen = signalLen
	s.step = StepInput
	s.timestamp = time.Now()
}

// SavePeaks captures the step-3 peak magnitudes and their geometry.
func (s *Snapshot) SavePeaks(peaks []float32, numSignals, numShifts, points int) {
	s.peaks = append([]float32(nil), peaks...)
	s.numSignals = numSignals
	s.numShifts = numShifts
	s.points = points
	s.step = StepPeaks
	s.timestamp = time.Now()
}

func (s *Snapshot) ReferenceSpectra() []complex64 { return s.referenceSpectra }
func (s *Snapshot) InputSpectra() []complex64     { return s.inputSpectra }
func (s *Snapshot) Peaks() []float32              { return s.peaks }

// Step reports which save ran last.
func (s *Snapshot) Step() Step { return s.step }

// Timestamp reports when the last save ran.
func (s *Snapshot) Timestamp() time.Time { return s.timestamp }

// DataSize totals the bytes held across all captured arrays.
func (s *Snapshot) DataSize() int {
	return len(s.referenceSpectra)*8 + len(s.inputSpectra)*8 + len(s.peaks)*4
}

// StepJSON renders one step's captured data as a JSON document.
func (s *Snapshot) StepJSON(step Step) ([]byte, error) {
	header := struct {
		Step      string    `json:"step"`
		Timestamp time.Time `json:"timestamp"`
		DataBytes int       `json:"data_size_bytes"`
	}{step.String(), s.timestamp, s.DataSize()}

	switch step {
	case StepReference:
		return json.Marshal(struct {
			Step         string          `json:"step"`
			Timestamp    time.Time       `json:"timestamp"`
			DataBytes    int             `json:"data_size_bytes"`
			ReferenceFFT []ComplexSample `json:"reference_fft"`
			NumShifts    int             `json:"num_shifts"`
			SignalLen    int             `json:"signal_len"`
		}{header.Step, header.Timestamp, header.DataBytes,
			complexView(s.referenceSpectra), s.numShifts, s.signalLen})
	case StepInput:
		return json.Marshal(struct {
			Step       string          `json:"step"`
			Timestamp  time.Time       `json:"timestamp"`
			DataBytes  int             `json:"data_size_bytes"`
			InputFFT   []ComplexSample `json:"input_fft"`
			NumSignals int             `json:"num_signals"`
			SignalLen  int             `json:"signal_len"`
		}{header.Step, header.Timestamp, header.DataBytes,
			complexView(s.inputSpectra), s.numSignals, s.signalLen})
	case StepPeaks:
		return json.Marshal(struct {
			Step       string    `json:"step"`
			Timestamp  time.Time `json:"timestamp"`
			DataBytes  int       `json:"data_size_bytes"`
			Peaks      []float32 `json:"peaks"`
			NumSignals int       `json:"num_signals"`
			NumShifts  int       `json:"num_shifts"`
			Points     int       `json:"points_per_window"`
		}{header.Step, header.Timestamp, header.DataBytes,
			s.peaks, s.numSignals, s.numShifts, s.points})
	default:
		return nil, fmt.Errorf("rake/correlator: no data for step %v", step)
	}
}

// Statistics returns a human-readable summary of what the snapshot
// holds.
func (s *Snapshot) Statistics() string {
	var b strings.Builder
	fmt.Fprintf(&b, "snapshot at %s, last step %s\n", s.timestamp.Format(time.RFC3339), s.step)
	fmt.Fprintf(&b, "  reference spectra: %d complex samples (%d shifts of %d)\n",
		len(s.referenceSpectra), s.numShifts, s.signalLen)
	fmt.Fprintf(&b, "  input spectra:     %d complex samples (%d signals of %d)\n",
		len(s.inputSpectra), s.numSignals, s.signalLen)
	fmt.Fprintf(&b, "  peaks:             %d values (%d per window)\n", len(s.peaks), s.points)
	fmt.Fprintf(&b, "  total:             %d bytes", s.DataSize())
	return b.String()
}
