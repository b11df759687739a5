package pipeline

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/openfluke/rake/gpu"
	"github.com/openfluke/rake/signal"
)

func runFullPipeline(t *testing.T, g Geometry, ref, inputs []int32) (*Pipeline, []float32) {
	t.Helper()
	p := newTestPipeline(t, g)
	if err := p.RunReferenceStage(ref, g.SignalLen, g.NumShifts, g.ScaleFactor); err != nil {
		t.Fatalf("RunReferenceStage: %v", err)
	}
	if err := p.RunInputStage(inputs, g.SignalLen, g.NumSignals, g.ScaleFactor); err != nil {
		t.Fatalf("RunInputStage: %v", err)
	}
	peaks, err := p.RunCorrelationStage()
	if err != nil {
		t.Fatalf("RunCorrelationStage: %v", err)
	}
	return p, peaks
}

func rotate(v []int32, d int) []int32 {
	out := make([]int32, len(v))
	for i := range v {
		out[i] = v[(i+d)%len(v)]
	}
	return out
}

func scaleSamples(v []int32, k int32) []int32 {
	out := make([]int32, len(v))
	for i, s := range v {
		out[i] = s * k
	}
	return out
}

func slotIndex(g Geometry, sig, shift, point int) int {
	return (sig*g.NumShifts+shift)*g.PointsPerWindow + point
}

func TestZeroReferenceGivesZeroPeaks(t *testing.T) {
	g := testGeometry()
	ref := make([]int32, g.SignalLen)
	seq := signal.MSequence(0x80000000, g.SignalLen)
	inputs := make([]int32, 0, g.SignalLen*g.NumSignals)
	inputs = append(inputs, seq...)
	inputs = append(inputs, rotate(seq, 3)...)

	_, peaks := runFullPipeline(t, g, ref, inputs)
	for i, v := range peaks {
		if v != 0 {
			t.Fatalf("peak %d = %g, want 0 for a zero reference", i, v)
		}
	}
}

// TestAutocorrelationDominance feeds one input equal to the reference
// and one equal to a cyclic rotation of it. The window whose shift
// undoes the rotation must carry the full energy peak at its first
// point; every other window's first point is a strictly lower
// sidelobe.
func TestAutocorrelationDominance(t *testing.T) {
	g := testGeometry()
	ref := signal.MSequence(0x80000000, g.SignalLen)
	inputs := make([]int32, 0, g.SignalLen*g.NumSignals)
	inputs = append(inputs, ref...)
	inputs = append(inputs, rotate(ref, 2)...)

	_, peaks := runFullPipeline(t, g, ref, inputs)

	energy := float32(g.SignalLen) * g.ScaleFactor * g.ScaleFactor
	matched := []int{0, 2} // per signal: the shift that aligns it
	for sig, shift := range matched {
		got := peaks[slotIndex(g, sig, shift, 0)]
		if diff := math.Abs(float64(got - energy)); diff > 1e-2 {
			t.Errorf("signal %d shift %d peak = %g, want %g", sig, shift, got, energy)
		}
	}
	for sig := 0; sig < g.NumSignals; sig++ {
		for shift := 0; shift < g.NumShifts; shift++ {
			if shift == matched[sig] {
				continue
			}
			got := peaks[slotIndex(g, sig, shift, 0)]
			if got > energy-1 {
				t.Errorf("signal %d shift %d sidelobe = %g, not below the %g peak",
					sig, shift, got, energy)
			}
		}
	}
}

// TestScaleInvariance scales every integer sample by k and the
// conversion factor by 1/k; the peak magnitudes must not move.
func TestScaleInvariance(t *testing.T) {
	g := testGeometry()
	ref := signal.MSequence(0x80000000, g.SignalLen)
	inputs := make([]int32, 0, g.SignalLen*g.NumSignals)
	inputs = append(inputs, rotate(ref, 1)...)
	inputs = append(inputs, ref...)

	_, base := runFullPipeline(t, g, ref, inputs)

	scaled := g
	scaled.ScaleFactor = g.ScaleFactor / 4
	_, got := runFullPipeline(t, scaled, scaleSamples(ref, 4), scaleSamples(inputs, 4))

	if len(base) != len(got) {
		t.Fatalf("peak counts differ: %d vs %d", len(base), len(got))
	}
	for i := range base {
		if diff := math.Abs(float64(base[i] - got[i])); diff > 1e-3 {
			t.Fatalf("peak %d moved under rescaling: %g vs %g", i, base[i], got[i])
		}
	}
}

// TestSingleShiftMatchesInputTransform checks the shifts=1 boundary:
// with no rotation left to do, the reference stage reduces to the
// input stage's plain forward transform plus the conjugated store.
func TestSingleShiftMatchesInputTransform(t *testing.T) {
	g := Geometry{SignalLen: 16, NumShifts: 1, NumSignals: 1, PointsPerWindow: 4, ScaleFactor: 0.5}
	seq := signal.MSequence(0xC0FFEE01, g.SignalLen)
	p := newTestPipeline(t, g)
	if err := p.RunReferenceStage(seq, g.SignalLen, 1, g.ScaleFactor); err != nil {
		t.Fatalf("RunReferenceStage: %v", err)
	}
	if err := p.RunInputStage(seq, g.SignalLen, 1, g.ScaleFactor); err != nil {
		t.Fatalf("RunInputStage: %v", err)
	}

	refSpec, err := p.ReferenceSpectra()
	if err != nil {
		t.Fatalf("ReferenceSpectra: %v", err)
	}
	inSpec, err := p.InputSpectra()
	if err != nil {
		t.Fatalf("InputSpectra: %v", err)
	}
	if len(refSpec) != len(inSpec) {
		t.Fatalf("spectra lengths differ: %d vs %d", len(refSpec), len(inSpec))
	}
	for i := range refSpec {
		want := complex(real(inSpec[i]), -imag(inSpec[i]))
		if d := cmplx.Abs(complex128(refSpec[i] - want)); d > 1e-4 {
			t.Fatalf("bin %d: reference %v, conjugated input %v", i, refSpec[i], want)
		}
	}
}

// TestRunningMaxPolicy switches the correlation plan to running-max:
// the first point of each window holds the maximum magnitude over the
// first half of the window, the remaining points stay zero.
func TestRunningMaxPolicy(t *testing.T) {
	g := Geometry{
		SignalLen: 16, NumShifts: 2, NumSignals: 1, PointsPerWindow: 4,
		ScaleFactor: 1, PeakPolicy: gpu.PeakRunningMax,
	}
	ref := signal.MSequence(0x80000000, g.SignalLen)
	_, peaks := runFullPipeline(t, g, ref, rotate(ref, 1))

	energy := float32(g.SignalLen)
	if got := peaks[slotIndex(g, 0, 1, 0)]; math.Abs(float64(got-energy)) > 1e-2 {
		t.Errorf("aligned window running max = %g, want %g", got, energy)
	}
	if got := peaks[slotIndex(g, 0, 0, 0)]; got >= energy-1 {
		t.Errorf("misaligned window running max = %g, expected a sidelobe below %g", got, energy-1)
	}
	for shift := 0; shift < g.NumShifts; shift++ {
		for pt := 1; pt < g.PointsPerWindow; pt++ {
			if got := peaks[slotIndex(g, 0, shift, pt)]; got != 0 {
				t.Errorf("shift %d point %d = %g, want 0 under running-max", shift, pt, got)
			}
		}
	}
}

// TestCorrelationSamplesMatchPeaks cross-checks the two outputs of the
// peaks callback: the magnitude of each stored time-domain sample must
// equal the recorded peak for the same window position.
func TestCorrelationSamplesMatchPeaks(t *testing.T) {
	g := testGeometry()
	ref := signal.MSequence(0x80000000, g.SignalLen)
	inputs := make([]int32, 0, g.SignalLen*g.NumSignals)
	inputs = append(inputs, ref...)
	inputs = append(inputs, rotate(ref, 1)...)

	p, peaks := runFullPipeline(t, g, ref, inputs)
	samples, err := p.CorrelationSamples()
	if err != nil {
		t.Fatalf("CorrelationSamples: %v", err)
	}
	for w := 0; w < g.Windows(); w++ {
		for pt := 0; pt < g.PointsPerWindow; pt++ {
			mag := float32(cmplx.Abs(complex128(samples[w*g.SignalLen+pt])))
			got := peaks[w*g.PointsPerWindow+pt]
			if diff := math.Abs(float64(mag - got)); diff > 1e-3 {
				t.Fatalf("window %d point %d: sample magnitude %g, recorded peak %g",
					w, pt, mag, got)
			}
		}
	}
}

// TestPeaksAccessorReadsActualSize uses a geometry whose peaks region
// is not allocation-aligned, so the accessor comes back with the
// padded tail while the in-stage readback stays at the computed size.
func TestPeaksAccessorReadsActualSize(t *testing.T) {
	g := testGeometry()
	g.PointsPerWindow = 5
	ref := signal.MSequence(0x80000000, g.SignalLen)
	inputs := make([]int32, 0, g.SignalLen*g.NumSignals)
	inputs = append(inputs, ref...)
	inputs = append(inputs, rotate(ref, 1)...)

	p, peaks := runFullPipeline(t, g, ref, inputs)
	if want := g.Windows() * g.PointsPerWindow; len(peaks) != want {
		t.Fatalf("stage peaks length = %d, want %d", len(peaks), want)
	}

	fromAccessor, err := p.Peaks()
	if err != nil {
		t.Fatalf("Peaks: %v", err)
	}
	if len(fromAccessor) < len(peaks) {
		t.Fatalf("accessor returned %d magnitudes, stage recorded %d", len(fromAccessor), len(peaks))
	}
	for i := range peaks {
		if fromAccessor[i] != peaks[i] {
			t.Fatalf("peak %d: accessor %g, stage %g", i, fromAccessor[i], peaks[i])
		}
	}
	for i := len(peaks); i < len(fromAccessor); i++ {
		if fromAccessor[i] != 0 {
			t.Fatalf("padding slot %d = %g, want 0", i, fromAccessor[i])
		}
	}
}

// TestCorrelationScenarioFullSize runs the production-shaped scenario
// end to end on the cpu backend: 32768-point windows, 10 shifts, 5
// signals, 2000 points per window. Roughly 60 MB of buffers and 65
// transforms, so it is skipped in -short runs.
func TestCorrelationScenarioFullSize(t *testing.T) {
	if testing.Short() {
		t.Skip("full-size scenario skipped in short mode")
	}
	const (
		n       = 32768
		shifts  = 10
		signals = 5
		points  = 2000
	)
	g := Geometry{
		SignalLen: n, NumShifts: shifts, NumSignals: signals,
		PointsPerWindow: points, ScaleFactor: 1.0 / n,
	}
	ref := signal.MSequence(0x1, n)
	inputs := make([]int32, 0, signals*n)
	for s := 0; s < signals; s++ {
		inputs = append(inputs, signal.MSequence(uint32(0x1+s), n)...)
	}

	_, peaks := runFullPipeline(t, g, ref, inputs)
	if want := signals * shifts * points; len(peaks) != want {
		t.Fatalf("peaks length = %d, want %d", len(peaks), want)
	}
	for i, v := range peaks {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("peak %d is not finite: %v", i, v)
		}
	}

	// Input 0 is the reference itself, so window (signal 0, shift 0)
	// carries the energy peak at its first point.
	want := float32(1.0 / n)
	got := peaks[slotIndex(g, 0, 0, 0)]
	if diff := math.Abs(float64(got - want)); diff > 0.1*float64(want) {
		t.Fatalf("matched-window peak = %g, want about %g", got, want)
	}
	var maxSig0 float32
	for i := 0; i < shifts*points; i++ {
		if peaks[i] > maxSig0 {
			maxSig0 = peaks[i]
		}
	}
	if got < 0.9*maxSig0 {
		t.Fatalf("matched-window peak %g is not dominant (signal max %g)", got, maxSig0)
	}
}
