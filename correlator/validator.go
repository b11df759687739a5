package correlator

import (
	"fmt"
	"math"

	algofft "github.com/MeKo-Christian/algo-fft"

	"github.com/openfluke/rake/config"
	"github.com/openfluke/rake/signal"
)

// maxMagnitude is the sanity ceiling for spectral bins and peak
// values. Anything above it is suspicious for unit-scaled test
// signals but not provably wrong, so it only warns.
const maxMagnitude = 1e6

// ValidationResult is the outcome of checking one step's data.
// Errors mark data that is structurally wrong; warnings mark data
// that is merely suspicious.
type ValidationResult struct {
	Valid    bool     `json:"is_valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func okResult() ValidationResult {
	return ValidationResult{Valid: true, Errors: []string{}, Warnings: []string{}}
}

func (r *ValidationResult) addError(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Summary renders the result in one line.
func (r ValidationResult) Summary() string {
	if r.Valid && len(r.Warnings) == 0 {
		return "valid"
	}
	if r.Valid {
		return fmt.Sprintf("valid, %d warning(s)", len(r.Warnings))
	}
	return fmt.Sprintf("invalid: %d error(s), %d warning(s)", len(r.Errors), len(r.Warnings))
}

// Validator checks snapshot contents for structural and numerical
// sanity. It holds no state; one instance serves any number of steps.
type Validator struct{}

func NewValidator() *Validator { return &Validator{} }

// ValidateStep1 checks the captured reference spectra: expected bin
// count, finite values, plausible magnitudes.
func (v *Validator) ValidateStep1(snap *Snapshot, p config.Parameters) ValidationResult {
	r := okResult()
	data := snap.ReferenceSpectra()
	if len(data) == 0 {
		r.addError("reference spectra are empty")
		return r
	}
	switch expected := p.NumShifts * p.SignalLen; {
	case len(data) < expected:
		r.addError("reference spectra hold %d bins, expected %d", len(data), expected)
	case len(data) > expected:
		r.addWarning("reference spectra hold %d bins, %d beyond the expected %d (allocation padding)",
			len(data), len(data)-expected, expected)
	}
	v.checkComplex(&r, "reference spectra", data)
	return r
}

// ValidateStep2 checks the captured input spectra the same way.
func (v *Validator) ValidateStep2(snap *Snapshot, p config.Parameters) ValidationResult {
	r := okResult()
	data := snap.InputSpectra()
	if len(data) == 0 {
		r.addError("input spectra are empty")
		return r
	}
	switch expected := p.NumSignals * p.SignalLen; {
	case len(data) < expected:
		r.addError("input spectra hold %d bins, expected %d", len(data), expected)
	case len(data) > expected:
		r.addWarning("input spectra hold %d bins, %d beyond the expected %d (allocation padding)",
			len(data), len(data)-expected, expected)
	}
	v.checkComplex(&r, "input spectra", data)
	return r
}

// ValidateStep3 checks the captured peaks: expected count, finite,
// non-negative, plausible magnitude.
func (v *Validator) ValidateStep3(snap *Snapshot, p config.Parameters) ValidationResult {
	r := okResult()
	peaks := snap.Peaks()
	if len(peaks) == 0 {
		r.addError("peaks are empty")
		return r
	}
	switch expected := p.NumWindows() * p.PointsPerWindow; {
	case len(peaks) < expected:
		r.addError("peaks hold %d values, expected %d", len(peaks), expected)
	case len(peaks) > expected:
		r.addWarning("peaks hold %d values, %d beyond the expected %d (allocation padding)",
			len(peaks), len(peaks)-expected, expected)
	}

	bad, firstBad := 0, -1
	low, firstLow := 0, -1
	high, firstHigh := 0, -1
	for i, pk := range peaks {
		f := float64(pk)
		switch {
		case math.IsNaN(f) || math.IsInf(f, 0):
			bad++
			if firstBad < 0 {
				firstBad = i
			}
		case pk < 0:
			low++
			if firstLow < 0 {
				firstLow = i
			}
		case f > maxMagnitude:
			high++
			if firstHigh < 0 {
				firstHigh = i
			}
		}
	}
	if bad > 0 {
		r.addError("peaks: %d non-finite values, first at %d", bad, firstBad)
	}
	if low > 0 {
		r.addWarning("peaks: %d negative values, first at %d", low, firstLow)
	}
	if high > 0 {
		r.addWarning("peaks: %d values above %g, first at %d", high, maxMagnitude, firstHigh)
	}
	return r
}

// ValidateReferenceParity recomputes the step-1 spectra on the host,
// conversion through signal.ConvertReference and transform through the
// same FFT kernel the cpu backend uses, then compares bin for bin.
func (v *Validator) ValidateReferenceParity(snap *Snapshot, p config.Parameters, reference []int32) ValidationResult {
	r := okResult()
	got := snap.ReferenceSpectra()
	expected := p.NumShifts * p.SignalLen
	if len(got) < expected {
		r.addError("reference spectra hold %d bins, need %d for parity", len(got), expected)
		return r
	}
	if len(reference) != p.SignalLen {
		r.addError("reference holds %d samples, expected %d", len(reference), p.SignalLen)
		return r
	}

	plan, err := algofft.NewPlanT[complex64](p.SignalLen)
	if err != nil {
		r.addError("host transform plan: %v", err)
		return r
	}
	converted := signal.ConvertReference(reference, p.NumShifts, float32(p.ScaleFactor))
	want := make([]complex64, expected)
	bin := make([]complex64, p.SignalLen)
	for w := 0; w < p.NumShifts; w++ {
		if err := plan.Forward(bin, converted[w*p.SignalLen:(w+1)*p.SignalLen]); err != nil {
			r.addError("host transform window %d: %v", w, err)
			return r
		}
		for i, c := range bin {
			want[w*p.SignalLen+i] = complex(real(c), -imag(c))
		}
	}

	// Device rounding differs across backends; tolerance scales with
	// the largest value the spectrum can reach.
	tol := 1e-3 * float32(p.SignalLen) * float32(math.Abs(p.ScaleFactor))
	if tol < 1e-6 {
		tol = 1e-6
	}
	if err := signal.VerifyConversion(got[:expected], want, tol); err != nil {
		r.addError("reference parity: %v", err)
	}
	return r
}

// checkComplex flags non-finite bins as errors and oversized
// magnitudes as warnings, reporting counts and first offenders.
func (v *Validator) checkComplex(r *ValidationResult, label string, data []complex64) {
	bad, firstBad := 0, -1
	high, firstHigh := 0, -1
	for i, c := range data {
		re, im := float64(real(c)), float64(imag(c))
		if math.IsNaN(re) || math.IsInf(re, 0) || math.IsNaN(im) || math.IsInf(im, 0) {
			bad++
			if firstBad < 0 {
				firstBad = i
			}
			continue
		}
		if math.Hypot(re, im) > maxMagnitude {
			high++
			if firstHigh < 0 {
				firstHigh = i
			}
		}
	}
	if bad > 0 {
		r.addError("%s: %d non-finite bins, first at %d", label, bad, firstBad)
	}
	if high > 0 {
		r.addWarning("%s: %d bins above %g, first at %d", label, high, maxMagnitude, firstHigh)
	}
}
